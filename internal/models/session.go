package models

import "time"

// SessionUser is the vendor "users/me" bootstrap resource.
type SessionUser struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	Username string `json:"username"`
}

// Care-partner role variants reported by the vendor.
const (
	RoleCarePartner    = "CARE_PARTNER"
	RoleCarePartnerOUS = "CARE_PARTNER_OUS"
)

// IsCarePartner reports whether the account monitors another person's device.
func (u SessionUser) IsCarePartner() bool {
	return u.Role == RoleCarePartner || u.Role == RoleCarePartnerOUS
}

// SessionProfile is the vendor "users/me/profile" bootstrap resource.
type SessionProfile struct {
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	PatientID string `json:"patientId"`
}

// CountrySettings is the vendor "countries/settings" bootstrap resource.
// The endpoint field name carries the vendor's own spelling.
type CountrySettings struct {
	BLEPeriodicDataEndpoint string `json:"blePereodicDataEndpoint"`
	MedicalDeviceInfoURL    string `json:"medicalDeviceInformation"`
}

// MonitorData is the vendor "monitor/data" bootstrap resource.
type MonitorData struct {
	DeviceFamily string `json:"deviceFamily"`
}

// SessionStatus is the diagnostic view of the session manager's state.
type SessionStatus struct {
	LoggedIn       bool       `json:"loggedIn"`
	Country        string     `json:"country"`
	Username       string     `json:"username,omitempty"`
	Role           string     `json:"role,omitempty"`
	DeviceFamily   string     `json:"deviceFamily,omitempty"`
	TokenExpiry    *time.Time `json:"tokenExpiry,omitempty"`
	LastHTTPStatus int        `json:"lastHttpStatus,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
}
