package carelink

import (
	"fmt"
	"strings"
	"time"
)

// Vendor timestamps come in two shapes: a millisecond-precision UTC-suffixed
// form and a fixed-offset form with literal zero milliseconds. Both carry
// local wall-clock time, not UTC, so they are parsed naive and attached to
// the account's display timezone afterwards.
const (
	timestampLayoutUTC   = "2006-01-02T15:04:05.000Z"
	timestampLayoutPlain = "2006-01-02T15:04:05"
	fixedOffsetSuffix    = ".000-00:00"
)

// defaultTimezone is used when the vendor zone name is missing or unmapped.
const defaultTimezone = "Europe/London"

// msTimezoneToIANA maps the vendor's Windows-style timezone names to IANA
// zone names.
var msTimezoneToIANA = map[string]string{
	"Pacific Standard Time":        "America/Los_Angeles",
	"Mountain Standard Time":       "America/Denver",
	"US Mountain Standard Time":    "America/Phoenix",
	"Central Standard Time":        "America/Chicago",
	"Eastern Standard Time":        "America/New_York",
	"US Eastern Standard Time":     "America/Indiana/Indianapolis",
	"Atlantic Standard Time":       "America/Halifax",
	"Alaskan Standard Time":        "America/Anchorage",
	"Hawaiian Standard Time":       "Pacific/Honolulu",
	"GMT Standard Time":            "Europe/London",
	"Greenwich Standard Time":      "Atlantic/Reykjavik",
	"W. Europe Standard Time":      "Europe/Berlin",
	"Central Europe Standard Time": "Europe/Budapest",
	"Central European Standard Time": "Europe/Warsaw",
	"Romance Standard Time":        "Europe/Paris",
	"E. Europe Standard Time":      "Europe/Chisinau",
	"FLE Standard Time":            "Europe/Kiev",
	"GTB Standard Time":            "Europe/Bucharest",
	"Russian Standard Time":        "Europe/Moscow",
	"Turkey Standard Time":         "Europe/Istanbul",
	"Israel Standard Time":         "Asia/Jerusalem",
	"Arabian Standard Time":        "Asia/Dubai",
	"West Asia Standard Time":      "Asia/Tashkent",
	"India Standard Time":          "Asia/Kolkata",
	"SE Asia Standard Time":        "Asia/Bangkok",
	"China Standard Time":          "Asia/Shanghai",
	"Singapore Standard Time":      "Asia/Singapore",
	"Tokyo Standard Time":          "Asia/Tokyo",
	"Korea Standard Time":          "Asia/Seoul",
	"AUS Eastern Standard Time":    "Australia/Sydney",
	"AUS Central Standard Time":    "Australia/Darwin",
	"W. Australia Standard Time":   "Australia/Perth",
	"Tasmania Standard Time":       "Australia/Hobart",
	"New Zealand Standard Time":    "Pacific/Auckland",
	"South Africa Standard Time":   "Africa/Johannesburg",
	"Egypt Standard Time":          "Africa/Cairo",
	"E. South America Standard Time": "America/Sao_Paulo",
	"Argentina Standard Time":      "America/Argentina/Buenos_Aires",
	"SA Pacific Standard Time":     "America/Bogota",
	"Central America Standard Time": "America/Guatemala",
	"Canada Central Standard Time": "America/Regina",
	"Newfoundland Standard Time":   "America/St_Johns",
	"UTC":                          "UTC",
}

// parseVendorTime parses a vendor timestamp as naive wall-clock time attached
// to loc.
func parseVendorTime(value string, loc *time.Location) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	if strings.HasSuffix(value, fixedOffsetSuffix) {
		return time.ParseInLocation(timestampLayoutPlain, strings.TrimSuffix(value, fixedOffsetSuffix), loc)
	}

	return time.ParseInLocation(timestampLayoutUTC, value, loc)
}

// resolveLocation maps a vendor zone name to a *time.Location, falling back
// to fallbackZone for missing or unmapped names. It never fails: an unloadable
// fallback degrades to UTC.
func resolveLocation(vendorName, fallbackZone string) *time.Location {
	if fallbackZone == "" {
		fallbackZone = defaultTimezone
	}

	name, ok := msTimezoneToIANA[vendorName]
	if !ok {
		name = fallbackZone
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		if loc, err = time.LoadLocation(fallbackZone); err != nil {
			return time.UTC
		}
	}
	return loc
}
