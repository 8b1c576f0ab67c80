package models

import (
	"fmt"
	"strings"
)

// AuthMode selects how the vendor session is established.
type AuthMode int

const (
	// AuthModePassword runs the interactive browser-style login flow.
	AuthModePassword AuthMode = iota
	// AuthModeToken reuses a pre-obtained bearer token.
	AuthModeToken
)

// Credentials holds the CareLink account parameters. Immutable once constructed.
type Credentials struct {
	mode      AuthMode
	username  string
	password  string
	country   string
	token     string
	patientID string
}

// NewPasswordCredentials creates credentials for the interactive login flow.
func NewPasswordCredentials(username, password, country, patientID string) (Credentials, error) {
	if username == "" || password == "" {
		return Credentials{}, fmt.Errorf("username and password are required")
	}
	if country == "" {
		return Credentials{}, fmt.Errorf("country is required")
	}

	return Credentials{
		mode:      AuthModePassword,
		username:  username,
		password:  password,
		country:   strings.ToLower(country),
		patientID: patientID,
	}, nil
}

// NewTokenCredentials creates credentials around a pre-obtained bearer token.
func NewTokenCredentials(country, token, patientID string) (Credentials, error) {
	if token == "" {
		return Credentials{}, fmt.Errorf("token is required")
	}
	if country == "" {
		return Credentials{}, fmt.Errorf("country is required")
	}

	return Credentials{
		mode:      AuthModeToken,
		country:   strings.ToLower(country),
		token:     strings.TrimPrefix(token, "Bearer "),
		patientID: patientID,
	}, nil
}

// Mode returns the authentication mode.
func (c Credentials) Mode() AuthMode { return c.mode }

// Username returns the account username (password mode only).
func (c Credentials) Username() string { return c.username }

// Password returns the account password (password mode only).
func (c Credentials) Password() string { return c.password }

// Country returns the lower-cased account country code.
func (c Credentials) Country() string { return c.country }

// Token returns the pre-obtained bearer token without the "Bearer " prefix.
func (c Credentials) Token() string { return c.token }

// PatientID returns the optional patient id for care-partner accounts.
func (c Credentials) PatientID() string { return c.patientID }
