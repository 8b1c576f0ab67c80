package carelink

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/carelink-gateway/carelink-gateway-pro/internal/models"
)

const (
	connectServerEU = "carelink.minimed.eu"
	connectServerUS = "carelink.minimed.com"
	countryUS       = "us"
	languageEN      = "en"

	authTokenCookieName    = "auth_tmp_token"
	tokenValidToCookieName = "c_token_valid_to"

	// The validto cookie carries the vendor's own date format.
	cookieExpiryLayout      = "Mon Jan 02 15:04:05 UTC 2006"
	cookieExpiryLayoutNoPad = "Mon Jan 2 15:04:05 UTC 2006"

	// refreshThreshold is the safety margin before cookie expiry: inside it
	// the token is treated as absent and renewed.
	refreshThreshold = 300 * time.Second

	// tokenExpiryDeadline is subtracted from the exp claim of a pre-obtained
	// bearer token.
	tokenExpiryDeadline = time.Minute

	// bleDeviceMarker in the device family selects the push-style data endpoint.
	bleDeviceMarker = "BLE"
)

var commonHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Accept-Language": "en;q=0.9, *;q=0.8",
	"Connection":      "keep-alive",
}

// Session owns the vendor authentication state for exactly one account:
// the bearer authorization, its expiry and the cookie-derived session
// metadata. All exported methods are safe for concurrent use; the mutex
// also acts as the single-flight guard, so a caller arriving while a login
// is in flight waits for that attempt instead of starting a duplicate.
type Session struct {
	creds models.Credentials
	http  *resty.Client
	log   zerolog.Logger

	// baseOverride replaces the country-derived vendor host when set.
	baseOverride string

	mu              sync.Mutex
	loginInFlight   bool
	loggedIn        bool
	tokenExpiry     time.Time
	lastStatus      int
	lastErr         error
	user            *models.SessionUser
	profile         *models.SessionProfile
	countrySettings *models.CountrySettings
	monitorData     *models.MonitorData
}

// NewSession creates the session manager for one account. Every vendor
// request carries the given timeout.
func NewSession(creds models.Credentials, timeout time.Duration, logger zerolog.Logger) *Session {
	client := resty.New().
		SetTimeout(timeout).
		SetHeaders(commonHeaders).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))

	return &Session{
		creds: creds,
		http:  client,
		log:   logger.With().Str("component", "carelink-session").Logger(),
	}
}

// server returns the vendor host for the account's country.
func (s *Session) server() string {
	if s.creds.Country() == countryUS {
		return connectServerUS
	}
	return connectServerEU
}

func (s *Session) baseURL() string {
	if s.baseOverride != "" {
		return s.baseOverride
	}
	return "https://" + s.server()
}

// EnsureAuthorized returns a currently valid "Bearer ..." authorization,
// renewing or re-logging in as required. It performs no I/O while the cached
// authorization is still inside its validity window.
func (s *Session) EnsureAuthorized(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureAuthorized(ctx)
}

// Login forces a fresh login procedure regardless of cached state.
func (s *Session) Login(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds.Mode() == models.AuthModeToken {
		return s.bootstrapToken(ctx)
	}
	return s.executeLoginProcedure(ctx)
}

func (s *Session) ensureAuthorized(ctx context.Context) (string, error) {
	// A prior 401/403 invalidates whatever expiry we cached.
	forced := s.lastStatus == http.StatusUnauthorized || s.lastStatus == http.StatusForbidden

	if s.creds.Mode() == models.AuthModeToken {
		return s.ensureTokenAuthorized(ctx, forced)
	}

	token := s.cookieValue(authTokenCookieName)
	expiry, haveExpiry := s.cookieExpiry()

	if token != "" && haveExpiry && !forced && time.Until(expiry) >= refreshThreshold {
		return bearer(token), nil
	}

	if token != "" {
		if err := s.refresh(ctx); err == nil {
			s.lastStatus = http.StatusOK
			return bearer(s.cookieValue(authTokenCookieName)), nil
		} else {
			s.log.Debug().Err(err).Msg("Token refresh failed, falling back to login")
		}
	}

	if err := s.executeLoginProcedure(ctx); err != nil {
		return "", err
	}
	return bearer(s.cookieValue(authTokenCookieName)), nil
}

// ensureTokenAuthorized serves the pre-obtained token mode. The expiry is
// decoded from the token itself without contacting the network; an expired
// or rejected token cannot be renewed because there is no password to log
// in with.
func (s *Session) ensureTokenAuthorized(ctx context.Context, forced bool) (string, error) {
	if s.tokenExpiry.IsZero() {
		expiry, err := decodeTokenExpiry(s.creds.Token())
		if err != nil {
			s.lastErr = err
			return "", fmt.Errorf("authentication failed: %w", err)
		}
		s.tokenExpiry = expiry
	}

	if !time.Now().Before(s.tokenExpiry) {
		s.lastErr = fmt.Errorf("token expired at %s", s.tokenExpiry.Format(time.RFC3339))
		return "", fmt.Errorf("authentication failed: %w", s.lastErr)
	}

	if forced {
		s.lastErr = fmt.Errorf("token rejected with status %d", s.lastStatus)
		return "", fmt.Errorf("authentication failed: %w", s.lastErr)
	}

	if !s.loggedIn {
		if err := s.bootstrapToken(ctx); err != nil {
			return "", err
		}
	}

	return bearer(s.creds.Token()), nil
}

func (s *Session) bootstrapToken(ctx context.Context) error {
	if err := s.bootstrap(ctx, bearer(s.creds.Token())); err != nil {
		s.lastErr = err
		return fmt.Errorf("authentication failed: %w", err)
	}
	s.loggedIn = true
	s.lastErr = nil
	return nil
}

// decodeTokenExpiry reads the exp claim of the dot-delimited, base64-encoded
// bearer token without verifying its signature, and subtracts the safety
// deadline.
func decodeTokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("decode token: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("decode token: no expiry claim")
	}

	return exp.Time.Add(-tokenExpiryDeadline), nil
}

// refresh sends the lightweight re-auth request; on success the vendor
// rotates the session cookies and the renewed token is adopted from there.
func (s *Session) refresh(ctx context.Context) error {
	resp, err := s.http.R().
		SetContext(ctx).
		SetHeader("Authorization", bearer(s.cookieValue(authTokenCookieName))).
		Post(s.baseURL() + "/patient/sso/reauth")
	if err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}

	s.lastStatus = resp.StatusCode()
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("refresh session: status %d", resp.StatusCode())
	}

	if s.cookieValue(authTokenCookieName) == "" {
		return fmt.Errorf("refresh session: no auth cookie in response")
	}

	s.log.Debug().Msg("Session token refreshed")
	return nil
}

// executeLoginProcedure runs the full browser-style login: open a login
// session, submit credentials, submit consent, then fetch the four session
// bootstrap resources. Any failing step aborts the whole procedure; the
// caller's next poll cycle retries.
func (s *Session) executeLoginProcedure(ctx context.Context) error {
	if s.creds.Mode() == models.AuthModeToken {
		err := fmt.Errorf("interactive login requires username and password")
		s.lastErr = err
		return fmt.Errorf("authentication failed: %w", err)
	}

	s.loginInFlight = true
	defer func() { s.loginInFlight = false }()

	s.loggedIn = false
	s.lastErr = nil
	s.user = nil
	s.profile = nil
	s.countrySettings = nil
	s.monitorData = nil

	err := s.runLoginSteps(ctx)
	if err != nil {
		s.lastErr = err
		s.log.Error().Err(err).Int("status", s.lastStatus).Msg("Login procedure failed")
		return fmt.Errorf("authentication failed: %w", err)
	}

	s.loggedIn = true
	s.log.Info().
		Str("country", s.creds.Country()).
		Str("deviceFamily", s.monitorData.DeviceFamily).
		Msg("Logged in to CareLink")
	return nil
}

func (s *Session) runLoginSteps(ctx context.Context) error {
	landing, err := s.openLoginSession(ctx)
	if err != nil {
		return err
	}

	consentPage, err := s.submitCredentials(ctx, landing)
	if err != nil {
		return err
	}

	if err := s.submitConsent(ctx, consentPage); err != nil {
		return err
	}

	return s.bootstrap(ctx, bearer(s.cookieValue(authTokenCookieName)))
}

// openLoginSession opens the SSO login flow and follows its redirects; the
// landing URL carries the sessionID/sessionData pair for the credential form.
func (s *Session) openLoginSession(ctx context.Context) (*url.URL, error) {
	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"country": s.creds.Country(),
			"lang":    languageEN,
		}).
		Get(s.baseURL() + "/patient/sso/login")
	if err != nil {
		return nil, fmt.Errorf("open login session: %w", err)
	}

	s.lastStatus = resp.StatusCode()
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("open login session: status %d", resp.StatusCode())
	}

	return resp.RawResponse.Request.URL, nil
}

// submitCredentials posts the credential form to the landing URL and returns
// the consent page HTML.
func (s *Session) submitCredentials(ctx context.Context, landing *url.URL) (string, error) {
	query := landing.Query()
	target := &url.URL{Scheme: landing.Scheme, Host: landing.Host, Path: landing.Path}

	resp, err := s.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"country": query.Get("countrycode"),
			"locale":  query.Get("locale"),
		}).
		SetFormData(map[string]string{
			"sessionID":    query.Get("sessionID"),
			"sessionData":  query.Get("sessionData"),
			"locale":       query.Get("locale"),
			"action":       "login",
			"username":     s.creds.Username(),
			"password":     s.creds.Password(),
			"actionButton": "Log in",
		}).
		Post(target.String())
	if err != nil {
		return "", fmt.Errorf("submit credentials: %w", err)
	}

	s.lastStatus = resp.StatusCode()
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("submit credentials: status %d", resp.StatusCode())
	}

	return resp.String(), nil
}

// submitConsent scrapes the consent form out of the login response and posts it.
func (s *Session) submitConsent(ctx context.Context, page string) error {
	action := extractResponseData(page, "<form action=", " ")
	sessionID := extractResponseData(page, `<input type="hidden" name="sessionID" value=`, ">")
	sessionData := extractResponseData(page, `<input type="hidden" name="sessionData" value=`, ">")

	if action == "" {
		return fmt.Errorf("submit consent: no form action in login response")
	}

	resp, err := s.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"action":        "consent",
			"sessionID":     sessionID,
			"sessionData":   sessionData,
			"response_type": "code",
			"response_mode": "query",
		}).
		Post(action)
	if err != nil {
		return fmt.Errorf("submit consent: %w", err)
	}

	s.lastStatus = resp.StatusCode()
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("submit consent: status %d", resp.StatusCode())
	}

	return nil
}

// bootstrap fetches the four session resources. All four must decode; a
// failure leaves the session unauthenticated.
func (s *Session) bootstrap(ctx context.Context, auth string) error {
	var user models.SessionUser
	if err := s.fetchJSON(ctx, "patient/users/me", nil, auth, &user); err != nil {
		return fmt.Errorf("fetch user: %w", err)
	}

	var profile models.SessionProfile
	if err := s.fetchJSON(ctx, "patient/users/me/profile", nil, auth, &profile); err != nil {
		return fmt.Errorf("fetch profile: %w", err)
	}

	var settings models.CountrySettings
	query := map[string]string{"countryCode": s.creds.Country(), "language": languageEN}
	if err := s.fetchJSON(ctx, "patient/countries/settings", query, auth, &settings); err != nil {
		return fmt.Errorf("fetch country settings: %w", err)
	}

	var monitor models.MonitorData
	if err := s.fetchJSON(ctx, "patient/monitor/data", nil, auth, &monitor); err != nil {
		return fmt.Errorf("fetch monitor data: %w", err)
	}

	s.user = &user
	s.profile = &profile
	s.countrySettings = &settings
	s.monitorData = &monitor
	return nil
}

func (s *Session) fetchJSON(ctx context.Context, path string, query map[string]string, auth string, out any) error {
	req := s.http.R().
		SetContext(ctx).
		SetHeader("Authorization", auth).
		SetHeader("Accept", "application/json, text/plain, */*").
		SetResult(out)
	if query != nil {
		req.SetQueryParams(query)
	}

	resp, err := req.Get(s.baseURL() + "/" + path)
	if err != nil {
		return err
	}

	s.lastStatus = resp.StatusCode()
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode())
	}

	return nil
}

// RecordStatus notes the HTTP status of a data call so a 401/403 forces
// re-evaluation of the cached authorization on the next call.
func (s *Session) RecordStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastStatus = code
}

// RecordError notes a transport failure on a data call.
func (s *Session) RecordError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}

// RequiresBLEEndpoint reports whether the account must use the push-style
// periodic data endpoint, re-derived from the freshest cached device family.
func (s *Session) RequiresBLEEndpoint() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds.Country() == countryUS {
		return true
	}
	return s.monitorData != nil && strings.Contains(s.monitorData.DeviceFamily, bleDeviceMarker)
}

// User returns the cached identity resource.
func (s *Session) User() models.SessionUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return models.SessionUser{}
	}
	return *s.user
}

// Profile returns the cached profile resource.
func (s *Session) Profile() models.SessionProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.profile == nil {
		return models.SessionProfile{}
	}
	return *s.profile
}

// CountrySettings returns the cached country settings resource.
func (s *Session) CountrySettings() models.CountrySettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.countrySettings == nil {
		return models.CountrySettings{}
	}
	return *s.countrySettings
}

// Status returns the diagnostic view of the session.
func (s *Session) Status() models.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := models.SessionStatus{
		LoggedIn:       s.loggedIn,
		Country:        s.creds.Country(),
		LastHTTPStatus: s.lastStatus,
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	if s.profile != nil {
		status.Username = s.profile.Username
	}
	if s.user != nil {
		status.Role = s.user.Role
	}
	if s.monitorData != nil {
		status.DeviceFamily = s.monitorData.DeviceFamily
	}

	switch s.creds.Mode() {
	case models.AuthModeToken:
		if !s.tokenExpiry.IsZero() {
			expiry := s.tokenExpiry
			status.TokenExpiry = &expiry
		}
	default:
		if expiry, ok := s.cookieExpiry(); ok {
			status.TokenExpiry = &expiry
		}
	}

	return status
}

func (s *Session) cookieValue(name string) string {
	jar := s.http.GetClient().Jar
	if jar == nil {
		return ""
	}

	base, err := url.Parse(s.baseURL())
	if err != nil {
		return ""
	}

	for _, cookie := range jar.Cookies(base) {
		if cookie.Name == name {
			return cookie.Value
		}
	}
	return ""
}

func (s *Session) cookieExpiry() (time.Time, bool) {
	raw := s.cookieValue(tokenValidToCookieName)
	if raw == "" {
		return time.Time{}, false
	}

	for _, layout := range []string{cookieExpiryLayout, cookieExpiryLayoutNoPad} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}

	s.log.Debug().Str("validto", raw).Msg("Unparseable token expiry cookie")
	return time.Time{}, false
}

func bearer(token string) string {
	return "Bearer " + token
}

// extractResponseData returns the stripped substring between begstr and
// endstr in a response body.
func extractResponseData(body, begstr, endstr string) string {
	beg := strings.Index(body, begstr)
	if beg < 0 {
		return ""
	}
	beg += len(begstr)

	end := strings.Index(body[beg:], endstr)
	if end < 0 {
		return ""
	}

	return strings.Trim(body[beg:beg+end], `"`)
}
