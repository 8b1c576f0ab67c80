package carelink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink-gateway/carelink-gateway-pro/internal/models"
)

// fakeVendor emulates the CareLink SSO flow and data endpoints on a local
// listener.
type fakeVendor struct {
	srv *httptest.Server

	role         string
	deviceFamily string
	tokenTTL     time.Duration
	reauthFails  bool

	mu               sync.Mutex
	loginCalls       int
	reauthCalls      int
	connectDataCalls int
	displayCalls     int
	nextToken        int
	lastDisplayBody  map[string]string
	lastDataQuery    url.Values
}

func newFakeVendor(t *testing.T) *fakeVendor {
	t.Helper()

	v := &fakeVendor{
		role:         "PATIENT",
		deviceFamily: "GUARDIAN",
		tokenTTL:     time.Hour,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/patient/sso/login", func(w http.ResponseWriter, r *http.Request) {
		q := url.Values{
			"sessionID":   {"sid-1"},
			"sessionData": {"sdata-1"},
			"locale":      {"en"},
			"countrycode": {"NL"},
		}
		http.Redirect(w, r, "/sso/landing?"+q.Encode(), http.StatusFound)
	})

	mux.HandleFunc("/sso/landing", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, "login page")
			return
		}

		require.NoError(t, r.ParseForm())
		v.mu.Lock()
		v.loginCalls++
		v.mu.Unlock()

		if r.FormValue("username") != "pieter" || r.FormValue("password") != "hunter2" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		require.Equal(t, "sid-1", r.FormValue("sessionID"))
		require.Equal(t, "login", r.FormValue("action"))

		fmt.Fprintf(w,
			`<html><form action=%s/consent method="post"><input type="hidden" name="sessionID" value="sid-1"><input type="hidden" name="sessionData" value="sdata-1"></form></html>`,
			v.srv.URL)
	})

	mux.HandleFunc("/consent", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "consent", r.FormValue("action"))
		require.Equal(t, "sid-1", r.FormValue("sessionID"))
		v.issueToken(w)
		fmt.Fprint(w, "ok")
	})

	mux.HandleFunc("/patient/sso/reauth", func(w http.ResponseWriter, r *http.Request) {
		v.mu.Lock()
		v.reauthCalls++
		fails := v.reauthFails
		v.mu.Unlock()

		if fails {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		v.issueToken(w)
		fmt.Fprint(w, "ok")
	})

	mux.HandleFunc("/patient/users/me", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, fmt.Sprintf(`{"id":"u-1","role":%q,"username":"pieter"}`, v.role))
	})
	mux.HandleFunc("/patient/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"username":"pieter","firstName":"Piet","lastName":"Post","patientId":"p-1"}`)
	})
	mux.HandleFunc("/patient/countries/settings", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, fmt.Sprintf(`{"blePereodicDataEndpoint":"%s/display/message"}`, v.srv.URL))
	})
	mux.HandleFunc("/patient/monitor/data", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, fmt.Sprintf(`{"deviceFamily":%q}`, v.deviceFamily))
	})

	mux.HandleFunc("/patient/connect/data", func(w http.ResponseWriter, r *http.Request) {
		v.mu.Lock()
		v.connectDataCalls++
		v.lastDataQuery = r.URL.Query()
		v.mu.Unlock()
		writeJSON(w, `{"lastSG":{"sg":100}}`)
	})

	mux.HandleFunc("/display/message", func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		body := map[string]string{}
		require.NoError(t, json.Unmarshal(raw, &body))

		v.mu.Lock()
		v.displayCalls++
		v.lastDisplayBody = body
		v.mu.Unlock()
		writeJSON(w, `{"lastSG":{"sg":120}}`)
	})

	v.srv = httptest.NewServer(mux)
	t.Cleanup(v.srv.Close)
	return v
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}

func (v *fakeVendor) issueToken(w http.ResponseWriter) {
	v.mu.Lock()
	v.nextToken++
	n := v.nextToken
	ttl := v.tokenTTL
	v.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: authTokenCookieName, Value: fmt.Sprintf("tok-%d", n), Path: "/"})
	http.SetCookie(w, &http.Cookie{
		Name:  tokenValidToCookieName,
		Value: time.Now().Add(ttl).UTC().Format(cookieExpiryLayout),
		Path:  "/",
	})
}

func (v *fakeVendor) logins() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loginCalls
}

func (v *fakeVendor) reauths() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.reauthCalls
}

func (v *fakeVendor) dataCalls() (connect, display int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connectDataCalls, v.displayCalls
}

func (v *fakeVendor) displayBody() map[string]string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastDisplayBody
}

func (v *fakeVendor) dataQuery() url.Values {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastDataQuery
}

func newTestSession(t *testing.T, v *fakeVendor, country string) *Session {
	t.Helper()

	creds, err := models.NewPasswordCredentials("pieter", "hunter2", country, "")
	require.NoError(t, err)

	s := NewSession(creds, 5*time.Second, zerolog.Nop())
	s.baseOverride = v.srv.URL
	return s
}

func TestLoginProcedure(t *testing.T) {
	v := newFakeVendor(t)
	s := newTestSession(t, v, "nl")

	require.NoError(t, s.Login(context.Background()))

	auth, err := s.EnsureAuthorized(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-1", auth)

	status := s.Status()
	assert.True(t, status.LoggedIn)
	assert.Equal(t, "pieter", status.Username)
	assert.Equal(t, "PATIENT", status.Role)
	assert.Equal(t, "GUARDIAN", status.DeviceFamily)
	require.NotNil(t, status.TokenExpiry)
	assert.Equal(t, 1, v.logins())
}

func TestEnsureAuthorizedUsesCachedToken(t *testing.T) {
	v := newFakeVendor(t)
	s := newTestSession(t, v, "nl")

	require.NoError(t, s.Login(context.Background()))

	for i := 0; i < 3; i++ {
		auth, err := s.EnsureAuthorized(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Bearer tok-1", auth)
	}

	assert.Equal(t, 1, v.logins())
	assert.Equal(t, 0, v.reauths())
}

func TestEnsureAuthorizedRefreshesNearExpiry(t *testing.T) {
	v := newFakeVendor(t)
	v.tokenTTL = 2 * time.Minute // inside the renewal margin
	s := newTestSession(t, v, "nl")

	require.NoError(t, s.Login(context.Background()))

	auth, err := s.EnsureAuthorized(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-2", auth)
	assert.Equal(t, 1, v.logins())
	assert.Equal(t, 1, v.reauths())
}

func TestUnauthorizedStatusForcesRelogin(t *testing.T) {
	v := newFakeVendor(t)
	s := newTestSession(t, v, "nl")

	require.NoError(t, s.Login(context.Background()))

	// The vendor rejects both the data call and the refresh attempt.
	v.reauthFails = true
	s.RecordStatus(http.StatusUnauthorized)

	auth, err := s.EnsureAuthorized(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-2", auth)
	assert.Equal(t, 2, v.logins())
}

func TestLoginFailureAborts(t *testing.T) {
	v := newFakeVendor(t)

	creds, err := models.NewPasswordCredentials("pieter", "wrong", "nl", "")
	require.NoError(t, err)
	s := NewSession(creds, 5*time.Second, zerolog.Nop())
	s.baseOverride = v.srv.URL

	err = s.Login(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed")

	status := s.Status()
	assert.False(t, status.LoggedIn)
	assert.NotEmpty(t, status.LastError)
}

func TestConcurrentAuthorizationLogsInOnce(t *testing.T) {
	v := newFakeVendor(t)
	s := newTestSession(t, v, "nl")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			auth, err := s.EnsureAuthorized(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "Bearer tok-1", auth)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, v.logins())
}

func makeToken(t *testing.T, exp time.Time) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func TestTokenModeBootstrap(t *testing.T) {
	v := newFakeVendor(t)

	raw := makeToken(t, time.Now().Add(time.Hour))
	creds, err := models.NewTokenCredentials("nl", raw, "")
	require.NoError(t, err)

	s := NewSession(creds, 5*time.Second, zerolog.Nop())
	s.baseOverride = v.srv.URL

	auth, err := s.EnsureAuthorized(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer "+raw, auth)
	assert.True(t, s.Status().LoggedIn)
	assert.Equal(t, 0, v.logins())
}

func TestTokenModeExpired(t *testing.T) {
	v := newFakeVendor(t)

	// Inside the safety deadline, so already treated as expired.
	creds, err := models.NewTokenCredentials("nl", makeToken(t, time.Now().Add(30*time.Second)), "")
	require.NoError(t, err)

	s := NewSession(creds, 5*time.Second, zerolog.Nop())
	s.baseOverride = v.srv.URL

	_, err = s.EnsureAuthorized(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication failed")
}

func TestTokenModeRejectedByVendor(t *testing.T) {
	v := newFakeVendor(t)

	creds, err := models.NewTokenCredentials("nl", makeToken(t, time.Now().Add(time.Hour)), "")
	require.NoError(t, err)

	s := NewSession(creds, 5*time.Second, zerolog.Nop())
	s.baseOverride = v.srv.URL

	_, err = s.EnsureAuthorized(context.Background())
	require.NoError(t, err)

	// A pre-issued token cannot be renewed after the vendor rejects it.
	s.RecordStatus(http.StatusForbidden)
	_, err = s.EnsureAuthorized(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token rejected")
}

func TestCookieExpiryAcceptsBothLayouts(t *testing.T) {
	padded, err := time.Parse(cookieExpiryLayout, "Sun Nov 05 08:30:15 UTC 2023")
	require.NoError(t, err)

	unpadded, err := time.Parse(cookieExpiryLayoutNoPad, "Sun Nov 5 08:30:15 UTC 2023")
	require.NoError(t, err)

	assert.True(t, padded.Equal(unpadded))
}
