package carelink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/carelink-gateway/carelink-gateway-pro/internal/models"
)

// Client fetches "recent data" snapshots for one account. The vendor exposes
// two data endpoints; which one applies depends on the account's country and
// the monitored device family and is re-derived on every call.
type Client struct {
	session *Session
	log     zerolog.Logger
}

// NewClient creates a data client on top of an authenticated session.
func NewClient(session *Session, logger zerolog.Logger) *Client {
	return &Client{
		session: session,
		log:     logger.With().Str("component", "carelink-client").Logger(),
	}
}

// Session returns the session manager backing this client.
func (c *Client) Session() *Session {
	return c.session
}

// RecentData fetches and returns the latest raw snapshot for the account.
func (c *Client) RecentData(ctx context.Context) (models.RawSnapshot, error) {
	if _, err := c.session.EnsureAuthorized(ctx); err != nil {
		return nil, err
	}

	if c.session.RequiresBLEEndpoint() {
		return c.connectDisplayMessage(ctx)
	}
	return c.last24Hours(ctx)
}

// connectDisplayMessage requests the push-style periodic data endpoint used
// by the US deployment and BLE device families.
func (c *Client) connectDisplayMessage(ctx context.Context) (models.RawSnapshot, error) {
	settings := c.session.CountrySettings()
	if settings.BLEPeriodicDataEndpoint == "" {
		return nil, fmt.Errorf("fetch failed: no periodic data endpoint in country settings")
	}

	role := "patient"
	if c.session.User().IsCarePartner() {
		role = "carepartner"
	}

	body := map[string]string{
		"username": c.session.Profile().Username,
		"role":     role,
	}
	if patientID := c.session.creds.PatientID(); patientID != "" {
		body["patientId"] = patientID
	}

	c.log.Debug().Str("role", role).Msg("Fetching periodic display message")
	return c.getData(ctx, settings.BLEPeriodicDataEndpoint, nil, body)
}

// last24Hours requests the legacy webapp endpoint with a cache-busting
// request time.
func (c *Client) last24Hours(ctx context.Context) (models.RawSnapshot, error) {
	query := map[string]string{
		"cpSerialNumber": "NONE",
		"msgType":        "last24hours",
		"requestTime":    strconv.FormatInt(time.Now().UnixMilli(), 10),
	}

	c.log.Debug().Msg("Fetching last 24 hours data")
	return c.getData(ctx, c.session.baseURL()+"/patient/connect/data", query, nil)
}

// getData performs one authorized data call. A GET is used for query-style
// requests, a POST with a JSON body in a form envelope for the push-style
// endpoint, mirroring the vendor webapp. The response status is recorded on
// the session so a 401/403 invalidates the cached authorization.
func (c *Client) getData(ctx context.Context, rawURL string, query map[string]string, body map[string]string) (models.RawSnapshot, error) {
	auth, err := c.session.EnsureAuthorized(ctx)
	if err != nil {
		return nil, err
	}

	req := c.session.http.R().
		SetContext(ctx).
		SetHeader("Authorization", auth)

	var resp *resty.Response
	if body == nil {
		req.SetHeader("Accept", "application/json, text/plain, */*").
			SetHeader("Content-Type", "application/json; charset=utf-8")
		if query != nil {
			req.SetQueryParams(query)
		}
		resp, err = req.Get(rawURL)
	} else {
		payload, merr := json.Marshal(body)
		if merr != nil {
			return nil, fmt.Errorf("fetch failed: encode request body: %w", merr)
		}
		req.SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8").
			SetHeader("Content-Type", "application/x-www-form-urlencoded").
			SetBody(payload)
		resp, err = req.Post(rawURL)
	}
	if err != nil {
		c.session.RecordError(err)
		return nil, fmt.Errorf("fetch failed: %w", err)
	}

	c.session.RecordStatus(resp.StatusCode())
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch failed: status %d", resp.StatusCode())
	}

	var snapshot models.RawSnapshot
	if err := json.Unmarshal(resp.Body(), &snapshot); err != nil {
		return nil, fmt.Errorf("fetch failed: decode payload: %w", err)
	}

	return snapshot, nil
}
