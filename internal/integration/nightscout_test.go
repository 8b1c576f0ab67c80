package integration

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink-gateway/carelink-gateway-pro/internal/config"
	"github.com/carelink-gateway/carelink-gateway-pro/internal/models"
)

type nsCapture struct {
	srv *httptest.Server

	mu           sync.Mutex
	probes       int
	entries      []map[string]any
	treatments   []map[string]any
	devicestatus []map[string]any
	secrets      map[string]bool
}

func newNSCapture(t *testing.T) *nsCapture {
	t.Helper()

	c := &nsCapture{secrets: map[string]bool{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/devicestatus.json", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		c.probes++
		c.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("[]"))
	})

	record := func(sink *[]map[string]any) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

			c.mu.Lock()
			*sink = append(*sink, body)
			c.secrets[r.Header.Get("API-SECRET")] = true
			c.mu.Unlock()

			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte("{}"))
		}
	}

	mux.HandleFunc("/api/v1/entries", record(&c.entries))
	mux.HandleFunc("/api/v1/treatments", record(&c.treatments))
	mux.HandleFunc("/api/v1/devicestatus", record(&c.devicestatus))

	c.srv = httptest.NewServer(mux)
	t.Cleanup(c.srv.Close)
	return c
}

func relaySnapshot() models.RawSnapshot {
	return models.RawSnapshot{
		"pumpModelNumber":        "MMT-780G",
		"conduitBatteryStatus":   "FULL",
		"conduitBatteryLevel":    float64(80),
		"systemStatusMessage":    "NO_ERROR_MESSAGE",
		"medicalDeviceSuspended": false,
		"activeInsulin":          map[string]any{"amount": 1.5},
		"sgs": []any{
			map[string]any{"sg": float64(100), "datetime": "2023-11-05T08:20:00.000Z", "sensorState": "NO_ERROR_MESSAGE"},
			map[string]any{"sg": float64(120), "datetime": "2023-11-05T08:25:00.000Z", "sensorState": "NO_ERROR_MESSAGE"},
			map[string]any{"sg": float64(0), "datetime": "2023-11-05T08:30:00.000Z", "sensorState": "WARM_UP"},
		},
		"markers": []any{
			map[string]any{"type": "MEAL", "dateTime": "2023-11-05T07:30:00.000-00:00", "amount": float64(45)},
			map[string]any{"type": "INSULIN", "dateTime": "2023-11-05T07:30:00.000-00:00", "activationType": "RECOMMENDED", "deliveredFastAmount": 4.2},
			map[string]any{"type": "INSULIN", "dateTime": "2023-11-05T06:15:00.000-00:00", "activationType": "AUTOCORRECTION", "deliveredFastAmount": 0.4},
			map[string]any{"type": "AUTO_BASAL_DELIVERY", "dateTime": "2023-11-05T07:40:00.000-00:00", "bolusAmount": 0.05},
		},
		"notificationHistory": map[string]any{
			"clearedNotifications": []any{
				map[string]any{"type": "ALARM", "dateTime": "2023-11-05T07:45:00.000-00:00", "messageId": "BC_SID_HIGH_SG", "sg": float64(250)},
				map[string]any{"type": "MESSAGE", "dateTime": "2023-11-05T07:50:00.000-00:00", "messageId": "BC_MESSAGE_UPDATING"},
			},
		},
	}
}

func TestSendRecentData(t *testing.T) {
	capture := newNSCapture(t)

	relay := NewNightscoutRelay(config.NightscoutConfig{
		URL:       capture.srv.URL,
		APISecret: "s3cret",
		Enabled:   true,
	}, zerolog.Nop())

	relay.SendRecentData(context.Background(), relaySnapshot())

	capture.mu.Lock()
	defer capture.mu.Unlock()

	// The secret travels SHA-1 hashed.
	sum := sha1.Sum([]byte("s3cret"))
	assert.Equal(t, map[string]bool{hex.EncodeToString(sum[:]): true}, capture.secrets)

	// Device status.
	require.Len(t, capture.devicestatus, 1)
	assert.Equal(t, "MMT-780G", capture.devicestatus[0]["device"])

	// Only error-free glucose values become entries; the second carries a
	// derived direction.
	require.Len(t, capture.entries, 2)
	assert.Equal(t, "null", capture.entries[0]["direction"])
	assert.Equal(t, float64(100), capture.entries[0]["sgv"])
	assert.Equal(t, "DoubleUp", capture.entries[1]["direction"])
	assert.Equal(t, float64(20), capture.entries[1]["delta"])

	byEvent := map[string][]map[string]any{}
	for _, tr := range capture.treatments {
		event, _ := tr["eventType"].(string)
		byEvent[event] = append(byEvent[event], tr)
	}

	require.Len(t, byEvent["Temp Basal"], 1)
	assert.Equal(t, 0.05, byEvent["Temp Basal"][0]["absolute"])

	require.Len(t, byEvent["Meal"], 1)
	assert.Equal(t, float64(45), byEvent["Meal"][0]["carbs"])
	assert.Equal(t, 4.2, byEvent["Meal"][0]["insulin"])

	require.Len(t, byEvent["Correction Bolus"], 1)
	assert.Equal(t, 0.4, byEvent["Correction Bolus"][0]["insulin"])

	require.Len(t, byEvent["Note"], 2)
	notes := map[string]map[string]any{}
	for _, n := range byEvent["Note"] {
		notes[n["notes"].(string)] = n
	}
	require.Contains(t, notes, "HIGH_SG")
	require.Contains(t, notes, "UPDATING")
	assert.Equal(t, float64(250), notes["HIGH_SG"]["glucose"])
	_, hasGlucose := notes["UPDATING"]["glucose"]
	assert.False(t, hasGlucose)
}

func TestSendRecentDataSkipsUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	relay := NewNightscoutRelay(config.NightscoutConfig{
		URL:       srv.URL,
		APISecret: "wrong",
		Enabled:   true,
	}, zerolog.Nop())

	// Must not panic or push anything; probe failure short-circuits.
	relay.SendRecentData(context.Background(), relaySnapshot())
	assert.False(t, relay.ReachServer(context.Background()))
}

func TestReachServerCachesResult(t *testing.T) {
	capture := newNSCapture(t)

	relay := NewNightscoutRelay(config.NightscoutConfig{
		URL:       capture.srv.URL,
		APISecret: "s3cret",
	}, zerolog.Nop())

	assert.True(t, relay.ReachServer(context.Background()))
	assert.True(t, relay.ReachServer(context.Background()))

	capture.mu.Lock()
	defer capture.mu.Unlock()
	assert.Equal(t, 1, capture.probes)
}
