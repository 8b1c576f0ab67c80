package integration

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/carelink-gateway/carelink-gateway-pro/internal/config"
	"github.com/carelink-gateway/carelink-gateway-pro/internal/models"
)

// nsUserAgent identifies this relay in Nightscout records.
const nsUserAgent = "Carelink Gateway"

// Vendor snapshot timestamps come in two shapes; both carry a wall-clock time
// without a usable offset.
const (
	nsTimeLayoutUTC   = "2006-01-02T15:04:05.000Z"
	nsTimeLayoutPlain = "2006-01-02T15:04:05"
	nsFixedSuffix     = ".000-00:00"
)

// NightscoutRelay pushes snapshot-derived records to a Nightscout instance:
// device status, glucose entries and treatment events. It is best-effort; a
// relay failure is logged and otherwise ignored.
type NightscoutRelay struct {
	http *resty.Client
	url  string
	log  zerolog.Logger

	mu        sync.Mutex
	reachable bool
}

// NewNightscoutRelay creates a relay for the given instance. The API secret
// is sent SHA-1 hashed, as the Nightscout API expects.
func NewNightscoutRelay(cfg config.NightscoutConfig, logger zerolog.Logger) *NightscoutRelay {
	sum := sha1.Sum([]byte(cfg.APISecret))

	return &NightscoutRelay{
		http: resty.New().
			SetTimeout(30 * time.Second).
			SetHeaders(map[string]string{
				"API-SECRET":   hex.EncodeToString(sum[:]),
				"Content-Type": "application/json",
				"User-Agent":   nsUserAgent,
				"Accept":       "application/json",
			}),
		url: strings.TrimRight(strings.ToLower(cfg.URL), "/"),
		log: logger.With().Str("component", "nightscout-relay").Logger(),
	}
}

// ReachServer probes the instance once and caches the result.
func (r *NightscoutRelay) ReachServer(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reachable {
		return true
	}

	resp, err := r.http.R().
		SetContext(ctx).
		Get(r.url + "/api/v1/devicestatus.json")
	if err != nil {
		r.log.Error().Err(err).Str("url", r.url).Msg("Nightscout unreachable")
		return false
	}
	if resp.StatusCode() != 200 {
		r.log.Error().Int("status", resp.StatusCode()).Str("url", r.url).Msg("Nightscout probe rejected")
		return false
	}

	r.reachable = true
	return true
}

// SendRecentData relays one raw snapshot. Each record family is derived and
// pushed independently so a malformed section never blocks the others.
func (r *NightscoutRelay) SendRecentData(ctx context.Context, snapshot models.RawSnapshot) {
	if snapshot == nil || !r.ReachServer(ctx) {
		return
	}

	r.push(ctx, "devicestatus", r.deviceStatus(snapshot))

	sgs, _ := snapshot.Objects("sgs")
	r.push(ctx, "entries", r.glucoseEntries(filterByField(sgs, "sensorState", "NO_ERROR_MESSAGE")))

	markers, _ := snapshot.Objects("markers")
	r.push(ctx, "treatments", r.basalEntries(filterByField(markers, "type", models.MarkerTypeAutoBasalDelivery)))
	r.push(ctx, "treatments", r.mealEntries(markers))
	r.push(ctx, "treatments", r.correctionEntries(markers))

	history, _ := snapshot.Object("notificationHistory")
	cleared, _ := history.Objects("clearedNotifications")
	for _, kind := range []string{"ALARM", "MESSAGE", "ALERT"} {
		r.push(ctx, "treatments", r.noteEntries(filterByField(cleared, "type", kind)))
	}
}

// push posts each entry of a record family. An empty family is a no-op.
func (r *NightscoutRelay) push(ctx context.Context, kind string, entries []map[string]any) {
	if len(entries) == 0 {
		return
	}

	url := fmt.Sprintf("%s/api/v1/%s", r.url, kind)
	for _, entry := range entries {
		resp, err := r.http.R().
			SetContext(ctx).
			SetBody(entry).
			Post(url)
		if err != nil {
			r.log.Error().Err(err).Str("kind", kind).Msg("Nightscout push failed")
			return
		}
		if resp.StatusCode() != 200 {
			r.log.Error().Int("status", resp.StatusCode()).Str("kind", kind).Msg("Nightscout push rejected")
			return
		}
	}

	r.log.Debug().Str("kind", kind).Int("count", len(entries)).Msg("Nightscout push complete")
}

func (r *NightscoutRelay) deviceStatus(snapshot models.RawSnapshot) []map[string]any {
	model, ok := snapshot.String("pumpModelNumber")
	if !ok {
		return nil
	}

	active, _ := snapshot.Object("activeInsulin")
	reservoir, _ := active.Float("amount")
	batteryStatus, _ := snapshot.String("conduitBatteryStatus")
	batteryLevel, _ := snapshot.Int("conduitBatteryLevel")
	statusMsg, _ := snapshot.String("systemStatusMessage")
	suspended, _ := snapshot.Bool("medicalDeviceSuspended")

	return []map[string]any{{
		"device": model,
		"pump": map[string]any{
			"battery": map[string]any{
				"status":  batteryStatus,
				"voltage": batteryLevel,
			},
			"reservoir": reservoir,
			"status": map[string]any{
				"status":    statusMsg,
				"suspended": suspended,
			},
		},
	}}
}

// glucoseEntries maps the snapshot glucose series onto Nightscout sgv
// records, deriving direction and delta from consecutive values.
func (r *NightscoutRelay) glucoseEntries(sgs []models.RawSnapshot) []map[string]any {
	entries := make([]map[string]any, 0, len(sgs))

	var prev int
	for i, sg := range sgs {
		value, ok := sg.Int("sg")
		if !ok {
			continue
		}

		var direction, delta any = "null", "null"
		if i > 0 && value > 0 && prev > 0 {
			direction = nsTrend(value - prev)
			delta = value - prev
		}
		prev = value

		raw, ok := sg.String("datetime")
		if !ok {
			continue
		}
		ts, err := parseEventTime(raw)
		if err != nil {
			r.log.Debug().Err(err).Str("datetime", raw).Msg("Skipping glucose entry")
			continue
		}

		entries = append(entries, map[string]any{
			"device":     nsUserAgent,
			"direction":  direction,
			"delta":      delta,
			"type":       "sgv",
			"sgv":        float64(value),
			"date":       ts.UnixMilli(),
			"dateString": ts.Format(time.RFC3339),
			"noise":      1,
		})
	}

	return entries
}

func (r *NightscoutRelay) basalEntries(markers []models.RawSnapshot) []map[string]any {
	entries := make([]map[string]any, 0, len(markers))

	for _, marker := range markers {
		amount, ok := marker.Float("bolusAmount")
		if !ok {
			continue
		}
		ts, err := r.markerTime(marker)
		if err != nil {
			continue
		}

		entries = append(entries, map[string]any{
			"enteredBy":  nsUserAgent,
			"eventType":  "Temp Basal",
			"duration":   5,
			"absolute":   amount,
			"created_at": ts.Format(time.RFC3339),
		})
	}

	return entries
}

// mealEntries pairs recommended insulin doses with the meal logged at the
// same instant into a single Meal treatment.
func (r *NightscoutRelay) mealEntries(markers []models.RawSnapshot) []map[string]any {
	carbs := make(map[string]float64)
	for _, meal := range filterByField(markers, "type", models.MarkerTypeMeal) {
		dt, okDT := meal.String("dateTime")
		amount, okAmount := meal.Float("amount")
		if okDT && okAmount {
			carbs[dt] = amount
		}
	}

	var entries []map[string]any
	for _, dose := range filterByField(markers, "type", models.MarkerTypeInsulin) {
		if activation, _ := dose.String("activationType"); activation != "RECOMMENDED" {
			continue
		}
		dt, okDT := dose.String("dateTime")
		insulin, okInsulin := dose.Float("deliveredFastAmount")
		if !okDT || !okInsulin {
			continue
		}
		carb, matched := carbs[dt]
		if !matched {
			continue
		}
		ts, err := parseEventTime(dt)
		if err != nil {
			continue
		}

		entries = append(entries, map[string]any{
			"timestamp":   ts.UnixMilli(),
			"enteredBy":   nsUserAgent,
			"created_at":  ts.Format(time.RFC3339),
			"eventType":   "Meal",
			"glucoseType": "sensor",
			"carbs":       carb,
			"insulin":     insulin,
		})
	}

	return entries
}

func (r *NightscoutRelay) correctionEntries(markers []models.RawSnapshot) []map[string]any {
	var entries []map[string]any

	for _, dose := range filterByField(markers, "type", models.MarkerTypeInsulin) {
		if activation, _ := dose.String("activationType"); activation != "AUTOCORRECTION" {
			continue
		}
		insulin, ok := dose.Float("deliveredFastAmount")
		if !ok {
			continue
		}
		ts, err := r.markerTime(dose)
		if err != nil {
			continue
		}

		entries = append(entries, map[string]any{
			"device":     nsUserAgent,
			"timestamp":  ts.UnixMilli(),
			"enteredBy":  nsUserAgent,
			"created_at": ts.Format(time.RFC3339),
			"eventType":  "Correction Bolus",
			"insulin":    insulin,
		})
	}

	return entries
}

// noteEntries turns cleared pump notifications into Nightscout notes. A
// notification carrying a plausible glucose value keeps it as note metadata.
func (r *NightscoutRelay) noteEntries(notifications []models.RawSnapshot) []map[string]any {
	entries := make([]map[string]any, 0, len(notifications))

	for _, msg := range notifications {
		messageID, ok := msg.String("messageId")
		if !ok {
			continue
		}
		ts, err := r.markerTime(msg)
		if err != nil {
			continue
		}

		entry := map[string]any{
			"timestamp":  ts.UnixMilli(),
			"enteredBy":  nsUserAgent,
			"created_at": ts.Format(time.RFC3339),
			"eventType":  "Note",
			"notes":      noteText(messageID),
		}
		if sg, hasSG := msg.Int("sg"); hasSG && sg < 400 {
			entry["glucoseType"] = "sensor"
			entry["glucose"] = float64(sg)
		}

		entries = append(entries, entry)
	}

	return entries
}

func (r *NightscoutRelay) markerTime(obj models.RawSnapshot) (time.Time, error) {
	raw, ok := obj.String("dateTime")
	if !ok {
		return time.Time{}, fmt.Errorf("missing dateTime")
	}
	ts, err := parseEventTime(raw)
	if err != nil {
		r.log.Debug().Err(err).Str("dateTime", raw).Msg("Skipping event")
	}
	return ts, err
}

// noteText strips the vendor message catalog prefixes.
func noteText(messageID string) string {
	text := strings.ReplaceAll(messageID, "BC_SID_", "")
	return strings.ReplaceAll(text, "BC_MESSAGE_", "")
}

// nsTrend maps a glucose delta onto the Nightscout direction vocabulary.
func nsTrend(delta int) string {
	switch {
	case delta < -30:
		return "TripleDown"
	case delta < -15:
		return "DoubleDown"
	case delta < -5:
		return "SingleDown"
	case delta < 0:
		return "FortyFiveDown"
	case delta > 30:
		return "TripleUp"
	case delta > 15:
		return "DoubleUp"
	case delta > 5:
		return "SingleUp"
	case delta > 0:
		return "FortyFiveUp"
	default:
		return "Flat"
	}
}

// parseEventTime parses a vendor event timestamp as host-local wall time.
func parseEventTime(value string) (time.Time, error) {
	if strings.HasSuffix(value, nsFixedSuffix) {
		return time.ParseInLocation(nsTimeLayoutPlain, strings.TrimSuffix(value, nsFixedSuffix), time.Local)
	}
	return time.ParseInLocation(nsTimeLayoutUTC, value, time.Local)
}

// filterByField selects the objects whose string field matches value.
func filterByField(objs []models.RawSnapshot, field, value string) []models.RawSnapshot {
	var out []models.RawSnapshot
	for _, obj := range objs {
		if v, _ := obj.String(field); v == value {
			out = append(out, obj)
		}
	}
	return out
}
