package carelink

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/carelink-gateway/carelink-gateway-pro/internal/models"
)

// mgdlToMmol is the mg/dL → mmol/L conversion factor.
const mgdlToMmol = 0.0555

// namePlaceholder substitutes a missing first or last name field.
const namePlaceholder = "Unknown"

// markerReadingKeys maps marker types to their reading keys.
var markerReadingKeys = map[string]string{
	models.MarkerTypeMeal:              models.ReadingLastMealMarker,
	models.MarkerTypeInsulin:           models.ReadingLastInsulinMarker,
	models.MarkerTypeAutoBasalDelivery: models.ReadingLastAutoBasalDeliveryMarker,
	models.MarkerTypeAutoModeStatus:    models.ReadingLastAutoModeStatusMarker,
	models.MarkerTypeLowGlucoseSuspend: models.ReadingLastLowGlucoseSuspendMarker,
}

// Normalizer turns one raw snapshot into one reading set. It never fails a
// cycle for a missing or malformed optional field: the affected reading
// degrades to the unavailable sentinel instead. Given the same snapshot,
// previous set and timezone table the output is identical; the only
// deliberate carry-over is the glucose value retention during a sensor
// error state.
type Normalizer struct {
	log          zerolog.Logger
	fallbackZone string
}

// NewNormalizer creates a normalizer. fallbackZone is used when the vendor
// timezone name is missing or unmapped; empty selects the built-in default.
func NewNormalizer(fallbackZone string, logger zerolog.Logger) *Normalizer {
	return &Normalizer{
		log:          logger.With().Str("component", "carelink-normalizer").Logger(),
		fallbackZone: fallbackZone,
	}
}

// BuildReadingSet maps a raw snapshot into the fixed reading vocabulary.
// previous is the last published set, consulted only for the glucose
// retention rule; it may be nil on the first cycle.
func (n *Normalizer) BuildReadingSet(snapshot models.RawSnapshot, previous *models.ReadingSet) *models.ReadingSet {
	set := models.NewReadingSet()
	if snapshot == nil {
		return set
	}

	loc := n.resolveTimezone(snapshot, set)

	n.applyGlucose(snapshot, previous, loc, set)
	n.applyScalars(snapshot, set)
	n.applyDeviceIdentity(snapshot, set)
	n.applyActiveInsulin(snapshot, loc, set)
	n.applyLastAlarm(snapshot, loc, set)
	n.applyBasal(snapshot, set)
	n.applyDeviceInformation(snapshot, set)
	n.applyMarkers(snapshot, loc, set)

	return set
}

// resolveTimezone resolves the account display timezone and publishes the
// client_timezone reading when the vendor supplied a zone name. Resolution
// failures never abort normalization.
func (n *Normalizer) resolveTimezone(snapshot models.RawSnapshot, set *models.ReadingSet) *time.Location {
	name, ok := snapshot.String("clientTimeZoneName")
	loc := resolveLocation(name, n.fallbackZone)

	if ok {
		if _, mapped := msTimezoneToIANA[name]; !mapped {
			n.log.Debug().Str("zone", name).Str("fallback", loc.String()).Msg("Unmapped vendor timezone")
		}
		set.Set(models.ReadingClientTimezone, models.NewReading(loc.String()))
	}

	return loc
}

func (n *Normalizer) applyGlucose(snapshot models.RawSnapshot, previous *models.ReadingSet, loc *time.Location, set *models.ReadingSet) {
	lastSG, _ := snapshot.Object("lastSG")
	raw, hasDatetime := lastSG.String("datetime")
	if !hasDatetime {
		// No glucose entry in this snapshot at all; the keys stay unavailable.
		return
	}

	if ts, err := parseVendorTime(raw, loc); err != nil {
		n.log.Error().Err(err).Str("datetime", raw).Msg("Malformed glucose timestamp")
	} else {
		set.Set(models.ReadingLastSGTimestamp, models.NewTimestampedReading(ts, ts))
	}

	sg, _ := lastSG.Int("sg")
	if sg > 0 {
		mmol := math.Round(float64(sg)*mgdlToMmol*100) / 100
		set.Set(models.ReadingLastSGMmol, models.NewReading(mmol))
		set.Set(models.ReadingLastSGMgdl, models.NewReading(sg))
	} else if previous != nil {
		// Sensor error sentinel: keep the previous numeric values, the
		// sensor state below still reflects the newest snapshot.
		set.Set(models.ReadingLastSGMmol, previous.Get(models.ReadingLastSGMmol))
		set.Set(models.ReadingLastSGMgdl, previous.Get(models.ReadingLastSGMgdl))
		n.log.Debug().Int("sg", sg).Msg("Non-positive glucose value, retaining previous readings")
	}

	if state, ok := lastSG.String("sensorState"); ok {
		set.Set(models.ReadingLastSGSensorState, models.NewReading(state))
	}
}

func (n *Normalizer) applyScalars(snapshot models.RawSnapshot, set *models.ReadingSet) {
	intFields := map[string]string{
		models.ReadingPumpBatteryLevel:      "medicalDeviceBatteryLevelPercent",
		models.ReadingConduitBatteryLevel:   "conduitBatteryLevel",
		models.ReadingSensorBatteryLevel:    "gstBatteryLevel",
		models.ReadingSensorDurationHours:   "sensorDurationHours",
		models.ReadingSensorDurationMinutes: "sensorDurationMinutes",
		models.ReadingReservoirLevel:        "reservoirLevelPercent",
	}
	for key, field := range intFields {
		if v, ok := snapshot.Int(field); ok {
			set.Set(key, models.NewReading(v))
		}
	}

	floatFields := map[string]string{
		models.ReadingReservoirAmount:         "reservoirAmount",
		models.ReadingReservoirRemainingUnits: "reservoirRemainingUnits",
	}
	for key, field := range floatFields {
		if v, ok := snapshot.Float(field); ok {
			set.Set(key, models.NewReading(v))
		}
	}

	stringFields := map[string]string{
		models.ReadingSensorState:         "sensorState",
		models.ReadingLastSGTrend:         "lastSGTrend",
		models.ReadingSystemStatusMessage: "systemStatusMessage",
	}
	for key, field := range stringFields {
		if v, ok := snapshot.String(field); ok {
			set.Set(key, models.NewReading(v))
		}
	}

	boolFields := map[string]string{
		models.ReadingPumpCommState:        "pumpCommunicationState",
		models.ReadingSensorCommState:      "gstCommunicationState",
		models.ReadingConduitInRange:       "conduitInRange",
		models.ReadingConduitPumpInRange:   "conduitMedicalDeviceInRange",
		models.ReadingConduitSensorInRange: "conduitSensorInRange",
		models.ReadingPumpSuspended:        "medicalDeviceSuspended",
	}
	for key, field := range boolFields {
		if v, ok := snapshot.Bool(field); ok {
			set.Set(key, models.NewReading(v))
		}
	}
}

func (n *Normalizer) applyDeviceIdentity(snapshot models.RawSnapshot, set *models.ReadingSet) {
	if v, ok := snapshot.String("medicalDeviceSerialNumber"); ok {
		set.Set(models.ReadingPumpSerial, models.NewReading(v))
	}
	if v, ok := snapshot.String("pumpModelNumber"); ok {
		set.Set(models.ReadingPumpModel, models.NewReading(v))
	}

	first, hasFirst := snapshot.String("firstName")
	last, hasLast := snapshot.String("lastName")
	if hasFirst || hasLast {
		if !hasFirst || first == "" {
			first = namePlaceholder
		}
		if !hasLast || last == "" {
			last = namePlaceholder
		}
		set.Set(models.ReadingPumpName, models.NewReading(first+" "+last))
	}
}

func (n *Normalizer) applyActiveInsulin(snapshot models.RawSnapshot, loc *time.Location, set *models.ReadingSet) {
	// Absent block is treated as present-but-empty.
	active, _ := snapshot.Object("activeInsulin")

	amount, ok := active.Float("amount")
	if !ok {
		return
	}

	attrs := make(map[string]any)
	for k, v := range active {
		if k == "amount" || k == "datetime" {
			continue
		}
		attrs[k] = v
	}

	reading := models.Reading{Value: amount, Available: true, Attributes: attrs}
	if raw, hasTS := active.String("datetime"); hasTS {
		if ts, err := parseVendorTime(raw, loc); err != nil {
			n.log.Error().Err(err).Str("datetime", raw).Msg("Malformed active insulin timestamp")
		} else {
			reading.Timestamp = &ts
		}
	}

	set.Set(models.ReadingActiveInsulin, reading)
}

func (n *Normalizer) applyLastAlarm(snapshot models.RawSnapshot, loc *time.Location, set *models.ReadingSet) {
	alarm, present := snapshot.Object("lastAlarm")
	if !present {
		return
	}

	raw, hasTS := alarm.String("datetime")
	if !hasTS {
		n.log.Debug().Msg("Last alarm without timestamp")
		return
	}

	ts, err := parseVendorTime(raw, loc)
	if err != nil {
		n.log.Error().Err(err).Str("datetime", raw).Msg("Malformed alarm timestamp")
		return
	}

	attrs := make(map[string]any)
	for k, v := range alarm {
		if k == "datetime" {
			continue
		}
		attrs[k] = v
	}

	set.Set(models.ReadingLastAlarm, models.NewMarkerReading(ts, attrs))
}

func (n *Normalizer) applyBasal(snapshot models.RawSnapshot, set *models.ReadingSet) {
	basal, _ := snapshot.Object("basal")

	if pattern, ok := snapshot.String("activeBasalPattern"); ok {
		set.Set(models.ReadingActiveBasalPattern, models.NewReading(pattern))
	} else if pattern, ok := basal.String("activeBasalPattern"); ok {
		set.Set(models.ReadingActiveBasalPattern, models.NewReading(pattern))
	}

	if rate, ok := basal.Float("basalRate"); ok {
		set.Set(models.ReadingLastBasalRate, models.NewReading(rate))
	}
}

func (n *Normalizer) applyDeviceInformation(snapshot models.RawSnapshot, set *models.ReadingSet) {
	info, _ := snapshot.Object("medicalDeviceInformation")

	if v, ok := info.String("hardwareRevision"); ok {
		set.Set(models.ReadingHardwareRevision, models.NewReading(v))
	}
	if v, ok := info.String("firmwareVersion"); ok {
		set.Set(models.ReadingFirmwareRevision, models.NewReading(v))
	}
}

// applyMarkers extracts, per marker type, the most recent occurrence from the
// snapshot marker list. A missing marker type is expected (it may simply not
// have occurred in the reported window) and logs at debug; malformed entries
// log at error. Either way the reading degrades to unavailable.
func (n *Normalizer) applyMarkers(snapshot models.RawSnapshot, loc *time.Location, set *models.ReadingSet) {
	markers, _ := snapshot.Objects("markers")

	for markerType, key := range markerReadingKeys {
		marker, ts, found := n.lastMarker(markerType, markers, loc)
		if !found {
			n.log.Debug().Str("type", markerType).Msg("No marker of type in window")
			continue
		}
		set.Set(key, models.NewMarkerReading(ts, marker.Attributes()))
	}
}

// lastMarker returns the marker of the given type with the greatest parsed
// timestamp.
func (n *Normalizer) lastMarker(markerType string, markers []models.RawSnapshot, loc *time.Location) (models.Marker, time.Time, bool) {
	var (
		best     models.Marker
		bestTime time.Time
		found    bool
	)

	for _, obj := range markers {
		marker := models.MarkerFromObject(obj)
		if marker.Type != markerType {
			continue
		}

		ts, err := parseVendorTime(marker.DateTime, loc)
		if err != nil {
			n.log.Error().Err(err).Str("type", markerType).Str("dateTime", marker.DateTime).Msg("Malformed marker timestamp")
			continue
		}

		if !found || ts.After(bestTime) {
			best = marker
			bestTime = ts
			found = true
		}
	}

	return best, bestTime, found
}
