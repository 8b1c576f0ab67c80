package models

import (
	"time"

	"github.com/google/uuid"
)

// Unavailable is the sentinel published for any reading that cannot be
// derived from the current snapshot. Downstream consumers never need
// presence checks: every key of the vocabulary is always in the set.
const Unavailable = "unavailable"

// Reading keys. The vocabulary is fixed; a ReadingSet always carries all of them.
const (
	ReadingLastSGMmol        = "last_sg_mmol"
	ReadingLastSGMgdl        = "last_sg_mgdl"
	ReadingLastSGTimestamp   = "last_sg_timestamp"
	ReadingLastSGTrend       = "last_sg_trend"
	ReadingLastSGSensorState = "last_sg_sensor_state"
	ReadingSensorState       = "sensor_state"

	ReadingPumpBatteryLevel      = "pump_battery_level"
	ReadingConduitBatteryLevel   = "conduit_battery_level"
	ReadingSensorBatteryLevel    = "sensor_battery_level"
	ReadingSensorDurationHours   = "sensor_duration_hours"
	ReadingSensorDurationMinutes = "sensor_duration_minutes"

	ReadingReservoirLevel          = "reservoir_level"
	ReadingReservoirAmount         = "reservoir_amount"
	ReadingReservoirRemainingUnits = "reservoir_remaining_units"

	ReadingPumpCommState        = "pump_comm_state"
	ReadingSensorCommState      = "sensor_comm_state"
	ReadingConduitInRange       = "conduit_in_range"
	ReadingConduitPumpInRange   = "conduit_pump_in_range"
	ReadingConduitSensorInRange = "conduit_sensor_in_range"

	ReadingPumpSerial          = "pump_serial"
	ReadingPumpName            = "pump_name"
	ReadingPumpModel           = "pump_model"
	ReadingFirmwareRevision    = "firmware_revision"
	ReadingHardwareRevision    = "hardware_revision"
	ReadingSystemStatusMessage = "system_status_message"
	ReadingPumpSuspended       = "pump_suspended"

	ReadingActiveInsulin      = "active_insulin"
	ReadingLastAlarm          = "last_alarm"
	ReadingActiveBasalPattern = "active_basal_pattern"
	ReadingLastBasalRate      = "last_basal_rate"
	ReadingClientTimezone     = "client_timezone"

	ReadingLastMealMarker              = "last_meal_marker"
	ReadingLastInsulinMarker           = "last_insulin_marker"
	ReadingLastAutoBasalDeliveryMarker = "last_auto_basal_delivery_marker"
	ReadingLastAutoModeStatusMarker    = "last_auto_mode_status_marker"
	ReadingLastLowGlucoseSuspendMarker = "last_low_glucose_suspended_marker"
)

// ReadingKeys lists the full vocabulary in publication order.
var ReadingKeys = []string{
	ReadingLastSGMmol,
	ReadingLastSGMgdl,
	ReadingLastSGTimestamp,
	ReadingLastSGTrend,
	ReadingLastSGSensorState,
	ReadingSensorState,
	ReadingPumpBatteryLevel,
	ReadingConduitBatteryLevel,
	ReadingSensorBatteryLevel,
	ReadingSensorDurationHours,
	ReadingSensorDurationMinutes,
	ReadingReservoirLevel,
	ReadingReservoirAmount,
	ReadingReservoirRemainingUnits,
	ReadingPumpCommState,
	ReadingSensorCommState,
	ReadingConduitInRange,
	ReadingConduitPumpInRange,
	ReadingConduitSensorInRange,
	ReadingPumpSerial,
	ReadingPumpName,
	ReadingPumpModel,
	ReadingFirmwareRevision,
	ReadingHardwareRevision,
	ReadingSystemStatusMessage,
	ReadingPumpSuspended,
	ReadingActiveInsulin,
	ReadingLastAlarm,
	ReadingActiveBasalPattern,
	ReadingLastBasalRate,
	ReadingClientTimezone,
	ReadingLastMealMarker,
	ReadingLastInsulinMarker,
	ReadingLastAutoBasalDeliveryMarker,
	ReadingLastAutoModeStatusMarker,
	ReadingLastLowGlucoseSuspendMarker,
}

// Reading is one normalized value. Available is false when the value is the
// unavailable sentinel.
type Reading struct {
	Value      any            `json:"value"`
	Available  bool           `json:"available"`
	Timestamp  *time.Time     `json:"timestamp,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// NewReading creates an available reading.
func NewReading(value any) Reading {
	return Reading{Value: value, Available: true}
}

// NewTimestampedReading creates an available reading carrying its own timestamp.
func NewTimestampedReading(value any, ts time.Time) Reading {
	return Reading{Value: value, Available: true, Timestamp: &ts}
}

// NewMarkerReading creates a reading for a marker occurrence: the value is the
// occurrence time, the attributes the remaining marker fields.
func NewMarkerReading(ts time.Time, attrs map[string]any) Reading {
	return Reading{Value: ts, Available: true, Timestamp: &ts, Attributes: attrs}
}

// UnavailableReading creates the explicit "unavailable" placeholder.
func UnavailableReading() Reading {
	return Reading{Value: Unavailable, Available: false}
}

// ReadingSet is the normalized output of one poll cycle.
type ReadingSet struct {
	CycleID  uuid.UUID          `json:"cycleId"`
	TakenAt  time.Time          `json:"takenAt"`
	Readings map[string]Reading `json:"readings"`
}

// NewReadingSet creates a set with every key of the vocabulary present and
// initialized to the unavailable sentinel.
func NewReadingSet() *ReadingSet {
	readings := make(map[string]Reading, len(ReadingKeys))
	for _, key := range ReadingKeys {
		readings[key] = UnavailableReading()
	}
	return &ReadingSet{
		CycleID:  uuid.New(),
		TakenAt:  time.Now().UTC(),
		Readings: readings,
	}
}

// Set stores a reading under a vocabulary key.
func (r *ReadingSet) Set(key string, reading Reading) {
	r.Readings[key] = reading
}

// Get returns the reading for key, or the unavailable placeholder for a key
// outside the vocabulary.
func (r *ReadingSet) Get(key string) Reading {
	if reading, ok := r.Readings[key]; ok {
		return reading
	}
	return UnavailableReading()
}
