package models

// RawSnapshot is one "recent data" payload from the vendor: an arbitrary JSON
// object tree in which nearly every field is optional. The accessors never
// panic; an absent or mistyped key reports ok=false.
type RawSnapshot map[string]any

// String reads a string field.
func (s RawSnapshot) String(key string) (string, bool) {
	v, ok := s[key].(string)
	return v, ok
}

// Int reads an integer field. JSON numbers decode as float64, so both
// representations are accepted.
func (s RawSnapshot) Int(key string) (int, bool) {
	switch v := s[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

// Float reads a numeric field.
func (s RawSnapshot) Float(key string) (float64, bool) {
	switch v := s[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// Bool reads a boolean field.
func (s RawSnapshot) Bool(key string) (bool, bool) {
	v, ok := s[key].(bool)
	return v, ok
}

// Object reads a nested object field.
func (s RawSnapshot) Object(key string) (RawSnapshot, bool) {
	switch v := s[key].(type) {
	case map[string]any:
		return RawSnapshot(v), true
	case RawSnapshot:
		return v, true
	}
	return nil, false
}

// Objects reads a list-of-objects field, skipping entries that are not objects.
func (s RawSnapshot) Objects(key string) ([]RawSnapshot, bool) {
	list, ok := s[key].([]any)
	if !ok {
		return nil, false
	}

	out := make([]RawSnapshot, 0, len(list))
	for _, item := range list {
		if obj, ok := item.(map[string]any); ok {
			out = append(out, RawSnapshot(obj))
		}
	}
	return out, true
}

// Marker event types recorded by the pump in the snapshot marker list.
const (
	MarkerTypeMeal               = "MEAL"
	MarkerTypeInsulin            = "INSULIN"
	MarkerTypeAutoBasalDelivery  = "AUTO_BASAL_DELIVERY"
	MarkerTypeAutoModeStatus     = "AUTO_MODE_STATUS"
	MarkerTypeLowGlucoseSuspend  = "LOW_GLUCOSE_SUSPENDED"
	MarkerTypeCalibration        = "CALIBRATION"
	MarkerTypeTimeChange         = "TIME_CHANGE"
)

// markerBookkeepingFields are internal vendor fields stripped from marker
// attributes before they are exposed.
var markerBookkeepingFields = map[string]bool{
	"version": true,
	"kind":    true,
	"index":   true,
}

// Marker is one discrete logged event inside the snapshot marker list.
type Marker struct {
	Type     string
	DateTime string
	fields   RawSnapshot
}

// MarkerFromObject builds a Marker view over a raw marker object.
func MarkerFromObject(obj RawSnapshot) Marker {
	typ, _ := obj.String("type")
	dt, _ := obj.String("dateTime")
	return Marker{Type: typ, DateTime: dt, fields: obj}
}

// Attributes returns the marker fields with bookkeeping fields stripped.
func (m Marker) Attributes() map[string]any {
	attrs := make(map[string]any, len(m.fields))
	for k, v := range m.fields {
		if markerBookkeepingFields[k] {
			continue
		}
		attrs[k] = v
	}
	return attrs
}
