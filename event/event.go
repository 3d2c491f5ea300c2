// Package event defines the Canonical Event, the unit connectors produce
// and the gateway stores in its durable queue.
//
// Wire form is JSON:
//
//	{"deviceName": "sensor-1",
//	 "telemetry": [{"temp": 21.5}, {"ts": 1609459200000, "values": {"temp": 21.7}}],
//	 "attributes": [{"model": "T1000"}]}
//
// Numbers are kept as json.Number, so Encode(Decode(b)) reproduces encoder output byte for byte.
package event

import (
	"bytes"
	"encoding/json"

	"github.com/juju/errors"
)

// Values is key->value mapping of telemetry or attributes.
type Values map[string]interface{}

// TelemetryItem is one telemetry record.
// Ts is device timestamp in milliseconds, zero means "use server time".
type TelemetryItem struct {
	Ts     int64
	Values Values
}

type Event struct {
	DeviceName string          `json:"deviceName"`
	Telemetry  []TelemetryItem `json:"telemetry,omitempty"`
	Attributes []Values        `json:"attributes,omitempty"`
}

// Decode parses serialized event. It does not validate, see Validate.
func Decode(b []byte) (*Event, error) {
	d := json.NewDecoder(bytes.NewReader(b))
	d.UseNumber()
	e := new(Event)
	if err := d.Decode(e); err != nil {
		return nil, errors.Annotate(err, "event decode")
	}
	return e, nil
}

func (e *Event) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	return b, errors.Annotatef(err, "event encode device=%s", e.DeviceName)
}

// MergedAttributes folds attribute sequence into one mapping, later keys win.
func (e *Event) MergedAttributes() Values {
	if len(e.Attributes) == 0 {
		return nil
	}
	merged := make(Values)
	for _, a := range e.Attributes {
		for k, v := range a {
			merged[k] = v
		}
	}
	return merged
}

func (e *Event) HasTelemetry() bool  { return len(e.Telemetry) != 0 }
func (e *Event) HasAttributes() bool { return len(e.Attributes) != 0 }

// Flat form `{"temp":1}` when Ts is zero, `{"ts":123,"values":{...}}` otherwise.
// Zero Ts values that would read back as structured form are written as `{"ts":0,"values":{...}}`.
func (self TelemetryItem) MarshalJSON() ([]byte, error) {
	if self.Ts == 0 && !looksStructured(self.Values) {
		if self.Values == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(self.Values)
	}
	return json.Marshal(struct {
		Ts     int64  `json:"ts"`
		Values Values `json:"values"`
	}{self.Ts, self.Values})
}

func (self *TelemetryItem) UnmarshalJSON(b []byte) error {
	d := json.NewDecoder(bytes.NewReader(b))
	d.UseNumber()
	var m Values
	if err := d.Decode(&m); err != nil {
		return err
	}
	self.Ts = 0
	self.Values = m
	if !looksStructured(m) {
		return nil
	}
	tsNumber, ok1 := m["ts"].(json.Number)
	values, ok2 := m["values"].(map[string]interface{})
	if !ok1 || !ok2 {
		return nil
	}
	ts, err := tsNumber.Int64()
	if err != nil {
		return errors.Annotatef(err, "telemetry ts=%s", tsNumber)
	}
	self.Ts = ts
	self.Values = Values(values)
	return nil
}

// looksStructured reports whether flat values have exactly the keys of structured form.
func looksStructured(m Values) bool {
	if len(m) != 2 {
		return false
	}
	switch m["ts"].(type) {
	case json.Number, float64, int, int64:
	default:
		return false
	}
	switch m["values"].(type) {
	case map[string]interface{}, Values:
		return true
	}
	return false
}
