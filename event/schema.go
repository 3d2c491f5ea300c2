package event

import (
	"strings"

	"github.com/juju/errors"
	"github.com/xeipuuv/gojsonschema"
)

// At least one of telemetry/attributes must be present and non-empty.
const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["deviceName"],
  "properties": {
    "deviceName": {"type": "string", "minLength": 1},
    "telemetry": {"type": "array", "items": {"type": "object", "minProperties": 1}},
    "attributes": {"type": "array", "items": {"type": "object", "minProperties": 1}}
  },
  "anyOf": [
    {"required": ["telemetry"], "properties": {"telemetry": {"minItems": 1}}},
    {"required": ["attributes"], "properties": {"attributes": {"minItems": 1}}}
  ]
}`

var schema = gojsonschema.NewStringLoader(schemaJSON)
var compiled *gojsonschema.Schema

func init() {
	var err error
	compiled, err = gojsonschema.NewSchema(schema)
	if err != nil {
		panic("code error event schema: " + err.Error())
	}
}

// Validate checks raw JSON against Canonical Event schema.
// Returns errors.NotValid with joined schema violations.
func Validate(raw []byte) error {
	result, err := compiled.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return errors.NewNotValid(err, "event json")
	}
	if result.Valid() {
		return nil
	}
	ss := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		ss = append(ss, re.String())
	}
	return errors.NotValidf("event %s", strings.Join(ss, "; "))
}
