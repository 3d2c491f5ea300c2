package mqtt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/juju/errors"
)

var reExpr = regexp.MustCompile(`\$\{([^}]+)\}`)

// expand substitutes ${name} from vars, unknown names become empty.
// ${params.key} looks up top level key of JSON object params.
func expand(template string, vars map[string]string, params json.RawMessage) string {
	var obj map[string]json.RawMessage
	return reExpr.ReplaceAllStringFunc(template, func(m string) string {
		name := m[2 : len(m)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		if key := strings.TrimPrefix(name, "params."); key != name {
			if obj == nil && json.Unmarshal(params, &obj) != nil {
				return ""
			}
			return jsonText(obj[key])
		}
		return ""
	})
}

// JSON string value unquoted, anything else as JSON text.
func jsonText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

func valueText(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return "null"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// payloadJSON keeps valid JSON as is, wraps anything else as JSON string.
func payloadJSON(b []byte) json.RawMessage {
	if len(b) != 0 && json.Valid(b) {
		return json.RawMessage(b)
	}
	s, _ := json.Marshal(string(b))
	return json.RawMessage(s)
}

// full match, empty pattern matches anything
func compileFilter(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		pattern = ".*"
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	return re, errors.Annotatef(err, "filter=%q", pattern)
}
