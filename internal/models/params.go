package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedParams = errors.New("malformed task parameters")

// Params is the decoded task payload. Only the handlers interpret its content.
type Params map[string]any

// ParseParams decodes the raw task_param column. Producers write either a JSON object or a
// list of {"name": ..., "value": ...} pairs, both are accepted.
func ParseParams(raw string) (Params, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedParams)
	}

	switch raw[0] {
	case '{':
		var params Params
		if err := decodeJSON(raw, &params); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedParams, err)
		}
		if params == nil {
			params = Params{}
		}
		return params, nil

	case '[':
		var pairs []struct {
			Name  string `json:"name"`
			Value any    `json:"value"`
		}
		if err := decodeJSON(raw, &pairs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedParams, err)
		}
		params := make(Params, len(pairs))
		for _, p := range pairs {
			if p.Name == "" {
				continue
			}
			params[p.Name] = p.Value
		}
		return params, nil

	default:
		return nil, fmt.Errorf("%w: expected object or list", ErrMalformedParams)
	}
}

func decodeJSON(raw string, dest any) error {
	dec := json.NewDecoder(bytes.NewBufferString(raw))
	dec.UseNumber()
	return dec.Decode(dest)
}

// String returns the parameter as a trimmed string. Non-string values are formatted, missing
// and null values give "".
func (p Params) String(name string) string {
	v, ok := p[name]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

// Missing returns the names, in the given order, whose value is absent or empty
func (p Params) Missing(names ...string) []string {
	var missing []string
	for _, name := range names {
		if p.String(name) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}
