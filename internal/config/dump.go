package config

import (
	"io"
	"time"

	"github.com/BurntSushi/toml"
)

// Dump writes the effective configuration as TOML. Secrets are replaced unless reveal is set.
func (l *Loader) Dump(w io.Writer, reveal bool) error {
	settings := normalize(l.v.AllSettings()).(map[string]interface{})

	if !reveal {
		if security, ok := settings["security"].(map[string]interface{}); ok {
			if token, _ := security["admin_token"].(string); token != "" {
				security["admin_token"] = hiddenValue
			}
			switch tokens := security["bypass_tokens"].(type) {
			case []interface{}:
				for i := range tokens {
					tokens[i] = hiddenValue
				}
			case string:
				if tokens != "" {
					security["bypass_tokens"] = hiddenValue
				}
			}
		}
	}

	return toml.NewEncoder(w).Encode(settings)
}

// normalize rewrites values the TOML encoder would render unhelpfully: durations become
// their string form and typed slices become []interface{}.
func normalize(v interface{}) interface{} {
	switch value := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(value))
		for k, item := range value {
			out[k] = normalize(item)
		}
		return out
	case time.Duration:
		return value.String()
	case []string:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = item
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = normalize(item)
		}
		return out
	default:
		return value
	}
}
