package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	yaml "go.yaml.in/yaml/v3"
)

// toJSON returns the config file as JSON. YAML files (by extension) are decoded
// generically and re-encoded, so both formats go through the same strict decoder
// and snowflake ids keep their JSON string form.
func toJSON(name string, data []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
	default:
		return data, nil
	}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, goerr.Wrap(err, "parse yaml")
	}
	if doc == nil {
		doc = map[string]any{}
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, goerr.Wrap(err, "re-encode yaml as json")
	}
	return out, nil
}

// stringKeys rewrites non-string mapping keys (e.g. `1: x`) so json.Marshal accepts them.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = stringKeys(e)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[fmt.Sprint(k)] = stringKeys(e)
		}
		return m
	case []any:
		for i, e := range t {
			t[i] = stringKeys(e)
		}
		return t
	}
	return v
}
