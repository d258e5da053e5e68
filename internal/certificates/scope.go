package certificates

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/morango/morango/internal/filters"
)

// ScopeDefinition is a named template from which certificate scopes are
// instantiated. Each template is a newline-delimited list of colon-delimited
// partition strings containing ${var} placeholders.
type ScopeDefinition struct {
	ID                      string `json:"id"`
	Profile                 string `json:"profile"`
	Version                 int    `json:"version"`
	PrimaryScopeParamKey    string `json:"primary_scope_param_key"`
	Description             string `json:"description"`
	ReadFilterTemplate      string `json:"read_filter_template"`
	WriteFilterTemplate     string `json:"write_filter_template"`
	ReadWriteFilterTemplate string `json:"read_write_filter_template"`
}

// Scope is an instantiated pair of partition filters. Read covers read-only
// plus read-write partitions; Write covers write-only plus read-write.
type Scope struct {
	Read  filters.Filter
	Write filters.Filter
}

var templateVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substitute replaces every ${var} in template with params[var]. A missing
// parameter is an error: an unreplaced placeholder would silently widen or
// narrow the scope.
func substitute(template string, params map[string]string) (string, error) {
	var missing string
	out := templateVarPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := templateVarPattern.FindStringSubmatch(match)[1]
		value, ok := params[key]
		if !ok {
			missing = key
			return match
		}
		return value
	})
	if missing != "" {
		return "", fmt.Errorf("scope parameter %q is not set", missing)
	}
	return out, nil
}

// Instantiate fills the definition's templates with params and returns the
// resulting scope.
func (d *ScopeDefinition) Instantiate(params map[string]string) (Scope, error) {
	read, err := substitute(d.ReadFilterTemplate, params)
	if err != nil {
		return Scope{}, err
	}
	write, err := substitute(d.WriteFilterTemplate, params)
	if err != nil {
		return Scope{}, err
	}
	readWrite, err := substitute(d.ReadWriteFilterTemplate, params)
	if err != nil {
		return Scope{}, err
	}

	rw := filters.New(readWrite)
	return Scope{
		Read:  filters.New(read).Add(rw),
		Write: filters.New(write).Add(rw),
	}, nil
}

// IsSubsetOf reports whether every partition of this scope is contained in
// the corresponding filter of other.
func (s Scope) IsSubsetOf(other Scope) bool {
	return s.Read.IsSubsetOf(other.Read) && s.Write.IsSubsetOf(other.Write)
}

// AllPartitions returns the union of read and write partitions.
func (s Scope) AllPartitions() filters.Filter {
	return s.Read.Add(s.Write)
}

// decodeScopeParams parses the JSON object of scope parameters.
func decodeScopeParams(raw string) (map[string]string, error) {
	params := map[string]string{}
	if raw == "" {
		return params, nil
	}
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return nil, fmt.Errorf("invalid scope params: %w", err)
	}
	return params, nil
}

// encodeScopeParams renders scope parameters as canonical JSON. Go's
// encoder sorts map keys, so the output is stable for signing.
func encodeScopeParams(params map[string]string) (string, error) {
	if params == nil {
		params = map[string]string{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode scope params: %w", err)
	}
	return string(data), nil
}
