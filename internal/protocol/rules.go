package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Platforms is a set of platform identifiers. In configuration it is written
// either as a single string or as an array of strings.
type Platforms []string

// UnmarshalJSON accepts a scalar or an array
func (p *Platforms) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var single string
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return err
		}
		*p = Platforms{single}
		return nil
	}

	var many []string
	if err := json.Unmarshal(trimmed, &many); err != nil {
		return fmt.Errorf("platform must be a string or an array of strings: %w", err)
	}
	*p = Platforms(many)
	return nil
}

// EnvironmentRule is an env overlay applied when both its mask and platform match
type EnvironmentRule struct {
	Env      map[string]string `json:"env"`
	Mask     string            `json:"mask,omitempty"`
	Platform Platforms         `json:"platform,omitzero"`
}

// RuleSetKind tags the two shapes a rule set may take
type RuleSetKind int

const (
	// RuleSetUnconditional is a flat map applied to every runnable
	RuleSetUnconditional RuleSetKind = iota
	// RuleSetConditional is an ordered list of masked/platform-filtered rules
	RuleSetConditional
)

// RuleSet is the runnablesExtraEnv configuration value
type RuleSet struct {
	Kind  RuleSetKind
	Env   map[string]string
	Rules []EnvironmentRule
}

// Unconditional builds a rule set from a flat map
func Unconditional(env map[string]string) RuleSet {
	return RuleSet{Kind: RuleSetUnconditional, Env: env}
}

// Conditional builds a rule set from ordered rules
func Conditional(rules ...EnvironmentRule) RuleSet {
	return RuleSet{Kind: RuleSetConditional, Rules: rules}
}

// IsEmpty reports whether applying the rule set can change anything
func (s RuleSet) IsEmpty() bool {
	return len(s.Env) == 0 && len(s.Rules) == 0
}

// UnmarshalJSON inspects the JSON shape once: object, array or null
func (s *RuleSet) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*s = RuleSet{}
		return nil
	}

	switch trimmed[0] {
	case '{':
		var env map[string]string
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return fmt.Errorf("extra env map: %w", err)
		}
		*s = Unconditional(env)
	case '[':
		var rules []EnvironmentRule
		if err := json.Unmarshal(trimmed, &rules); err != nil {
			return fmt.Errorf("extra env rules: %w", err)
		}
		*s = Conditional(rules...)
	default:
		return fmt.Errorf("extra env must be an object or an array, got %s", string(trimmed[:1]))
	}
	return nil
}

// MarshalJSON writes the variant back in its configuration shape
func (s RuleSet) MarshalJSON() ([]byte, error) {
	if s.Kind == RuleSetConditional {
		if s.Rules == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(s.Rules)
	}
	if s.Env == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.Env)
}
