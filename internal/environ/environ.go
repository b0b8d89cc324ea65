// Package environ composes the process environment a runnable is launched with.
//
// Composition is a pure function of its inputs: the runnable, the configured
// rule set, a snapshot of the ambient environment and the host platform. The
// ambient environment is never read implicitly; callers take a Snapshot with
// Current and pass it in.
package environ

import (
	"fmt"
	"os"
	"regexp"
	"runtime"
	"slices"
	"strings"

	"github.com/iambrandonn/rarun/internal/protocol"
)

// Seed keys set before the ambient environment is overlaid
const (
	KeyBacktrace    = "RUST_BACKTRACE"
	KeyUpdateExpect = "UPDATE_EXPECT"
)

// Snapshot is a read-only copy of a process environment
type Snapshot map[string]string

// Current captures the environment of the running process
func Current() Snapshot {
	return FromList(os.Environ())
}

// FromList parses KEY=VALUE entries. Entries without '=' are ignored and
// later duplicates win, matching exec semantics.
func FromList(entries []string) Snapshot {
	snap := make(Snapshot, len(entries))
	for _, entry := range entries {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			continue
		}
		snap[key] = value
	}
	return snap
}

// HostPlatform returns the platform identifier rules are matched against
func HostPlatform() string {
	return runtime.GOOS
}

// platformAliases maps identifiers found in existing editor configurations
// onto GOOS values.
var platformAliases = map[string]string{
	"win32":  "windows",
	"macos":  "darwin",
	"osx":    "darwin",
	"linux":  "linux",
	"darwin": "darwin",
}

// NormalizePlatform maps a configured platform identifier onto a GOOS value
func NormalizePlatform(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if alias, ok := platformAliases[p]; ok {
		return alias
	}
	return p
}

// MaskError reports a rule whose mask is not a valid regular expression
type MaskError struct {
	Index int
	Mask  string
	Err   error
}

// Error implements the error interface
func (e *MaskError) Error() string {
	return fmt.Sprintf("extra env rule %d: invalid mask %q: %v", e.Index, e.Mask, e.Err)
}

// Unwrap returns the underlying regexp error
func (e *MaskError) Unwrap() error {
	return e.Err
}

// Compose resolves the environment for a runnable.
//
// Later layers win: seed keys, then the ambient snapshot, then the rule set.
// An invalid mask anywhere in a conditional rule set fails the whole call.
func Compose(r protocol.Runnable, rules protocol.RuleSet, ambient Snapshot, platform string) (map[string]string, error) {
	env := map[string]string{KeyBacktrace: "short"}
	if r.ExpectTest() {
		env[KeyUpdateExpect] = "1"
	}

	for k, v := range ambient {
		env[k] = v
	}

	switch rules.Kind {
	case protocol.RuleSetUnconditional:
		for k, v := range rules.Env {
			env[k] = v
		}
	case protocol.RuleSetConditional:
		host := NormalizePlatform(platform)
		for i, rule := range rules.Rules {
			matched, err := ruleApplies(rule, r.Label, host)
			if err != nil {
				return nil, &MaskError{Index: i, Mask: rule.Mask, Err: err}
			}
			if !matched {
				continue
			}
			for k, v := range rule.Env {
				env[k] = v
			}
		}
	}

	return env, nil
}

// ValidateRules compiles every mask in a rule set without composing anything.
func ValidateRules(rules protocol.RuleSet) error {
	for i, rule := range rules.Rules {
		if rule.Mask == "" {
			continue
		}
		if _, err := regexp.Compile(rule.Mask); err != nil {
			return &MaskError{Index: i, Mask: rule.Mask, Err: err}
		}
	}
	return nil
}

// ruleApplies checks the mask and platform filters of one rule. The mask is
// compiled even when the platform filter already excludes the rule so a bad
// mask is reported on every host.
func ruleApplies(rule protocol.EnvironmentRule, label, host string) (bool, error) {
	maskOK := true
	if rule.Mask != "" {
		re, err := regexp.Compile(rule.Mask)
		if err != nil {
			return false, err
		}
		maskOK = re.MatchString(label)
	}

	// nil means no filter; an empty set matches no host
	platformOK := true
	if rule.Platform != nil {
		platformOK = false
		for _, p := range rule.Platform {
			if NormalizePlatform(p) == host {
				platformOK = true
				break
			}
		}
	}

	return maskOK && platformOK, nil
}

// List renders an environment as KEY=VALUE entries sorted by key, suitable for exec.Cmd.Env
func List(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}
