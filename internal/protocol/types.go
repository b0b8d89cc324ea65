package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// RunnableKind discriminates the argument shape of a runnable
type RunnableKind string

const (
	RunnableKindCargo   RunnableKind = "cargo"
	RunnableKindProject RunnableKind = "project"
)

// ExternalBuildTool is the cargo override forced onto project runnables,
// whose commands come from a rust-project.json instead of cargo.
const ExternalBuildTool = "rust-project"

// ErrUnknownRunnableKind is returned when decoding a runnable with an unrecognised kind.
var ErrUnknownRunnableKind = errors.New("protocol: unknown runnable kind")

// Category is the runnable category derived from its label.
type Category int

const (
	// CategoryOther covers binaries, tests and benches that can run under a debugger.
	CategoryOther Category = iota
	// CategoryCargo covers workspace-wide cargo invocations such as "cargo check".
	CategoryCargo
	// CategoryDoctest covers documentation tests.
	CategoryDoctest
)

// String returns the category name
func (c Category) String() string {
	switch c {
	case CategoryCargo:
		return "cargo"
	case CategoryDoctest:
		return "doctest"
	default:
		return "other"
	}
}

// Debuggable reports whether runnables of this category can be attached to a debugger.
func (c Category) Debuggable() bool {
	return c == CategoryOther
}

// CategoryOf derives the category of a label. This is the only place label
// prefixes are inspected.
func CategoryOf(label string) Category {
	switch {
	case strings.HasPrefix(label, "cargo"):
		return CategoryCargo
	case strings.HasPrefix(label, "doctest"):
		return CategoryDoctest
	default:
		return CategoryOther
	}
}

// CargoArgs are the arguments of a cargo runnable
type CargoArgs struct {
	CargoArgs      []string `json:"cargoArgs"`
	CargoExtraArgs []string `json:"cargoExtraArgs,omitempty"`
	ExecutableArgs []string `json:"executableArgs"`
	WorkspaceRoot  string   `json:"workspaceRoot,omitempty"`
	OverrideCargo  string   `json:"overrideCargo,omitempty"`
	ExpectTest     bool     `json:"expectTest,omitempty"`
}

// ProjectArgs are the arguments of a rust-project.json runnable
type ProjectArgs struct {
	Args          []string `json:"args"`
	WorkspaceRoot string   `json:"workspaceRoot"`
}

// Runnable is a unit of work reported by the analysis server.
// Exactly one of Cargo and Project is set, matching Kind.
type Runnable struct {
	Kind     RunnableKind
	Label    string
	Location *LocationLink
	Cargo    *CargoArgs
	Project  *ProjectArgs
}

// wireRunnable is the on-the-wire shape of a runnable
type wireRunnable struct {
	Kind     RunnableKind    `json:"kind"`
	Label    string          `json:"label"`
	Location *LocationLink   `json:"location,omitempty"`
	Args     json.RawMessage `json:"args"`
}

// Category returns the category derived from the label
func (r Runnable) Category() Category {
	return CategoryOf(r.Label)
}

// ExpectTest reports whether the runnable is an expectation test
func (r Runnable) ExpectTest() bool {
	return r.Kind == RunnableKindCargo && r.Cargo != nil && r.Cargo.ExpectTest
}

// WorkspaceRoot returns the workspace root carried by the runnable, if any
func (r Runnable) WorkspaceRoot() string {
	switch {
	case r.Cargo != nil:
		return r.Cargo.WorkspaceRoot
	case r.Project != nil:
		return r.Project.WorkspaceRoot
	}
	return ""
}

// MarshalJSON encodes the runnable in the analysis server wire format
func (r Runnable) MarshalJSON() ([]byte, error) {
	var args any
	switch r.Kind {
	case RunnableKindCargo:
		args = r.Cargo
	case RunnableKindProject:
		args = r.Project
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRunnableKind, r.Kind)
	}

	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}

	return json.Marshal(wireRunnable{
		Kind:     r.Kind,
		Label:    r.Label,
		Location: r.Location,
		Args:     data,
	})
}

// UnmarshalJSON decodes the args according to kind
func (r *Runnable) UnmarshalJSON(data []byte) error {
	var wire wireRunnable
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	decoded := Runnable{
		Kind:     wire.Kind,
		Label:    wire.Label,
		Location: wire.Location,
	}

	switch wire.Kind {
	case RunnableKindCargo:
		var args CargoArgs
		if err := json.Unmarshal(wire.Args, &args); err != nil {
			return fmt.Errorf("runnable %q: failed to decode cargo args: %w", wire.Label, err)
		}
		decoded.Cargo = &args
	case RunnableKindProject:
		var args ProjectArgs
		if err := json.Unmarshal(wire.Args, &args); err != nil {
			return fmt.Errorf("runnable %q: failed to decode project args: %w", wire.Label, err)
		}
		decoded.Project = &args
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRunnableKind, wire.Kind)
	}

	*r = decoded
	return nil
}
