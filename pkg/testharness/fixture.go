package testharness

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/iambrandonn/rarun/internal/protocol"
)

// Fixture is a scripted set of runnables served by a fake analysis server.
type Fixture struct {
	// Runnables maps document URIs (or "*") to the runnables reported for them.
	Runnables map[protocol.DocumentURI][]protocol.Runnable `json:"runnables"`
	// DelayMs postpones every runnables response.
	DelayMs int `json:"delay_ms,omitempty"`
	// Fail makes every runnables request fail with this message.
	Fail string `json:"fail,omitempty"`
}

// LoadFixture reads a fixture from the provided path.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}

	var fixture Fixture
	if err := json.Unmarshal(data, &fixture); err != nil {
		return nil, fmt.Errorf("parse fixture JSON: %w", err)
	}

	if fixture.Runnables == nil {
		fixture.Runnables = map[protocol.DocumentURI][]protocol.Runnable{}
	}

	return &fixture, nil
}
