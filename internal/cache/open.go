package cache

import (
	"fmt"
	"strings"

	"github.com/floegence/turnengine/internal/clock"
)

// Open builds the Store selected by backend ("memory" or "bolt").
func Open(backend string, path string, clk clock.Clock) (Store, error) {
	switch strings.TrimSpace(backend) {
	case "", "memory":
		return NewMemory(clk), nil
	case "bolt":
		return OpenBolt(path, clk)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", backend)
	}
}
