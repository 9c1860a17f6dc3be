package kcv

import (
	"time"

	"go.uber.org/zap"

	"github.com/kvtgraph/storage/codec"
)

// ManagerConfig configures a new Manager.
type ManagerConfig struct {
	// Path is the embedded store's file path.
	Path string
	// Mode selects composite-key or serialized-columns encoding for
	// every table this manager opens. The choice is immutable for the
	// manager's lifetime.
	Mode codec.Mode
	// Logger defaults to a no-op logger when unset.
	Logger *zap.Logger
	// Timeout bounds how long the underlying KVT waits to acquire its
	// file lock.
	Timeout time.Duration
}

// DefaultManagerConfig returns a composite-key manager configuration
// rooted at path.
func DefaultManagerConfig(path string) ManagerConfig {
	return ManagerConfig{
		Path:    path,
		Mode:    codec.Composite,
		Logger:  zap.NewNop(),
		Timeout: 2 * time.Second,
	}
}
