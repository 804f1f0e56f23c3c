// Package config holds process configuration for matcherd.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is matcherd's process configuration: where the base database and
// its watches attachment live, the control socket, and the tunables that
// bound per-matcher resource usage.
type Config struct {
	SocketPath string
	DBPath     string

	// WatchesDBPath is the file backing the ATTACH'd "watches" database
	// that holds every matcher's shadow table.
	WatchesDBPath string

	// CmdQueueSize bounds each matcher's command inbox, the same capacity
	// the original matcher gives its mpsc change channel.
	CmdQueueSize int

	// BroadcastQueueSize bounds each subscriber's outbound row channel.
	// A subscriber that falls behind by more than this many rows is
	// dropped rather than allowed to stall the matcher.
	BroadcastQueueSize int

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		SocketPath:         defaultSocketPath(),
		DBPath:             defaultDBPath(),
		WatchesDBPath:      defaultWatchesDBPath(),
		CmdQueueSize:       512,
		BroadcastQueueSize: 256,
		ConnectTimeout:     3 * time.Second,
		CommandTimeout:     5 * time.Second,
	}
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "matcherd", "matcherd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".matcherd.sock"
	}
	return filepath.Join(home, ".local", "state", "matcherd", "matcherd.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "matcherd.db"
	}
	return filepath.Join(home, ".local", "state", "matcherd", "base.db")
}

func defaultWatchesDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "watches.db"
	}
	return filepath.Join(home, ".local", "state", "matcherd", "watches.db")
}
