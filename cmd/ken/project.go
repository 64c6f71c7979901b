package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/j-tyler/ken/internal/bus"
	"github.com/j-tyler/ken/internal/config"
	"github.com/j-tyler/ken/internal/logger"
	"github.com/j-tyler/ken/internal/store"
	"github.com/j-tyler/ken/internal/store/sqlite"
)

// findProjectRoot walks up from the working directory looking for a
// .ken directory, the same way git locates a repository root.
func findProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, ".ken")); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no .ken directory found (run `ken init` first)")
		}
		dir = parent
	}
}

// loadConfig resolves the project root and its configuration.
func loadConfig() (*config.Config, error) {
	root, err := findProjectRoot()
	if err != nil {
		return nil, err
	}
	return config.Load(root)
}

// openStore opens the durable store directly, without starting the
// scheduler, spawner, or socket server. It is the fast path for
// commands that only read or issue a single write.
func openStore(cfg *config.Config, log *logger.Logger) (store.Store, error) {
	return sqlite.Open(cfg.Store.Path, cfg.Store.BusyTimeout, bus.NewMemoryEventBus(), log)
}
