package manifest

import (
	"fmt"

	"podthumb/internal/config"
)

// Open selects the backend named by cfg.Manifest.Backend.
func Open(cfg *config.Config) (Store, error) {
	switch cfg.Manifest.Backend {
	case "", "sqlite":
		return OpenSQLite(cfg.ManifestDBPath())
	case "file":
		return OpenFile(cfg.ManifestDir())
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported manifest backend %q", cfg.Manifest.Backend)
	}
}
