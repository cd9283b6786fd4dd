package engineconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SidecarFileName is the metadata file written alongside the database.
const SidecarFileName = "project.json"

// Sidecar is the project.json payload.
type Sidecar struct {
	ProjectPath string    `json:"projectPath"`
	ProjectName string    `json:"projectName"`
	CreatedAt   time.Time `json:"createdAt"`
}

func sidecarPath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), SidecarFileName)
}

// LoadSidecar reads project.json next to dbPath. Returns (nil, nil) if it
// doesn't exist yet.
func LoadSidecar(dbPath string) (*Sidecar, error) {
	data, err := os.ReadFile(sidecarPath(dbPath)) // #nosec G304 - derived from resolved db path
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading project.json: %w", err)
	}
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parsing project.json: %w", err)
	}
	return &sc, nil
}

// WriteSidecar writes or refreshes project.json next to dbPath.
func WriteSidecar(dbPath string, sc Sidecar) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("creating project dir: %w", err)
	}
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling project.json: %w", err)
	}
	if err := os.WriteFile(sidecarPath(dbPath), data, 0o600); err != nil {
		return fmt.Errorf("writing project.json: %w", err)
	}
	return nil
}

// EnsureSidecar loads the existing sidecar or creates one for projectPath,
// preserving the original createdAt across refreshes.
func EnsureSidecar(dbPath, projectPath string, now func() time.Time) (*Sidecar, error) {
	existing, err := LoadSidecar(dbPath)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	sc := &Sidecar{
		ProjectPath: projectPath,
		ProjectName: filepath.Base(projectPath),
		CreatedAt:   now(),
	}
	if err := WriteSidecar(dbPath, *sc); err != nil {
		return nil, err
	}
	return sc, nil
}
