package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Sidecar is the per-workspace metadata file recorded alongside the
// working tree itself (spec §6): source ref, isolation mode, creation
// time, and the owning instance id once one is assigned.
type Sidecar struct {
	SourceRef string    `json:"source_ref"`
	Isolation string    `json:"isolation"`
	CreatedAt time.Time `json:"created_at"`
	OwnerID   string    `json:"owner_id,omitempty"`
}

const sidecarFileName = ".foreman-workspace.json"

// WriteSidecar persists sidecar into root's sidecar file, overwriting
// any existing one.
func WriteSidecar(root string, sidecar Sidecar) error {
	data, err := json.MarshalIndent(sidecar, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	path := filepath.Join(root, sidecarFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write sidecar %s: %w", path, err)
	}
	return nil
}

// ReadSidecar loads the sidecar file from root.
func ReadSidecar(root string) (Sidecar, error) {
	path := filepath.Join(root, sidecarFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return Sidecar{}, fmt.Errorf("read sidecar %s: %w", path, err)
	}
	var sidecar Sidecar
	if err := json.Unmarshal(data, &sidecar); err != nil {
		return Sidecar{}, fmt.Errorf("decode sidecar %s: %w", path, err)
	}
	return sidecar, nil
}
