package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"foreman/pkg/protocol"
)

// Workspaces manages per-job working directories under
// .foreman/workspaces/<job_id>/, each with an artifacts/ subdirectory
// for stage outputs.
type Workspaces struct {
	root string
}

// NewWorkspaces returns a manager rooted at the workspace root.
func NewWorkspaces(root string) *Workspaces {
	return &Workspaces{root: root}
}

// Dir returns the directory for one job.
func (w *Workspaces) Dir(jobID string) string {
	return filepath.Join(w.root, protocol.ForemanDir, protocol.WorkspacesDir, jobID)
}

// ArtifactsDir returns the stage-output directory for one job.
func (w *Workspaces) ArtifactsDir(jobID string) string {
	return filepath.Join(w.Dir(jobID), protocol.ArtifactsDir)
}

// Create makes the job tree and returns its directory.
func (w *Workspaces) Create(jobID string) (string, error) {
	dir := w.Dir(jobID)
	if err := os.MkdirAll(filepath.Join(dir, protocol.ArtifactsDir), 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", jobID, err)
	}
	return dir, nil
}

// Artifacts lists the artifact filenames for a job, sorted. A missing
// workspace yields an empty list.
func (w *Workspaces) Artifacts(jobID string) ([]string, error) {
	entries, err := os.ReadDir(w.ArtifactsDir(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list artifacts %s: %w", jobID, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Remove deletes a job's workspace tree.
func (w *Workspaces) Remove(jobID string) error {
	if err := os.RemoveAll(w.Dir(jobID)); err != nil {
		return fmt.Errorf("remove workspace %s: %w", jobID, err)
	}
	return nil
}
