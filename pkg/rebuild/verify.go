package rebuild

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"foreman/pkg/protocol"
	"foreman/pkg/registry"
)

// Mismatch is a file whose registry hash differs from its live content.
// Ambiguous by nature — an out-of-band edit and a legitimate unrecorded
// update look identical — so it is always flagged, never auto-repaired.
type Mismatch struct {
	Path         string `json:"path"`
	RegistryHash string `json:"registry_hash"`
	FileHash     string `json:"file_hash"`
}

// Drift is the difference between the filesystem and the registry.
type Drift struct {
	Unregistered   []string            `json:"unregistered,omitempty"`    // on disk, not in registry
	Ghosts         []string            `json:"ghosts,omitempty"`          // in registry, not on disk
	HashMismatches []Mismatch          `json:"hash_mismatches,omitempty"`
	DanglingDeps   map[string][]string `json:"dangling_deps,omitempty"` // path -> missing dep edges
}

// Clean reports whether no drift was found.
func (d *Drift) Clean() bool {
	return len(d.Unregistered) == 0 && len(d.Ghosts) == 0 &&
		len(d.HashMismatches) == 0 && len(d.DanglingDeps) == 0
}

// VerifyConsistency walks the workspace and compares it against the
// registry: files on disk the registry does not know, registry entries
// with no backing file, content hash disagreements, and dependency
// edges pointing at nothing.
func VerifyConsistency(ctx context.Context, reg *registry.Registry) (*Drift, error) {
	root := reg.Root()

	paths, err := reg.AllPaths(ctx)
	if err != nil {
		return nil, err
	}
	records := make(map[string]*protocol.FileRecord, len(paths))
	for _, p := range paths {
		rec, err := reg.Lookup(ctx, p)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records[p] = rec
		}
	}

	drift := &Drift{DanglingDeps: make(map[string][]string)}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != root && (d.Name() == protocol.ForemanDir || registry.ForbiddenDir(d.Name())) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		rec, known := records[rel]
		if !known {
			drift.Unregistered = append(drift.Unregistered, rel)
			return nil
		}
		live, err := registry.HashFile(path)
		if err != nil {
			return err
		}
		if live != rec.ContentHash {
			drift.HashMismatches = append(drift.HashMismatches, Mismatch{
				Path:         rel,
				RegistryHash: rec.ContentHash,
				FileHash:     live,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace: %w", err)
	}

	for path, rec := range records {
		if _, err := os.Stat(filepath.Join(root, path)); os.IsNotExist(err) {
			drift.Ghosts = append(drift.Ghosts, path)
		}
		for _, dep := range rec.Dependencies {
			if _, registered := records[dep]; registered {
				continue
			}
			if _, err := os.Stat(filepath.Join(root, dep)); err == nil {
				continue
			}
			drift.DanglingDeps[path] = append(drift.DanglingDeps[path], dep)
		}
	}
	if len(drift.DanglingDeps) == 0 {
		drift.DanglingDeps = nil
	}
	return drift, nil
}

// ReconcileResult counts the repairs made (and declined) by Reconcile.
type ReconcileResult struct {
	Registered int `json:"registered"`  // unregistered files adopted
	Removed    int `json:"removed"`     // ghost entries dropped
	PrunedDeps int `json:"pruned_deps"` // dangling dependency edges cut
	Flagged    int `json:"flagged"`     // hash mismatches left for an operator
}

// reconcileTicket owns registry rows adopted during reconciliation.
const reconcileTicket = "reconcile"

// Reconcile repairs the safe cases in a drift report: unregistered
// files are adopted, ghost entries removed, dangling dependency edges
// pruned. Hash mismatches are never repaired automatically — they are
// counted and left for explicit operator action.
func Reconcile(ctx context.Context, reg *registry.Registry, drift *Drift) (*ReconcileResult, error) {
	res := &ReconcileResult{Flagged: len(drift.HashMismatches)}

	for _, rel := range drift.Unregistered {
		hash, err := registry.HashFile(filepath.Join(reg.Root(), rel))
		if err != nil {
			return res, fmt.Errorf("reconcile %s: %w", rel, err)
		}
		err = reg.Register(ctx, registry.RegisterParams{
			Path:        rel,
			ContentHash: hash,
			OwnerTicket: reconcileTicket,
		})
		if err != nil {
			return res, fmt.Errorf("reconcile %s: %w", rel, err)
		}
		res.Registered++
	}

	for _, path := range drift.Ghosts {
		if err := reg.Unregister(ctx, path); err != nil {
			return res, fmt.Errorf("reconcile ghost %s: %w", path, err)
		}
		res.Removed++
	}

	for path, missing := range drift.DanglingDeps {
		rec, err := reg.Lookup(ctx, path)
		if err != nil {
			return res, err
		}
		if rec == nil {
			continue // removed above as a ghost
		}
		gone := make(map[string]bool, len(missing))
		for _, dep := range missing {
			gone[dep] = true
		}
		var kept []string
		for _, dep := range rec.Dependencies {
			if !gone[dep] {
				kept = append(kept, dep)
			}
		}
		err = reg.Register(ctx, registry.RegisterParams{
			Path:         rec.Path,
			ContentHash:  rec.ContentHash,
			OwnerTicket:  rec.OwnerTicket,
			JobID:        rec.JobID,
			Component:    rec.Component,
			Dependencies: kept,
		})
		if err != nil {
			return res, fmt.Errorf("reconcile deps %s: %w", path, err)
		}
		res.PrunedDeps += len(missing)
	}

	return res, nil
}
