package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

const fileSuffix = ".json"

type fileRecord struct {
	Manifest  Manifest `json:"manifest"`
	Completed []string `json:"completed"`
}

// FilePersister keeps one JSON file per run in a directory.
type FilePersister struct {
	mu  sync.Mutex
	dir string
}

// NewFilePersister creates dir if needed.
func NewFilePersister(dir string) (*FilePersister, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FilePersister{dir: dir}, nil
}

func (f *FilePersister) path(runID string) (string, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return "", fmt.Errorf("invalid run ID %q", runID)
	}
	return filepath.Join(f.dir, runID+fileSuffix), nil
}

func (f *FilePersister) read(runID string) (fileRecord, error) {
	p, err := f.path(runID)
	if err != nil {
		return fileRecord{}, err
	}
	// #nosec G304 -- path is built from the checkpoint dir and a validated run ID
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileRecord{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
		}
		return fileRecord{}, fmt.Errorf("failed to read checkpoint %s: %w", runID, err)
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fileRecord{}, fmt.Errorf("failed to unmarshal checkpoint %s: %w", runID, err)
	}
	return rec, nil
}

func (f *FilePersister) write(rec fileRecord) error {
	p, err := f.path(rec.Manifest.RunID)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint %s: %w", rec.Manifest.RunID, err)
	}

	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}
	return nil
}

// SaveManifest creates or replaces the manifest, keeping completed items.
func (f *FilePersister) SaveManifest(_ context.Context, m Manifest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := f.read(m.RunID)
	if err != nil && !errors.Is(err, ErrUnknownRun) {
		return err
	}
	rec.Manifest = m
	return f.write(rec)
}

// LoadManifest reads the manifest of runID.
func (f *FilePersister) LoadManifest(_ context.Context, runID string) (Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := f.read(runID)
	if err != nil {
		return Manifest{}, err
	}
	return rec.Manifest, nil
}

// AddCompleted appends itemID to the completed list of runID.
func (f *FilePersister) AddCompleted(_ context.Context, runID, itemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := f.read(runID)
	if err != nil {
		return err
	}
	if slices.Contains(rec.Completed, itemID) {
		return nil
	}
	rec.Completed = append(rec.Completed, itemID)
	return f.write(rec)
}

// LoadCompleted returns the completed item IDs of runID.
func (f *FilePersister) LoadCompleted(_ context.Context, runID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := f.read(runID)
	if err != nil {
		return nil, err
	}
	return rec.Completed, nil
}

// ListManifests returns every manifest in the directory. Unreadable files
// are skipped.
func (f *FilePersister) ListManifests(_ context.Context) ([]Manifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var out []Manifest
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		rec, err := f.read(strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			continue
		}
		out = append(out, rec.Manifest)
	}
	return out, nil
}

// Delete removes the checkpoint file of runID.
func (f *FilePersister) Delete(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := f.path(runID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove checkpoint %s: %w", runID, err)
	}
	return nil
}
