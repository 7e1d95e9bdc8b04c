// Package local stores host-side records as JSON files.
package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cochaviz/archguest/internal/provision"
)

// LocalRunRepository keeps one JSON document per provisioning run under
// BaseDir, named after the run ID.
type LocalRunRepository struct {
	BaseDir string
}

// Save writes the run, replacing any earlier record with the same ID. The
// document is written to a temporary file and renamed so a reader never
// sees a partial record.
func (rep *LocalRunRepository) Save(run provision.Run) error {
	if rep.BaseDir == "" {
		return errors.New("base directory is not configured")
	}
	if run.ID == "" {
		return errors.New("run id is required")
	}
	if run.ID != filepath.Base(run.ID) || strings.HasPrefix(run.ID, ".") {
		return fmt.Errorf("invalid run id %q", run.ID)
	}

	if err := os.MkdirAll(rep.BaseDir, 0o755); err != nil {
		return err
	}

	payload, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(rep.BaseDir, ".run-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(rep.BaseDir, run.ID+".json"))
}

// Get returns the run with the provided ID, or nil when none is recorded.
func (rep *LocalRunRepository) Get(runID string) (*provision.Run, error) {
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	if runID != filepath.Base(runID) || strings.HasPrefix(runID, ".") {
		return nil, fmt.Errorf("invalid run id %q", runID)
	}
	return rep.loadRun(filepath.Join(rep.BaseDir, runID+".json"))
}

// List returns every recorded run, newest first.
func (rep *LocalRunRepository) List() ([]provision.Run, error) {
	entries, err := os.ReadDir(rep.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var runs []provision.Run
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		run, err := rep.loadRun(filepath.Join(rep.BaseDir, name))
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
		if run != nil {
			runs = append(runs, *run)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

// Latest returns the most recently started run, or nil.
func (rep *LocalRunRepository) Latest() (*provision.Run, error) {
	runs, err := rep.List()
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	latest := runs[0]
	return &latest, nil
}

// Unfinished returns runs that never reached a terminal state, typically
// because the process was killed mid-run.
func (rep *LocalRunRepository) Unfinished() ([]provision.Run, error) {
	runs, err := rep.List()
	if err != nil {
		return nil, err
	}
	var open []provision.Run
	for _, run := range runs {
		if !run.State.Terminal() {
			open = append(open, run)
		}
	}
	return open, nil
}

func (rep *LocalRunRepository) loadRun(path string) (*provision.Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var run provision.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}
