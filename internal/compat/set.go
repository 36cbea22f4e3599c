package compat

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"modusnapd/internal/common/fsutil"
	"modusnapd/pkg/types"
)

// Persisted layout under the backend user dir.
const (
	CurrentSetFile = "modusnap_compatible_hardware_set.json"
	historyDir     = "compatibility_sets"
	historyCap     = 50
)

// maxSetAge is how long a verified compatibility set stays fresh.
const maxSetAge = 15 * time.Minute

// SetStore persists the current compatibility set plus a capped history.
type SetStore struct {
	UserDir string
}

// LoadCurrent reads the current set; ok=false when missing or unreadable.
func (s *SetStore) LoadCurrent() (types.CompatibilitySet, bool) {
	b, err := os.ReadFile(filepath.Join(s.UserDir, CurrentSetFile))
	if err != nil {
		return types.CompatibilitySet{}, false
	}
	var set types.CompatibilitySet
	if err := json.Unmarshal(b, &set); err != nil {
		return types.CompatibilitySet{}, false
	}
	return set, true
}

// Save writes the set as current and appends it to the history, evicting the
// oldest entries past the cap.
func (s *SetStore) Save(set types.CompatibilitySet) error {
	b, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(s.UserDir, CurrentSetFile), b, 0o644); err != nil {
		return err
	}
	histPath := filepath.Join(s.UserDir, historyDir, fmt.Sprintf("compat_set_%s.json", set.LockID))
	if err := fsutil.WriteFileAtomic(histPath, b, 0o644); err != nil {
		return err
	}
	return s.evictHistory()
}

func (s *SetStore) evictHistory() error {
	dir := filepath.Join(s.UserDir, historyDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	type aged struct {
		name string
		mod  time.Time
	}
	var files []aged
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, aged{name: e.Name(), mod: info.ModTime()})
	}
	if len(files) <= historyCap {
		return nil
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	for _, f := range files[:len(files)-historyCap] {
		os.Remove(filepath.Join(dir, f.name))
	}
	return nil
}

// History lists retained historical sets, oldest first.
func (s *SetStore) History() []types.CompatibilitySet {
	dir := filepath.Join(s.UserDir, historyDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var sets []types.CompatibilitySet
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var set types.CompatibilitySet
		if err := json.Unmarshal(b, &set); err != nil {
			continue
		}
		sets = append(sets, set)
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].CreatedAt.Before(sets[j].CreatedAt) })
	return sets
}

// Stale reports whether the set must be rebuilt before installing: too old,
// built for different hardware, or left unhealthy.
func Stale(set types.CompatibilitySet, profile types.HardwareProfile, now time.Time) bool {
	if set.LockID == "" {
		return true
	}
	if now.Sub(set.CreatedAt) > maxSetAge {
		return true
	}
	if set.HardwareProfile != profile.Raw {
		return true
	}
	return !set.PipHealthy
}
