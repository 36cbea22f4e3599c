package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modusnapd/internal/common/fsutil"
	"modusnapd/internal/subproc"
	"modusnapd/pkg/types"
)

// Service captures and restores freeze snapshots: the textual pip freeze
// output, sufficient to reinstall the same package set.
type Service struct {
	Dir    string // <userDir>/modusnap_manager_env/snapshots
	Runner subproc.Runner
}

// New builds a service rooted under the backend user dir.
func New(userDir string, runner subproc.Runner) *Service {
	return &Service{Dir: filepath.Join(userDir, "modusnap_manager_env", "snapshots"), Runner: runner}
}

// Capture freezes the current package set into snapshots/<tag>.txt. On a
// failed freeze the path is empty and the subprocess result explains why.
func (s *Service) Capture(ctx context.Context, tag string) (string, subproc.Result) {
	res := subproc.PipFreeze(ctx, s.Runner)
	if !res.OK {
		return "", res
	}
	path := filepath.Join(s.Dir, tag+".txt")
	if err := fsutil.WriteFileAtomic(path, []byte(res.Output), 0o644); err != nil {
		res.OK = false
		res.Output = subproc.Truncate(res.Output + "\n[snapshot write failed: " + err.Error() + "]")
		return "", res
	}
	return path, res
}

// Restore reinstalls the package set recorded at path.
func (s *Service) Restore(ctx context.Context, path string) subproc.Result {
	return subproc.PipInstallReq(ctx, s.Runner, path)
}

// Describe builds the metadata record for a snapshot file on disk.
func (s *Service) Describe(path, hardwareProfile string) (types.Snapshot, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return types.Snapshot{}, err
	}
	id := strings.TrimSuffix(filepath.Base(path), ".txt")
	return types.Snapshot{
		ID:              id,
		HardwareProfile: hardwareProfile,
		CreatedAt:       fi.ModTime().UTC(),
		FreezeListPath:  path,
	}, nil
}

// Pins parses a freeze file into name/version pairs. Editable installs and
// URL pins pass through with an empty version.
func Pins(path string) ([]types.PkgPin, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pins []types.PkgPin
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if name, ver, ok := strings.Cut(line, "=="); ok {
			pins = append(pins, types.PkgPin{Name: strings.TrimSpace(name), Version: strings.TrimSpace(ver)})
			continue
		}
		pins = append(pins, types.PkgPin{Name: line})
	}
	return pins, nil
}

// Tag derives the snapshot tag for a transaction phase, e.g. "<txID>-before".
func Tag(txID, phase string) string { return txID + "-" + phase }

// Prune removes snapshot files older than keep days, returning removed paths.
func (s *Service) Prune(keepDays int) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	cutoff := time.Now().AddDate(0, 0, -keepDays)
	var removed []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			p := filepath.Join(s.Dir, e.Name())
			if err := os.Remove(p); err == nil {
				removed = append(removed, p)
			}
		}
	}
	return removed, nil
}
