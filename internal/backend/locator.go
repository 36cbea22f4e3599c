package backend

import (
	"os"
	"path/filepath"

	"modusnapd/internal/common/fsutil"
	"modusnapd/internal/faults"
	"modusnapd/pkg/types"
)

// markerFiles must all be present for a directory to count as an engine root.
var markerFiles = []string{"main.py", "requirements.txt"}

// candidateDirs are probed relative to the process working directory and the
// user's home when no explicit override is given.
var candidateDirs = []string{
	".",
	"..",
	"../ComfyUI",
	"ComfyUI",
	"~/ComfyUI",
	"~/comfy/ComfyUI",
	"/opt/ComfyUI",
}

// Locate resolves the engine location. Resolution order: explicit override
// (argument, then MODUSNAP_BACKEND_DIR), then candidate discovery. The
// returned fault carries every checked path when nothing matches.
func Locate(override string) (types.BackendLocation, error) {
	var checked []string
	try := func(dir string) (types.BackendLocation, bool) {
		expanded, err := fsutil.ExpandHome(dir)
		if err != nil {
			return types.BackendLocation{}, false
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return types.BackendLocation{}, false
		}
		checked = append(checked, abs)
		for _, m := range markerFiles {
			if !fsutil.PathExists(filepath.Join(abs, m)) {
				return types.BackendLocation{}, false
			}
		}
		return locationFor(abs), true
	}

	if override == "" {
		override = os.Getenv("MODUSNAP_BACKEND_DIR")
	}
	if override != "" {
		if loc, ok := try(override); ok {
			return loc, nil
		}
		return types.BackendLocation{}, notFoundFault(checked)
	}
	for _, c := range candidateDirs {
		if loc, ok := try(c); ok {
			return loc, nil
		}
	}
	return types.BackendLocation{}, notFoundFault(checked)
}

func notFoundFault(checked []string) error {
	return faults.New(faults.BackendDirNotFound,
		"no engine directory with main.py and requirements.txt found").
		With("checkedPaths", checked).
		With("remediation", "set MODUSNAP_BACKEND_DIR to the engine checkout, or pass --backend-dir")
}

func locationFor(dir string) types.BackendLocation {
	userDir := filepath.Join(dir, "user")
	return types.BackendLocation{
		BackendDir:     dir,
		VenvPython:     filepath.Join(dir, "venv", "bin", "python"),
		UserDir:        userDir,
		CustomNodesDir: filepath.Join(dir, "custom_nodes"),
		ComfyLog:       filepath.Join(userDir, "comfyui.log"),
		RestartLog:     filepath.Join(userDir, "modusnap_backend_restart.log"),
	}
}

// VenvExists reports whether the venv interpreter is present on disk.
func VenvExists(loc types.BackendLocation) bool {
	fi, err := os.Stat(loc.VenvPython)
	return err == nil && !fi.IsDir()
}
