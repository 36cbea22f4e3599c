package backend

import (
	"os"
	"path/filepath"
	"strings"

	"modusnapd/pkg/types"
)

// hardwareMarker is written by the engine bootstrap under the user dir.
const hardwareMarker = "modusnap_hardware_profile.txt"

// ReadHardwareProfile parses the bootstrap marker, e.g.
// "linux-x86_64-nvidia:true-rocm:false". A missing or empty marker yields the
// unknown profile with all flags false.
func ReadHardwareProfile(loc types.BackendLocation) types.HardwareProfile {
	raw := "unknown"
	if b, err := os.ReadFile(filepath.Join(loc.UserDir, hardwareMarker)); err == nil {
		if s := strings.TrimSpace(string(b)); s != "" {
			raw = s
		}
	}
	return ParseHardwareProfile(raw)
}

// ParseHardwareProfile decodes the marker token into flags.
func ParseHardwareProfile(raw string) types.HardwareProfile {
	p := types.HardwareProfile{Raw: raw}
	if raw == "" || raw == "unknown" {
		p.Raw = "unknown"
		return p
	}
	parts := strings.Split(raw, "-")
	if len(parts) > 0 {
		p.OS = parts[0]
	}
	if len(parts) > 1 {
		p.Arch = parts[1]
	}
	for _, part := range parts {
		switch {
		case strings.HasPrefix(part, "nvidia:"):
			p.HasNvidia = strings.TrimPrefix(part, "nvidia:") == "true"
		case strings.HasPrefix(part, "rocm:"):
			p.HasRocm = strings.TrimPrefix(part, "rocm:") == "true"
		}
	}
	p.IsDarwinArm64 = p.OS == "darwin" && (p.Arch == "arm64" || p.Arch == "aarch64")
	return p
}
