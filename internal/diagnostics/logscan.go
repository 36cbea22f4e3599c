package diagnostics

import (
	"strings"

	"modusnapd/internal/common/fsutil"
	"modusnapd/pkg/types"
)

// logTailBytes bounds how much of the engine log is read from the end.
const logTailBytes = 256 << 10

// startMarker: only the output of the current engine run is scanned.
const startMarker = "Starting server"

// ScanLog tails the engine log and matches the fixed problem substrings.
func ScanLog(path string) types.LogFindings {
	tail, err := fsutil.TailFile(path, logTailBytes)
	if err != nil || tail == "" {
		return types.LogFindings{}
	}
	if i := strings.LastIndex(tail, startMarker); i >= 0 {
		tail = tail[i:]
	}
	low := strings.ToLower(tail)
	f := types.LogFindings{}
	if strings.Contains(tail, "CERTIFICATE_VERIFY_FAILED") {
		f.SSLCertIssue = true
	}
	if strings.Contains(low, "pip") &&
		(strings.Contains(low, "error") || strings.Contains(low, "failed") ||
			strings.Contains(low, "conflict") || strings.Contains(low, "exception")) {
		f.PipErrors = true
	}
	if strings.Contains(low, "no onnxruntime backend found") ||
		(strings.Contains(low, "install rembg") && strings.Contains(low, "onnxruntime")) {
		f.RembgOnnxIssue = true
	}
	return f
}
