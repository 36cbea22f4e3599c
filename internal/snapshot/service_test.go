package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"modusnapd/internal/subproc"
)

type fakeRunner struct {
	freezeOut string
	freezeOK  bool
	installed []string
}

func (f *fakeRunner) Available() bool { return true }

func (f *fakeRunner) Run(ctx context.Context, timeout time.Duration, args ...string) subproc.Result {
	joined := strings.Join(args, " ")
	if strings.Contains(joined, "freeze") {
		return subproc.Result{Command: "python " + joined, Output: f.freezeOut, OK: f.freezeOK}
	}
	if strings.Contains(joined, "install -r") {
		f.installed = append(f.installed, args[len(args)-1])
		return subproc.Result{Command: "python " + joined, OK: true}
	}
	return subproc.Result{Command: "python " + joined, OK: true}
}

func TestCaptureAndRestore(t *testing.T) {
	userDir := t.TempDir()
	r := &fakeRunner{freezeOut: "torch==2.4.0\npillow==10.0.0\n", freezeOK: true}
	svc := New(userDir, r)
	path, res := svc.Capture(context.Background(), Tag("tx1", "before"))
	if !res.OK || path == "" {
		t.Fatalf("capture: %+v path=%q", res, path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(b) != r.freezeOut {
		t.Fatalf("content=%q", b)
	}
	if filepath.Base(path) != "tx1-before.txt" {
		t.Fatalf("name=%q", filepath.Base(path))
	}
	out := svc.Restore(context.Background(), path)
	if !out.OK {
		t.Fatalf("restore: %+v", out)
	}
	if len(r.installed) != 1 || r.installed[0] != path {
		t.Fatalf("installed=%v", r.installed)
	}
}

func TestCaptureFreezeFailure(t *testing.T) {
	r := &fakeRunner{freezeOK: false, freezeOut: "boom"}
	svc := New(t.TempDir(), r)
	path, res := svc.Capture(context.Background(), "x")
	if res.OK || path != "" {
		t.Fatalf("expected failure, got path=%q res=%+v", path, res)
	}
}

func TestPins(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "freeze.txt")
	content := "# header\ntorch==2.4.0\n\n-e git+https://x/y.git#egg=z\npillow==10.0.0\n"
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	pins, err := Pins(p)
	if err != nil {
		t.Fatalf("pins: %v", err)
	}
	if len(pins) != 3 {
		t.Fatalf("len=%d %v", len(pins), pins)
	}
	if pins[0].Name != "torch" || pins[0].Version != "2.4.0" {
		t.Fatalf("pin=%+v", pins[0])
	}
	if pins[2].Version != "10.0.0" {
		t.Fatalf("pin=%+v", pins[2])
	}
}

func TestDescribe(t *testing.T) {
	userDir := t.TempDir()
	r := &fakeRunner{freezeOut: "a==1\n", freezeOK: true}
	svc := New(userDir, r)
	path, _ := svc.Capture(context.Background(), "tx9-after")
	snap, err := svc.Describe(path, "linux-x86_64-nvidia:true-rocm:false")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if snap.ID != "tx9-after" || snap.FreezeListPath != path {
		t.Fatalf("snap=%+v", snap)
	}
}
