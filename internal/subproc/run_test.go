package subproc

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMissingInterpreterYieldsSyntheticFailure(t *testing.T) {
	r := NewPythonRunner(filepath.Join(t.TempDir(), "venv", "bin", "python"), t.TempDir())
	if r.Available() {
		t.Fatalf("expected unavailable")
	}
	res := r.Run(context.Background(), time.Second, "-m", "pip", "check")
	if res.OK {
		t.Fatalf("expected failure")
	}
	if res.ExitStatus != -1 {
		t.Fatalf("exit=%d", res.ExitStatus)
	}
	if !strings.Contains(res.Output, "venv interpreter not found") {
		t.Fatalf("output=%q", res.Output)
	}
	if !strings.Contains(res.Command, "pip check") {
		t.Fatalf("command=%q", res.Command)
	}
}

func TestTruncateKeepsTail(t *testing.T) {
	long := strings.Repeat("x", 20<<10) + "VERDICT"
	got := Truncate(long)
	if len(got) > (12<<10)+64 {
		t.Fatalf("len=%d", len(got))
	}
	if !strings.HasSuffix(got, "VERDICT") {
		t.Fatalf("tail lost")
	}
	if !strings.HasPrefix(got, "…(truncated)") {
		t.Fatalf("marker missing: %q", got[:32])
	}
	short := "fine"
	if Truncate(short) != short {
		t.Fatalf("short string mutated")
	}
}

func TestPipListJSONParses(t *testing.T) {
	fake := &fakeRunner{out: `[{"name":"torch","version":"2.4.0"},{"name":"pillow","version":"10.0.0"}]`, ok: true}
	pkgs, res := PipListJSON(context.Background(), fake)
	if !res.OK {
		t.Fatalf("res=%+v", res)
	}
	if len(pkgs) != 2 || pkgs[0].Name != "torch" || pkgs[1].Version != "10.0.0" {
		t.Fatalf("pkgs=%+v", pkgs)
	}
}

func TestPipHelpersArgShapes(t *testing.T) {
	fake := &fakeRunner{ok: true}
	PipInstallReq(context.Background(), fake, "requirements.txt")
	if got := fake.lastArgs; strings.Join(got, " ") != "-m pip install -r requirements.txt" {
		t.Fatalf("args=%v", got)
	}
	PipInstallNoDeps(context.Background(), fake, "gradio==5.35.0", "shaderflow==0.9.1")
	if got := strings.Join(fake.lastArgs, " "); got != "-m pip install --no-deps gradio==5.35.0 shaderflow==0.9.1" {
		t.Fatalf("args=%v", got)
	}
	PipUninstall(context.Background(), fake, "depthflow")
	if got := strings.Join(fake.lastArgs, " "); got != "-m pip uninstall -y depthflow" {
		t.Fatalf("args=%v", got)
	}
	PipCheck(context.Background(), fake)
	if got := strings.Join(fake.lastArgs, " "); got != "-m pip check" {
		t.Fatalf("args=%v", got)
	}
}

type fakeRunner struct {
	out      string
	ok       bool
	lastArgs []string
}

func (f *fakeRunner) Available() bool { return true }

func (f *fakeRunner) Run(ctx context.Context, timeout time.Duration, args ...string) Result {
	f.lastArgs = args
	return Result{Command: "python " + strings.Join(args, " "), Output: f.out, OK: f.ok}
}
