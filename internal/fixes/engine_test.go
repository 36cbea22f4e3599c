package fixes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"modusnapd/internal/compat"
	"modusnapd/internal/engine"
	"modusnapd/internal/faults"
	"modusnapd/internal/orchestrator"
	"modusnapd/internal/reconcile"
	"modusnapd/internal/subproc"
	"modusnapd/pkg/types"
)

type fixRunner struct {
	checkOK bool
	calls   []string
}

func (r *fixRunner) Available() bool { return true }

func (r *fixRunner) Run(ctx context.Context, timeout time.Duration, args ...string) subproc.Result {
	joined := strings.Join(args, " ")
	r.calls = append(r.calls, joined)
	if strings.Contains(joined, "pip check") {
		return subproc.Result{Command: joined, OK: r.checkOK, Output: ""}
	}
	if strings.Contains(joined, "--format=json") {
		return subproc.Result{Command: joined, OK: true, Output: "[]"}
	}
	return subproc.Result{Command: joined, OK: true}
}

func newFixEngine(t *testing.T, up bool, profile types.HardwareProfile, r *fixRunner) (*Engine, *int) {
	t.Helper()
	reboots := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/v2/manager/reboot" {
			reboots++
		}
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)
	if !up {
		srv.Close()
	}
	root := t.TempDir()
	userDir := filepath.Join(root, "user")
	loc := types.BackendLocation{
		BackendDir: root,
		UserDir:    userDir,
		RestartLog: filepath.Join(userDir, "modusnap_backend_restart.log"),
	}
	setStore := &compat.SetStore{UserDir: userDir}
	healer := &orchestrator.Healer{Runner: r, BackendDir: root, UserDir: userDir, Log: zerolog.Nop()}
	cli := engine.New(srv.URL, "")
	return &Engine{
		Loc:    loc,
		Client: cli,
		Runner: r,
		Healer: healer,
		Builder: &orchestrator.CompatSetBuilder{
			Loc:        loc,
			Runner:     r,
			Reconciler: reconcile.New(filepath.Join(root, "custom_nodes"), userDir),
			Store:      setStore,
			Healer:     healer,
		},
		Profile:     func() types.HardwareProfile { return profile },
		StartScript: "true", // no-op shell command for detached start
		Log:         zerolog.Nop(),
	}, &reboots
}

func TestSSLCertFix(t *testing.T) {
	r := &fixRunner{checkOK: true}
	e, reboots := newFixEngine(t, true, types.HardwareProfile{Raw: "linux-x86_64-nvidia:true-rocm:false", HasNvidia: true, OS: "linux"}, r)
	resp, err := e.Apply(context.Background(), "ssl_cert_issue")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !resp.OK {
		t.Fatalf("resp=%+v", resp)
	}
	found := false
	for _, c := range r.calls {
		if strings.Contains(c, "--upgrade certifi") {
			found = true
		}
	}
	if !found {
		t.Fatalf("certifi upgrade not issued: %v", r.calls)
	}
	if resp.Restart != RestartManager {
		t.Fatalf("restart=%q", resp.Restart)
	}
	if *reboots != 1 {
		t.Fatalf("reboots=%d", *reboots)
	}
}

func TestPipCheckFixRunsPipelineNoRestartWhenUp(t *testing.T) {
	r := &fixRunner{checkOK: true}
	e, reboots := newFixEngine(t, true, types.HardwareProfile{Raw: "linux", OS: "linux"}, r)
	resp, err := e.Apply(context.Background(), "pip_check_failed")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !resp.OK {
		t.Fatalf("resp=%+v", resp)
	}
	if resp.Restart != RestartNone {
		t.Fatalf("restart=%q", resp.Restart)
	}
	if *reboots != 0 {
		t.Fatalf("reboots=%d", *reboots)
	}
	// baseline installs ran
	n := 0
	for _, c := range r.calls {
		if strings.Contains(c, "install -r") {
			n++
		}
	}
	if n < 2 {
		t.Fatalf("baseline installs=%d calls=%v", n, r.calls)
	}
}

func TestRembgFixPicksGPURuntime(t *testing.T) {
	r := &fixRunner{checkOK: true}
	e, _ := newFixEngine(t, true, types.HardwareProfile{Raw: "linux-x86_64-nvidia:true-rocm:false", HasNvidia: true, OS: "linux"}, r)
	resp, err := e.Apply(context.Background(), "rembg_onnx_missing")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !resp.OK {
		t.Fatalf("resp=%+v", resp)
	}
	found := false
	for _, c := range r.calls {
		if strings.Contains(c, "rembg==2.0.69 onnxruntime-gpu") {
			found = true
		}
	}
	if !found {
		t.Fatalf("gpu runtime not selected: %v", r.calls)
	}
}

func TestRembgFixCPUOnDarwin(t *testing.T) {
	r := &fixRunner{checkOK: true}
	e, _ := newFixEngine(t, true, types.HardwareProfile{Raw: "darwin-arm64", OS: "darwin", Arch: "arm64", IsDarwinArm64: true}, r)
	if _, err := e.Apply(context.Background(), "rembg_onnx_missing"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	for _, c := range r.calls {
		if strings.Contains(c, "onnxruntime-gpu") {
			t.Fatalf("gpu runtime selected on darwin: %v", r.calls)
		}
	}
}

func TestBackendDownNoopWhenUp(t *testing.T) {
	r := &fixRunner{checkOK: true}
	e, reboots := newFixEngine(t, true, types.HardwareProfile{}, r)
	resp, err := e.Apply(context.Background(), "backend_down")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !resp.OK || resp.Restart != RestartNone {
		t.Fatalf("resp=%+v", resp)
	}
	if *reboots != 0 {
		t.Fatalf("reboots=%d", *reboots)
	}
}

func TestUnknownIssueInvalidArg(t *testing.T) {
	r := &fixRunner{}
	e, _ := newFixEngine(t, true, types.HardwareProfile{}, r)
	if _, err := e.Apply(context.Background(), "made_up"); !faults.Is(err, faults.InvalidArg) {
		t.Fatalf("expected INVALID_ARG, got %v", err)
	}
	if _, err := e.Apply(context.Background(), ""); !faults.Is(err, faults.InvalidArg) {
		t.Fatalf("expected INVALID_ARG for empty id, got %v", err)
	}
}
