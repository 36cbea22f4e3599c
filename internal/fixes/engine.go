package fixes

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"modusnapd/internal/backend"
	"modusnapd/internal/diagnostics"
	"modusnapd/internal/engine"
	"modusnapd/internal/faults"
	"modusnapd/internal/orchestrator"
	"modusnapd/internal/subproc"
	"modusnapd/pkg/types"
)

// Restart descriptors returned to the caller.
const (
	RestartNone     = ""
	RestartManager  = "manager-reboot"
	RestartDetached = "detached-start"
)

// Engine applies typed fixes. Every fix is idempotent: re-running it on a
// healthy environment only re-verifies.
type Engine struct {
	Loc         types.BackendLocation
	Client      *engine.Client
	Runner      subproc.Runner
	Healer      *orchestrator.Healer
	Builder     *orchestrator.CompatSetBuilder
	Profile     func() types.HardwareProfile
	StartScript string
	Log         zerolog.Logger
}

// Apply dispatches on the issue id.
func (e *Engine) Apply(ctx context.Context, issueID string) (types.FixResponse, error) {
	if issueID == "" {
		return types.FixResponse{}, faults.New(faults.InvalidArg, "empty issue id")
	}
	lock := backend.LockFor(e.Loc.BackendDir)
	lock.Lock()
	defer lock.Unlock()

	resp := types.FixResponse{IssueID: issueID}
	record := func(res subproc.Result) subproc.Result {
		resp.Steps = append(resp.Steps, types.EnvStep{
			ID:         fmt.Sprintf("fix-%d", len(resp.Steps)+1),
			Command:    res.Command,
			StartedAt:  time.Now().UTC(),
			FinishedAt: time.Now().UTC(),
			ExitStatus: res.ExitStatus,
			OK:         res.OK,
			Output:     res.Output,
		})
		return res
	}

	switch issueID {
	case diagnostics.IssueSSLCert:
		record(subproc.PipInstall(ctx, e.Runner, "--upgrade", "certifi"))
		record(subproc.InlineScript(ctx, e.Runner, `import certifi; print(certifi.where())`))
		resp.Restart = e.restart(ctx, true)
		resp.OK = true

	case diagnostics.IssuePipCheckFailed, diagnostics.IssuePipLog,
		diagnostics.IssueManagerImportFailed, diagnostics.IssueManagerPkgMissing:
		wasUp := backend.IsBackendReachable(ctx, e.Client.BaseURL)
		build, err := e.Builder.Build(ctx, nil, e.Profile())
		if err != nil {
			return resp, err
		}
		resp.Steps = append(resp.Steps, build.Steps...)
		resp.RemovedPackages = build.Removed
		resp.OK = build.Set.PipHealthy
		if !wasUp {
			resp.Restart = e.restart(ctx, false)
		}

	case diagnostics.IssueRembgOnnxMissing:
		profile := e.Profile()
		onnxPkg := "onnxruntime"
		if profile.HasNvidia && profile.OS != "darwin" {
			onnxPkg = "onnxruntime-gpu"
		}
		record(subproc.PipInstall(ctx, e.Runner, "rembg==2.0.69", onnxPkg))
		verify := record(subproc.InlineScript(ctx, e.Runner, `import rembg, onnxruntime`))
		resp.OK = verify.OK
		if verify.OK {
			resp.Restart = e.restart(ctx, true)
		}

	case diagnostics.IssueBackendDown:
		if backend.IsBackendReachable(ctx, e.Client.BaseURL) {
			resp.OK = true
			break
		}
		resp.Restart = e.restart(ctx, false)
		resp.OK = resp.Restart != RestartNone

	case diagnostics.IssueManagerRoutesMissing, diagnostics.IssueVenvMissing:
		return resp, faults.New(faults.InvalidArg,
			"issue %q has no automated fix; follow its remediation text", issueID)

	default:
		return resp, faults.New(faults.InvalidArg, "unknown issue id %q", issueID)
	}
	return resp, nil
}

// restart prefers an in-process manager reboot; a down engine (or a failed
// reboot) falls back to a detached start via the workspace start script.
func (e *Engine) restart(ctx context.Context, preferReboot bool) string {
	if preferReboot && backend.IsBackendReachable(ctx, e.Client.BaseURL) {
		if err := e.Client.Reboot(ctx); err == nil {
			return RestartManager
		}
		e.Log.Warn().Msg("manager reboot failed; falling back to detached start")
	}
	script := e.StartScript
	if script == "" {
		script = "./start.sh"
	}
	if err := subproc.StartDetached(script, e.Loc.BackendDir, e.Loc.RestartLog); err != nil {
		e.Log.Error().Err(err).Msg("detached start failed")
		return RestartNone
	}
	return RestartDetached
}
