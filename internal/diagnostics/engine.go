package diagnostics

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"modusnapd/internal/backend"
	"modusnapd/internal/engine"
	"modusnapd/internal/subproc"
	"modusnapd/pkg/types"
)

// Cache TTLs per mode. Fast reports lean on cached sub-results; deep runs
// full subprocess checks but still dedupes rapid repeats.
const (
	fastTTL = 25 * time.Second
	deepTTL = 6 * time.Second
)

const torchProbeTimeout = 3500 * time.Millisecond

const torchProbeScript = `import json
try:
    import torch
    print(json.dumps({"ok": True, "torch": torch.__version__, "cuda": torch.cuda.is_available(), "mps": getattr(torch.backends, "mps", None) is not None and torch.backends.mps.is_available()}))
except Exception as e:
    print(json.dumps({"ok": False, "error": str(e)}))`

// Engine probes the backend and derives typed issues with applicable fixes.
type Engine struct {
	Loc     types.BackendLocation
	Client  *engine.Client
	Runner  subproc.Runner
	Profile func() types.HardwareProfile
	Log     zerolog.Logger

	fastCache *expirable.LRU[string, any]
	deepCache *expirable.LRU[string, any]
}

// New builds a diagnostics engine with its per-mode caches.
func New(loc types.BackendLocation, client *engine.Client, runner subproc.Runner, profile func() types.HardwareProfile, log zerolog.Logger) *Engine {
	return &Engine{
		Loc:       loc,
		Client:    client,
		Runner:    runner,
		Profile:   profile,
		Log:       log,
		fastCache: expirable.NewLRU[string, any](64, nil, fastTTL),
		deepCache: expirable.NewLRU[string, any](64, nil, deepTTL),
	}
}

// Invalidate drops every cached sub-result; the marker watcher calls this
// when the profile or sync markers change under us.
func (e *Engine) Invalidate() {
	e.fastCache.Purge()
	e.deepCache.Purge()
}

// cached memoizes one probe slot in the mode's cache.
func cached[T any](e *Engine, deep bool, slot string, fill func() T) T {
	c := e.fastCache
	if deep {
		c = e.deepCache
	}
	if v, ok := c.Get(slot); ok {
		if t, ok := v.(T); ok {
			return t
		}
	}
	t := fill()
	c.Add(slot, t)
	return t
}

// Report runs the probe suite. deep spends subprocess budget on package and
// runtime checks; fast answers from caches within a couple of seconds.
func (e *Engine) Report(ctx context.Context, deep bool) types.DiagnosticsReport {
	rep := types.DiagnosticsReport{GeneratedAt: time.Now().UTC(), Deep: deep}

	rep.BackendUp = cached(e, deep, "backendUp", func() bool {
		return backend.IsBackendReachable(ctx, e.Client.BaseURL)
	})
	if rep.BackendUp {
		rep.ManagerEndpoint = cached(e, deep, "managerEndpoint", func() string {
			return e.Client.FirstReachableManagerRoute(ctx)
		})
		rep.NodeCount = cached(e, deep, "nodeCount", func() int {
			info, err := e.Client.ObjectInfo(ctx, deep)
			if err != nil {
				return 0
			}
			return len(info)
		})
	}
	rep.VenvExists = backend.VenvExists(e.Loc)
	rep.HardwareProfile = e.Profile().Raw
	rep.DependencySyncAt = readSyncMarker(e.Loc)
	rep.Log = cached(e, deep, "logFindings", func() types.LogFindings {
		return ScanLog(e.Loc.ComfyLog)
	})

	if deep && rep.VenvExists {
		rep.ManagerPkgFound = cached(e, true, "managerPkg", func() bool {
			res := subproc.InlineScript(ctx, e.Runner,
				`import importlib.util, sys; sys.exit(0 if importlib.util.find_spec("comfyui_manager") else 1)`)
			return res.OK
		})
		rep.ManagerImportOK = cached(e, true, "managerImport", func() bool {
			res := subproc.InlineScript(ctx, e.Runner, `import comfyui_manager`)
			return res.OK
		})
		check := cached(e, true, "pipCheck", func() subproc.Result {
			return subproc.PipCheck(ctx, e.Runner)
		})
		rep.PipHealthy = check.OK
		rep.PipCheckOutput = check.Output
		rep.Runtime = cached(e, true, "runtime", func() *types.RuntimeProbe {
			return e.probeRuntime(ctx)
		})
	} else {
		// fast mode trusts the most recent deep results when present
		if v, ok := e.deepCache.Get("pipCheck"); ok {
			if check, ok := v.(subproc.Result); ok {
				rep.PipHealthy = check.OK
				rep.PipCheckOutput = check.Output
			}
		} else {
			rep.PipHealthy = true
		}
	}

	rep.Issues = deriveIssues(rep)
	return rep
}

func (e *Engine) probeRuntime(ctx context.Context) *types.RuntimeProbe {
	res := e.Runner.Run(ctx, torchProbeTimeout, "-c", torchProbeScript)
	probe := &types.RuntimeProbe{}
	line := strings.TrimSpace(res.Output)
	if i := strings.LastIndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[i+1:])
	}
	if err := json.Unmarshal([]byte(line), probe); err != nil {
		probe.OK = false
		probe.Error = "runtime probe produced no parseable output"
	}
	return probe
}

const syncMarker = "modusnap_dependency_sync.txt"

func readSyncMarker(loc types.BackendLocation) string {
	b, err := tailMarker(loc, syncMarker)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(b)
}
