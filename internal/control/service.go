package control

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"modusnapd/internal/backend"
	"modusnapd/internal/common/fsutil"
	"modusnapd/internal/compat"
	"modusnapd/internal/diagnostics"
	"modusnapd/internal/engine"
	"modusnapd/internal/faults"
	"modusnapd/internal/fixes"
	"modusnapd/internal/orchestrator"
	"modusnapd/internal/reconcile"
	"modusnapd/internal/snapshot"
	"modusnapd/internal/subproc"
	"modusnapd/internal/txengine"
	"modusnapd/internal/txstore"
	"modusnapd/pkg/types"
)

const logTailBytes = 256 << 10

// Service implements the control-plane RPC surface over the component stack.
type Service struct {
	Loc    types.BackendLocation
	Client *engine.Client
	Runner subproc.Runner
	Log    zerolog.Logger

	Store     *txstore.Store
	Snapshots *snapshot.Service
	Tx        *txengine.Engine
	SetStore  *compat.SetStore
	Builder   *orchestrator.CompatSetBuilder
	Orch      *orchestrator.Orchestrator
	Diag      *diagnostics.Engine
	Fix       *fixes.Engine

	sizeOnce  sync.Once
	sizeTable map[string]int64
}

// New wires the full component stack for one backend location.
func New(loc types.BackendLocation, client *engine.Client, startScript string, log zerolog.Logger) *Service {
	runner := subproc.NewPythonRunner(loc.VenvPython, loc.BackendDir)
	store := txstore.New(txstore.DefaultPath(loc.UserDir))
	snaps := snapshot.New(loc.UserDir, runner)
	profile := func() types.HardwareProfile { return backend.ReadHardwareProfile(loc) }
	setStore := &compat.SetStore{UserDir: loc.UserDir}
	healer := &orchestrator.Healer{Runner: runner, BackendDir: loc.BackendDir, UserDir: loc.UserDir, Log: log}
	builder := &orchestrator.CompatSetBuilder{
		Loc:        loc,
		Runner:     runner,
		Reconciler: reconcile.New(loc.CustomNodesDir, loc.UserDir),
		Store:      setStore,
		Healer:     healer,
		ManagerVersion: func(ctx context.Context) string {
			v, _ := client.ManagerVersion(ctx)
			return v
		},
	}
	svc := &Service{
		Loc:       loc,
		Client:    client,
		Runner:    runner,
		Log:       log,
		Store:     store,
		Snapshots: snaps,
		Tx: &txengine.Engine{
			Loc: loc, Store: store, Runner: runner, Snapshots: snaps, Log: log,
		},
		SetStore: setStore,
		Builder:  builder,
		Orch: &orchestrator.Orchestrator{
			Loc: loc, Engine: client, SetStore: setStore, Builder: builder,
			Healer: healer, Profile: profile, Log: log,
		},
		Diag: diagnostics.New(loc, client, runner, profile, log),
		Fix: &fixes.Engine{
			Loc: loc, Client: client, Runner: runner, Healer: healer,
			Builder: builder, Profile: profile, StartScript: startScript, Log: log,
		},
	}
	return svc
}

// Profile reads the hardware marker fresh each call; the bootstrap may
// rewrite it while we run.
func (s *Service) Profile() types.HardwareProfile {
	return backend.ReadHardwareProfile(s.Loc)
}

// Ready reports whether a valid backend location is resolved.
func (s *Service) Ready() bool { return s.Loc.BackendDir != "" }

// BackendStatus answers backend.status.
func (s *Service) BackendStatus(ctx context.Context) types.BackendStatusResponse {
	return types.BackendStatusResponse{
		Up:  backend.IsBackendReachable(ctx, s.Client.BaseURL),
		Dir: s.Loc.BackendDir,
	}
}

// BackendLogs tails the engine and restart logs.
func (s *Service) BackendLogs(ctx context.Context, lines int) (types.BackendLogsResponse, error) {
	if lines < 20 || lines > 500 {
		return types.BackendLogsResponse{}, faults.New(faults.InvalidArg, "lines must be in [20,500]")
	}
	comfyTail, err := fsutil.TailLines(s.Loc.ComfyLog, lines, logTailBytes)
	if err != nil {
		return types.BackendLogsResponse{}, faults.New(faults.Internal, "tail engine log: %v", err)
	}
	restartTail, err := fsutil.TailLines(s.Loc.RestartLog, lines, logTailBytes)
	if err != nil {
		return types.BackendLogsResponse{}, faults.New(faults.Internal, "tail restart log: %v", err)
	}
	return types.BackendLogsResponse{
		BackendUp:      backend.IsBackendReachable(ctx, s.Client.BaseURL),
		ComfyLogPath:   s.Loc.ComfyLog,
		RestartLogPath: s.Loc.RestartLog,
		ComfyLogTail:   comfyTail,
		RestartLogTail: restartTail,
	}, nil
}

// EnvStatus summarizes the transaction log and the last verification.
func (s *Service) EnvStatus(ctx context.Context) (types.EnvStatusResponse, error) {
	resp := types.EnvStatusResponse{
		OK:         true,
		BackendDir: s.Loc.BackendDir,
		VenvExists: backend.VenvExists(s.Loc),
	}
	txs := s.Store.List()
	resp.Transactions = len(txs)
	if latest, ok := s.Store.Latest(); ok {
		sum := txstore.Summarize(latest)
		resp.LatestTransaction = &sum
		resp.PipHealthy = latest.PipHealthy
		resp.PipCheckOutput = latest.PipCheckOutput
	}
	return resp, nil
}

// EnvPlan creates a planned transaction.
func (s *Service) EnvPlan(ctx context.Context, req types.PlanRequest) (types.EnvTx, error) {
	return s.Tx.CreatePlan(req.Mode, req.Packages, req.Policies, req.Tier)
}

// EnvApply runs a planned transaction.
func (s *Service) EnvApply(ctx context.Context, id string) (types.EnvTx, error) {
	return s.Tx.Apply(ctx, id)
}

// EnvRollback reverts an applied transaction.
func (s *Service) EnvRollback(ctx context.Context, id string) (types.EnvTx, error) {
	return s.Tx.Rollback(ctx, id)
}

// EnvList returns transaction summaries in creation order.
func (s *Service) EnvList(ctx context.Context) []types.EnvTxSummary {
	txs := s.Store.List()
	out := make([]types.EnvTxSummary, 0, len(txs))
	for _, tx := range txs {
		out = append(out, txstore.Summarize(tx))
	}
	return out
}

// EnvGet returns one full transaction.
func (s *Service) EnvGet(ctx context.Context, id string) (types.EnvTx, error) {
	if id == "" {
		return types.EnvTx{}, faults.New(faults.InvalidArg, "empty transaction id")
	}
	return s.Store.Get(id)
}

// Diagnostics runs the probe suite.
func (s *Service) Diagnostics(ctx context.Context, deep bool) types.DiagnosticsReport {
	return s.Diag.Report(ctx, deep)
}

// ApplyFix dispatches a typed fix.
func (s *Service) ApplyFix(ctx context.Context, issueID string) (types.FixResponse, error) {
	return s.Fix.Apply(ctx, issueID)
}

// ManagerBatch forwards one batch to the engine queue.
func (s *Service) ManagerBatch(ctx context.Context, req types.BatchRequest) (types.BatchResponse, error) {
	items := req.Items
	if req.Item != nil {
		items = append(items, *req.Item)
	}
	if len(items) == 0 {
		return types.BatchResponse{}, faults.New(faults.InvalidArg, "no items in batch request")
	}
	action := orchestrator.MapAction(req.Mode)
	switch action {
	case "install", "uninstall", "update", "disable", "fix":
	default:
		return types.BatchResponse{}, faults.New(faults.InvalidArg, "unknown batch action %q", req.Mode)
	}
	payloadItems, dropped := orchestrator.ClassifyItems(items)
	resp := types.BatchResponse{BatchID: uuid.NewString()}
	for _, d := range dropped {
		resp.Skipped = append(resp.Skipped, types.SkippedItem{Key: d.Key, Reason: d.Reason})
	}
	if len(payloadItems) == 0 {
		return resp, faults.New(faults.InvalidArg, "no submittable items remain")
	}
	engineResp, err := s.Client.QueueBatch(ctx, map[string]any{
		"batch_id": resp.BatchID,
		action:     payloadItems,
	})
	if err != nil {
		return resp, err
	}
	resp.Engine = engineResp
	status, err := s.Client.QueueStart(ctx)
	if err != nil {
		return resp, err
	}
	resp.QueueStartStatus = status
	resp.OK = true
	return resp, nil
}

// SessionStart launches an orchestrated install session.
func (s *Service) SessionStart(mode, scope string, items []types.CatalogItem) (string, error) {
	return s.Orch.Start(mode, scope, items)
}

// SessionStatus reports a running or finished session.
func (s *Service) SessionStatus(id string) (types.InstallSession, error) {
	return s.Orch.Status(id)
}

// SessionCancel sets the cooperative cancel flag.
func (s *Service) SessionCancel(id string) error {
	return s.Orch.Cancel(id)
}

// CompatibilityGet returns the current set plus history.
func (s *Service) CompatibilityGet(ctx context.Context) (*types.CompatibilitySet, []types.CompatibilitySet, error) {
	var current *types.CompatibilitySet
	if set, ok := s.SetStore.LoadCurrent(); ok {
		current = &set
	}
	return current, s.SetStore.History(), nil
}

// CompatibilityPost rebuilds the compatibility set for a selection.
func (s *Service) CompatibilityPost(ctx context.Context, items []types.CatalogItem) (types.CompatibilityPostResponse, error) {
	res, err := s.Builder.Build(ctx, items, s.Profile())
	if err != nil {
		return types.CompatibilityPostResponse{}, err
	}
	return types.CompatibilityPostResponse{
		CompatibilitySet: &res.Set,
		Steps:            res.Steps,
		AutoHealed:       res.AutoHealed,
		RemovedPackages:  res.Removed,
	}, nil
}

// Preflight classifies a batch before any install activity.
func (s *Service) Preflight(ctx context.Context, req types.PreflightRequest) (types.PreflightReport, error) {
	pipHealthy := true
	if set, ok := s.SetStore.LoadCurrent(); ok {
		pipHealthy = set.PipHealthy
	}
	return compat.Preflight(req.Items, s.Profile(), s.Loc.UserDir, pipHealthy)
}

// SizeEstimate totals the expected download size of a batch from the engine
// catalog's size hints.
func (s *Service) SizeEstimate(ctx context.Context, items []types.CatalogItem) (types.SizeEstimateResponse, error) {
	s.sizeOnce.Do(func() {
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		catalog, err := s.Client.CatalogList(cctx, "cache", true)
		if err != nil {
			s.Log.Warn().Err(err).Msg("catalog fetch for size table failed")
			return
		}
		s.sizeTable = buildSizeTable(catalog)
	})
	est := &compat.SizeEstimator{KBByID: s.sizeTable}
	return est.Estimate(items), nil
}

// buildSizeTable walks the catalog payload for per-pack size hints (KB).
func buildSizeTable(catalog map[string]any) map[string]int64 {
	out := map[string]int64{}
	packs, ok := catalog["node_packs"].(map[string]any)
	if !ok {
		return out
	}
	for id, raw := range packs {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if kb, ok := entry["size"].(float64); ok && kb > 0 {
			out[id] = int64(kb)
		}
	}
	return out
}

// ManagerStatus answers the convenience surface the engine-side client node
// polls.
func (s *Service) ManagerStatus(ctx context.Context) types.ManagerStatusResponse {
	resp := types.ManagerStatusResponse{HardwareProfile: s.Profile().Raw}
	if !backend.IsBackendReachable(ctx, s.Client.BaseURL) {
		return resp
	}
	resp.ManagerRoutesReachable = s.Client.FirstReachableManagerRoute(ctx) != ""
	if info, err := s.Client.ObjectInfo(ctx, false); err == nil {
		resp.NodeCount = len(info)
	}
	return resp
}
