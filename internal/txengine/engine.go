package txengine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"modusnapd/internal/backend"
	"modusnapd/internal/common/fsutil"
	"modusnapd/internal/faults"
	"modusnapd/internal/snapshot"
	"modusnapd/internal/subproc"
	"modusnapd/internal/txstore"
	"modusnapd/pkg/types"
)

// Engine drives the plan -> apply -> verify -> rollback lifecycle over the
// backend virtualenv.
type Engine struct {
	Loc       types.BackendLocation
	Store     *txstore.Store
	Runner    subproc.Runner
	Snapshots *snapshot.Service
	Log       zerolog.Logger
}

// specifier sanitization: anything outside this set is dropped wholesale.
var specifierOK = regexp.MustCompile(`^[A-Za-z0-9_.\-<>=!~\[\],:@+/ ]+$`)

// SanitizePackages drops malformed specifiers, removes duplicates and keeps
// the survivors in order.
func SanitizePackages(pkgs []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range pkgs {
		p = strings.TrimSpace(p)
		if p == "" || !specifierOK.MatchString(p) {
			continue
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// CreatePlan records a new planned transaction. Policies are evaluated before
// planning; violations abort with POLICY_VIOLATION.
func (e *Engine) CreatePlan(mode string, packages, policies []string, tier string) (types.EnvTx, error) {
	var kind types.TxKind
	switch mode {
	case "repair":
		kind = types.TxRepair
	case "install":
		kind = types.TxInstall
	default:
		return types.EnvTx{}, faults.New(faults.InvalidArg, "unknown plan mode %q", mode)
	}
	if ok, violations := EvaluatePolicy(tier, policies); !ok {
		return types.EnvTx{}, faults.New(faults.PolicyViolation,
			"requested packs are not permitted for tier %q", tierOrFree(tier)).
			With("violations", violations)
	}
	clean := SanitizePackages(packages)
	plan := []string{
		"python -m pip install -r requirements.txt",
		"python -m pip install -r manager_requirements.txt",
	}
	if kind == types.TxInstall && len(clean) > 0 {
		plan = append(plan, "python -m pip install "+strings.Join(clean, " "))
	}
	plan = append(plan, "python -m pip check")
	now := time.Now().UTC()
	tx := types.EnvTx{
		ID:                uuid.NewString(),
		Kind:              kind,
		Status:            types.TxPlanned,
		CreatedAt:         now,
		UpdatedAt:         now,
		RequestedPackages: clean,
		PlanCommands:      plan,
	}
	return e.Store.Create(tx)
}

func tierOrFree(tier string) string {
	if tier == "" {
		return "free"
	}
	return tier
}

// Apply runs a planned (or previously failed) transaction to completion. The
// transaction is persisted after every mutation so a crash leaves it in its
// last durable state.
func (e *Engine) Apply(ctx context.Context, txID string) (types.EnvTx, error) {
	tx, err := e.Store.Get(txID)
	if err != nil {
		return types.EnvTx{}, err
	}
	if tx.Status != types.TxPlanned && tx.Status != types.TxFailed {
		return types.EnvTx{}, faults.New(faults.Conflict,
			"transaction %s has status %s; apply requires planned or failed", txID, tx.Status)
	}
	lock := backend.LockFor(e.Loc.BackendDir)
	lock.Lock()
	defer lock.Unlock()

	tx.Status = types.TxRunning
	tx.Error = ""
	tx.Steps = nil
	if err := e.Store.Update(tx); err != nil {
		return types.EnvTx{}, err
	}

	if path, res := e.Snapshots.Capture(ctx, snapshot.Tag(tx.ID, "before")); res.OK {
		tx.SnapshotBefore = path
	} else {
		e.Log.Warn().Str("tx", tx.ID).Str("output", res.Output).Msg("freeze snapshot failed; proceeding without")
	}
	e.Store.Update(tx)

	tx = e.runSteps(ctx, tx, e.stepsForPlan(tx))

	if path, res := e.Snapshots.Capture(ctx, snapshot.Tag(tx.ID, "after")); res.OK {
		tx.SnapshotAfter = path
	}
	e.Store.Update(tx)
	return e.Store.Get(tx.ID)
}

// plannedStep pairs a display command with the python args to run.
type plannedStep struct {
	command string
	args    []string
	isCheck bool
}

func (e *Engine) stepsForPlan(tx types.EnvTx) []plannedStep {
	steps := []plannedStep{
		{command: "python -m pip install -r requirements.txt", args: []string{"-m", "pip", "install", "-r", "requirements.txt"}},
		{command: "python -m pip install -r manager_requirements.txt", args: []string{"-m", "pip", "install", "-r", "manager_requirements.txt"}},
	}
	if tx.Kind == types.TxInstall && len(tx.RequestedPackages) > 0 {
		steps = append(steps, plannedStep{
			command: "python -m pip install " + strings.Join(tx.RequestedPackages, " "),
			args:    append([]string{"-m", "pip", "install"}, tx.RequestedPackages...),
		})
	}
	steps = append(steps, plannedStep{command: "python -m pip check", args: []string{"-m", "pip", "check"}, isCheck: true})
	return steps
}

// runSteps executes every planned step in order; non-zero exits are recorded
// but do not abort the stream, so the final pip check can judge the combined
// state. A missing venv short-circuits the remainder as skipped-as-failed.
func (e *Engine) runSteps(ctx context.Context, tx types.EnvTx, steps []plannedStep) types.EnvTx {
	venvGone := !e.Runner.Available()
	for i, st := range steps {
		started := time.Now().UTC()
		var step types.EnvStep
		if venvGone {
			step = types.EnvStep{
				ID:         fmt.Sprintf("%s-step-%d", tx.ID, i+1),
				Command:    st.command,
				StartedAt:  started,
				FinishedAt: started,
				ExitStatus: -1,
				Output:     "skipped: venv interpreter not found at " + e.Loc.VenvPython,
			}
		} else {
			timeout := subproc.InstallTimeout
			if st.isCheck {
				timeout = subproc.ProbeTimeout
			}
			res := e.Runner.Run(ctx, timeout, st.args...)
			step = types.EnvStep{
				ID:         fmt.Sprintf("%s-step-%d", tx.ID, i+1),
				Command:    st.command,
				StartedAt:  started,
				FinishedAt: time.Now().UTC(),
				ExitStatus: res.ExitStatus,
				OK:         res.OK,
				Output:     res.Output,
			}
			if st.isCheck {
				tx.PipHealthy = res.OK
				tx.PipCheckOutput = res.Output
			}
		}
		tx.Steps = append(tx.Steps, step)
		e.Store.Update(tx)
	}
	if venvGone {
		tx.PipHealthy = false
		tx.PipCheckOutput = "venv interpreter not found at " + e.Loc.VenvPython
	}
	if tx.PipHealthy {
		if tx.Kind == types.TxRollback {
			tx.Status = types.TxRolledBack
		} else {
			tx.Status = types.TxSucceeded
		}
	} else {
		tx.Status = types.TxFailed
		tx.Error = "pip check reported an unhealthy environment"
		if venvGone {
			tx.Error = "venv interpreter not found"
		}
	}
	e.Store.Update(tx)
	return tx
}

// Rollback reverts a transaction to its before-snapshot through a new linked
// rollback transaction.
func (e *Engine) Rollback(ctx context.Context, txID string) (types.EnvTx, error) {
	orig, err := e.Store.Get(txID)
	if err != nil {
		return types.EnvTx{}, err
	}
	if orig.SnapshotBefore == "" || !snapshotExists(orig.SnapshotBefore) {
		return types.EnvTx{}, faults.New(faults.Conflict,
			"transaction %s has no before-snapshot on disk", txID)
	}
	now := time.Now().UTC()
	rb := types.EnvTx{
		ID:         uuid.NewString(),
		Kind:       types.TxRollback,
		Status:     types.TxPlanned,
		CreatedAt:  now,
		UpdatedAt:  now,
		RollbackOf: orig.ID,
		PlanCommands: []string{
			"python -m pip install -r " + orig.SnapshotBefore,
			"python -m pip check",
		},
	}
	if rb, err = e.Store.Create(rb); err != nil {
		return types.EnvTx{}, err
	}
	lock := backend.LockFor(e.Loc.BackendDir)
	lock.Lock()
	defer lock.Unlock()

	rb.Status = types.TxRunning
	e.Store.Update(rb)
	if path, res := e.Snapshots.Capture(ctx, snapshot.Tag(rb.ID, "before")); res.OK {
		rb.SnapshotBefore = path
		e.Store.Update(rb)
	}
	steps := []plannedStep{
		{command: "python -m pip install -r " + orig.SnapshotBefore, args: []string{"-m", "pip", "install", "-r", orig.SnapshotBefore}},
		{command: "python -m pip check", args: []string{"-m", "pip", "check"}, isCheck: true},
	}
	rb = e.runSteps(ctx, rb, steps)
	if path, res := e.Snapshots.Capture(ctx, snapshot.Tag(rb.ID, "after")); res.OK {
		rb.SnapshotAfter = path
		e.Store.Update(rb)
	}
	return e.Store.Get(rb.ID)
}

func snapshotExists(path string) bool {
	return path != "" && fsutil.PathExists(path)
}
