package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"modusnapd/internal/compat"
	"modusnapd/internal/reconcile"
	"modusnapd/internal/subproc"
	"modusnapd/pkg/types"
)

// CompatSetBuilder rebuilds and persists the compatibility set: the verified
// (hardware profile, dependency state, constraint set, catalog audit) tuple
// that guards install correctness.
type CompatSetBuilder struct {
	Loc        types.BackendLocation
	Runner     subproc.Runner
	Reconciler *reconcile.Reconciler
	Store      *compat.SetStore
	Healer     *Healer
	ManagerVersion func(ctx context.Context) string // best effort, may return ""
}

// BuildResult is everything a rebuild produced.
type BuildResult struct {
	Set        types.CompatibilitySet
	Steps      []types.EnvStep
	AutoHealed bool
	Removed    []string
}

// Build runs the baseline installs, reconciles the pack requirements,
// verifies with pip check (healing when needed) and persists the set.
func (b *CompatSetBuilder) Build(ctx context.Context, items []types.CatalogItem, profile types.HardwareProfile) (BuildResult, error) {
	var out BuildResult
	record := func(res subproc.Result) subproc.Result {
		out.Steps = append(out.Steps, types.EnvStep{
			ID:         fmt.Sprintf("compat-%d", len(out.Steps)+1),
			Command:    res.Command,
			StartedAt:  time.Now().UTC(),
			FinishedAt: time.Now().UTC(),
			ExitStatus: res.ExitStatus,
			OK:         res.OK,
			Output:     res.Output,
		})
		return res
	}

	record(subproc.PipInstallReq(ctx, b.Runner, "requirements.txt"))
	record(subproc.PipInstallReq(ctx, b.Runner, "manager_requirements.txt"))

	audit, err := b.Reconciler.Run()
	if err != nil {
		return out, err
	}
	if audit.CompatibleRequirementCount > 0 {
		record(subproc.PipInstallReq(ctx, b.Runner, audit.CompatibleRequirementsPath))
	}

	check := record(subproc.PipCheck(ctx, b.Runner))
	if !check.OK {
		heal := b.Healer.AutoHeal(ctx)
		out.Steps = append(out.Steps, heal.Steps...)
		out.AutoHealed = true
		out.Removed = heal.Removed
		check = heal.FinalCheck
	}

	lock := b.collectLock(ctx)
	set := types.CompatibilitySet{
		LockID:          uuid.NewString(),
		CreatedAt:       time.Now().UTC(),
		HardwareProfile: profile.Raw,
		PipHealthy:      check.OK,
		PipCheckOutput:  check.Output,
		DependencyLock:  lock,
		DependencyAudit: &audit,
	}
	for _, item := range items {
		set.SelectedPackKeys = append(set.SelectedPackKeys, item.Key())
		if item.ID != "" {
			set.SelectedPackIDs = append(set.SelectedPackIDs, item.ID)
		}
	}
	if len(items) > 0 {
		catAudit, err := compat.Audit(items, profile, b.Loc.UserDir)
		if err == nil {
			set.CatalogAudit = &catAudit
		}
	}
	if err := b.Store.Save(set); err != nil {
		return out, err
	}
	out.Set = set
	return out, nil
}

func (b *CompatSetBuilder) collectLock(ctx context.Context) *types.DependencyLock {
	lock := &types.DependencyLock{}
	if res := subproc.PythonVersion(ctx, b.Runner); res.OK {
		lock.Python = strings.TrimSpace(res.Output)
	}
	if pkgs, res := subproc.PipListJSON(ctx, b.Runner); res.OK {
		for _, p := range pkgs {
			lock.Pkgs = append(lock.Pkgs, types.PkgPin{Name: p.Name, Version: p.Version})
		}
	}
	if b.ManagerVersion != nil {
		lock.ManagerVersion = b.ManagerVersion(ctx)
	}
	lock.GitCommit = gitCommit(b.Loc.BackendDir)
	return lock
}

// gitCommit reads the engine checkout's HEAD without shelling out.
func gitCommit(dir string) string {
	head, err := os.ReadFile(filepath.Join(dir, ".git", "HEAD"))
	if err != nil {
		return ""
	}
	s := strings.TrimSpace(string(head))
	if ref, ok := strings.CutPrefix(s, "ref: "); ok {
		b, err := os.ReadFile(filepath.Join(dir, ".git", filepath.FromSlash(ref)))
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(b))
	}
	return s
}
