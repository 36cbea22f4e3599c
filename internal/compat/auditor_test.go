package compat

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"modusnapd/pkg/types"
)

var noGPU = types.HardwareProfile{Raw: "linux-x86_64-nvidia:false-rocm:false", OS: "linux", Arch: "x86_64"}
var nvidia = types.HardwareProfile{Raw: "linux-x86_64-nvidia:true-rocm:false", OS: "linux", Arch: "x86_64", HasNvidia: true}
var darwinArm = types.HardwareProfile{Raw: "darwin-arm64-nvidia:false-rocm:false", OS: "darwin", Arch: "arm64", IsDarwinArm64: true}

func TestClassifyPrecedence(t *testing.T) {
	item := types.CatalogItem{UIKey: "k1", Title: "Flash pack", Description: "cuda-only and mentions cuda everywhere"}
	d := Classify(item, noGPU)
	if d.Decision != types.DecisionBlocked {
		t.Fatalf("decision=%s", d.Decision)
	}
	d = Classify(types.CatalogItem{UIKey: "k2", Description: "uses cuda kernels"}, noGPU)
	if d.Decision != types.DecisionWarning {
		t.Fatalf("decision=%s", d.Decision)
	}
	d = Classify(types.CatalogItem{UIKey: "k3", Description: "uses cuda kernels, cuda-only"}, nvidia)
	if d.Decision != types.DecisionInstallable {
		t.Fatalf("decision=%s reasons=%v", d.Decision, d.Reasons)
	}
}

func TestClassifyDarwinArm(t *testing.T) {
	d := Classify(types.CatalogItem{UIKey: "x", Description: "needs xformers"}, darwinArm)
	if d.Decision != types.DecisionWarning {
		t.Fatalf("decision=%s", d.Decision)
	}
	d = Classify(types.CatalogItem{UIKey: "x", Description: "needs xformers"}, noGPU)
	if d.Decision != types.DecisionInstallable {
		t.Fatalf("decision=%s", d.Decision)
	}
}

func TestPreflightSummary(t *testing.T) {
	items := []types.CatalogItem{
		{UIKey: "a", Title: "CUDA-only Flash Attention", Description: "requires cuda"},
		{UIKey: "b", Title: "Standard pack", Description: "pure python"},
	}
	rep, err := Preflight(items, darwinArm, t.TempDir(), true)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	s := rep.Summary
	if s.Total != 2 || s.Installable != 1 || s.Warning != 0 || s.Blocked != 1 {
		t.Fatalf("summary=%+v", s)
	}
	if len(s.BlockedKeys) != 1 || s.BlockedKeys[0] != "a" {
		t.Fatalf("blockedKeys=%v", s.BlockedKeys)
	}
}

func TestPreflightCompactOver600(t *testing.T) {
	var items []types.CatalogItem
	for i := 0; i < 601; i++ {
		desc := "plain"
		if i%100 == 0 {
			desc = "cuda-only"
		}
		items = append(items, types.CatalogItem{UIKey: fmt.Sprintf("k%d", i), Description: desc})
	}
	rep, err := Preflight(items, noGPU, "", false)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	if !rep.Summary.Compact {
		t.Fatalf("expected compact output")
	}
	for _, d := range rep.Summary.PerItem {
		if d.Decision == types.DecisionInstallable {
			t.Fatalf("installable item retained in compact output: %+v", d)
		}
	}
	if len(rep.GlobalWarnings) == 0 {
		t.Fatalf("expected global warnings (pip unhealthy + large batch)")
	}
}

func TestAuditWritesTrailFiles(t *testing.T) {
	dir := t.TempDir()
	items := []types.CatalogItem{
		{UIKey: "a", Description: "cuda-only"},
		{UIKey: "b", Description: "plain"},
	}
	if _, err := Audit(items, noGPU, dir); err != nil {
		t.Fatalf("audit: %v", err)
	}
	for _, f := range []string{InstallableFile, IncompatibleFile} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Fatalf("missing %s: %v", f, err)
		}
	}
}

func TestSetStoreRoundtripAndStale(t *testing.T) {
	dir := t.TempDir()
	s := &SetStore{UserDir: dir}
	if _, ok := s.LoadCurrent(); ok {
		t.Fatalf("expected no current set")
	}
	set := types.CompatibilitySet{
		LockID:          "lock-1",
		CreatedAt:       time.Now().UTC(),
		HardwareProfile: nvidia.Raw,
		PipHealthy:      true,
	}
	if err := s.Save(set); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok := s.LoadCurrent()
	if !ok || got.LockID != "lock-1" {
		t.Fatalf("got=%+v ok=%v", got, ok)
	}
	now := time.Now()
	if Stale(got, nvidia, now) {
		t.Fatalf("fresh set reported stale")
	}
	if !Stale(got, noGPU, now) {
		t.Fatalf("profile change not stale")
	}
	if !Stale(got, nvidia, now.Add(16*time.Minute)) {
		t.Fatalf("aged set not stale")
	}
	got.PipHealthy = false
	if !Stale(got, nvidia, now) {
		t.Fatalf("unhealthy set not stale")
	}
	if h := s.History(); len(h) != 1 || h[0].LockID != "lock-1" {
		t.Fatalf("history=%+v", h)
	}
}

func TestSizeEstimate(t *testing.T) {
	e := &SizeEstimator{KBByID: map[string]int64{"pack-a": 2048, "pack-b": 1024}}
	resp := e.Estimate([]types.CatalogItem{
		{UIKey: "u1", ID: "pack-a"},
		{UIKey: "u2", ID: "pack-b"},
		{UIKey: "u3", ID: "pack-c"},
	})
	if resp.Total != 3 || resp.KnownCount != 2 || resp.UnknownCount != 1 {
		t.Fatalf("resp=%+v", resp)
	}
	if resp.TotalKB != 3072 {
		t.Fatalf("totalKB=%d", resp.TotalKB)
	}
	if resp.Results[0].Human == "" {
		t.Fatalf("expected human-readable size")
	}
}
