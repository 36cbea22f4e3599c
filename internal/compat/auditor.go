package compat

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"modusnapd/internal/common/fsutil"
	"modusnapd/pkg/types"
)

// Output file names under the backend user dir (audit trail).
const (
	InstallableFile  = "modusnap_catalog_installable_packs.json"
	IncompatibleFile = "modusnap_catalog_incompatible_packs.json"
)

// compactThreshold switches preflight output to non-installable-only.
const compactThreshold = 600

// auditRule is one textual pattern rule. Rules are ordered high precedence
// first; blocked beats warning beats installable.
type auditRule struct {
	patterns []string
	applies  func(types.HardwareProfile) bool
	decision types.Decision
	reason   string
}

var auditRules = []auditRule{
	{
		patterns: []string{"cuda-only", "requires cuda", "nvidia-only", "tensorrt required", "triton required"},
		applies:  func(p types.HardwareProfile) bool { return !p.HasNvidia },
		decision: types.DecisionBlocked,
		reason:   "requires an NVIDIA GPU which this hardware profile does not have",
	},
	{
		patterns: []string{"rocm-only", "requires rocm", "hip required"},
		applies:  func(p types.HardwareProfile) bool { return !p.HasRocm },
		decision: types.DecisionBlocked,
		reason:   "requires ROCm which this hardware profile does not have",
	},
	{
		patterns: []string{"cuda", "nvidia", "tensorrt", "cu12", "cu11"},
		applies:  func(p types.HardwareProfile) bool { return !p.HasNvidia },
		decision: types.DecisionWarning,
		reason:   "mentions CUDA/NVIDIA tooling on a machine without an NVIDIA GPU",
	},
	{
		patterns: []string{"rocm", "hip"},
		applies:  func(p types.HardwareProfile) bool { return !p.HasRocm },
		decision: types.DecisionWarning,
		reason:   "mentions ROCm/HIP on a machine without ROCm",
	},
	{
		patterns: []string{"xformers", "triton", "flash-attn", "bitsandbytes"},
		applies:  func(p types.HardwareProfile) bool { return p.IsDarwinArm64 },
		decision: types.DecisionWarning,
		reason:   "depends on accelerator packages that rarely build on Apple Silicon",
	},
}

// Classify audits one catalog item against the hardware profile.
func Classify(item types.CatalogItem, profile types.HardwareProfile) types.PackDecision {
	blob := strings.ToLower(strings.Join(append([]string{
		item.ID, item.Title, item.Author, item.Description, item.Repository, item.Reference,
	}, item.Files...), " "))
	out := types.PackDecision{Key: item.Key(), Title: item.Title, Decision: types.DecisionInstallable}
	for _, rule := range auditRules {
		if !rule.applies(profile) {
			continue
		}
		for _, pat := range rule.patterns {
			if strings.Contains(blob, pat) {
				out.Reasons = append(out.Reasons, fmt.Sprintf("%q: %s", pat, rule.reason))
				if rank(rule.decision) > rank(out.Decision) {
					out.Decision = rule.decision
				}
				break
			}
		}
	}
	return out
}

func rank(d types.Decision) int {
	switch d {
	case types.DecisionBlocked:
		return 2
	case types.DecisionWarning:
		return 1
	default:
		return 0
	}
}

// Audit classifies a batch and writes the audit-trail files.
func Audit(items []types.CatalogItem, profile types.HardwareProfile, userDir string) (types.CatalogAudit, error) {
	audit := types.CatalogAudit{Total: len(items)}
	var installable, incompatible []types.PackDecision
	for _, item := range items {
		d := Classify(item, profile)
		audit.PerItem = append(audit.PerItem, d)
		switch d.Decision {
		case types.DecisionBlocked:
			audit.Blocked++
			audit.BlockedKeys = append(audit.BlockedKeys, d.Key)
			incompatible = append(incompatible, d)
		case types.DecisionWarning:
			audit.Warning++
			installable = append(installable, d)
		default:
			audit.Installable++
			installable = append(installable, d)
		}
	}
	if userDir != "" {
		if err := writeAuditFile(filepath.Join(userDir, InstallableFile), installable); err != nil {
			return audit, err
		}
		if err := writeAuditFile(filepath.Join(userDir, IncompatibleFile), incompatible); err != nil {
			return audit, err
		}
	}
	return audit, nil
}

func writeAuditFile(path string, decisions []types.PackDecision) error {
	if decisions == nil {
		decisions = []types.PackDecision{}
	}
	b, err := json.MarshalIndent(decisions, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, b, 0o644)
}

// Preflight runs the audit surface over a batch, adding global warnings and
// compacting per-item output for very large batches.
func Preflight(items []types.CatalogItem, profile types.HardwareProfile, userDir string, pipHealthy bool) (types.PreflightReport, error) {
	audit, err := Audit(items, profile, userDir)
	if err != nil {
		return types.PreflightReport{}, err
	}
	report := types.PreflightReport{HardwareProfile: profile.Raw}
	if !pipHealthy {
		report.GlobalWarnings = append(report.GlobalWarnings,
			"the environment already has pip dependency conflicts; install results may be unreliable until repaired")
	}
	if len(items) > 200 {
		report.GlobalWarnings = append(report.GlobalWarnings,
			fmt.Sprintf("large batch of %d items; installs are chunked and may take a while", len(items)))
	}
	if len(items) > compactThreshold {
		var nonInstallable []types.PackDecision
		for _, d := range audit.PerItem {
			if d.Decision != types.DecisionInstallable {
				nonInstallable = append(nonInstallable, d)
			}
		}
		audit.PerItem = nonInstallable
		audit.Compact = true
	}
	report.Summary = audit
	return report, nil
}
