package reconcile

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"modusnapd/internal/common/fsutil"
	"modusnapd/pkg/types"
)

// maxConflicts caps the structured conflict list.
const maxConflicts = 200

// Output file names under the backend user dir.
const (
	CompatibleFile   = "modusnap_compatible_requirements.txt"
	IncompatibleFile = "modusnap_incompatible_requirements.txt"
	ReportFile       = "modusnap_dependency_compatibility_report.json"
)

// Reconciler intersects the requirement files of every installed custom node
// pack into one installable constraint set plus an explicit conflict report.
type Reconciler struct {
	CustomNodesDir string
	UserDir        string
}

// New builds a reconciler for a backend layout.
func New(customNodesDir, userDir string) *Reconciler {
	return &Reconciler{CustomNodesDir: customNodesDir, UserDir: userDir}
}

type group struct {
	reqs []requirement
}

// Run scans, intersects and writes the three output files.
func (r *Reconciler) Run() (types.DependencyAuditReport, error) {
	files := r.enumerate()
	groups := map[string]*group{}
	packages := 0
	for _, file := range files {
		for _, req := range parseFile(file) {
			g := groups[req.Name]
			if g == nil {
				g = &group{}
				groups[req.Name] = g
				packages++
			}
			g.reqs = append(g.reqs, req)
		}
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)

	var compatible []string
	var incompatible []string
	var conflicts []types.ReqConflict
	for _, name := range names {
		g := groups[name]
		ix := &intersection{}
		var specs []string
		var markers []string
		for _, req := range g.reqs {
			if req.Spec != "" {
				specs = append(specs, req.Spec)
			}
			if req.Marker != "" {
				markers = append(markers, req.Marker)
			}
			clauses, bad := parseClauses(req.Spec)
			for _, b := range bad {
				ix.conflict("unparseable specifier %q in %s", b, filepath.Base(req.Origin))
			}
			for _, c := range clauses {
				ix.addClause(c)
			}
		}
		ix.resolve()
		if len(ix.Reasons) > 0 {
			incompatible = append(incompatible, name+" :: "+strings.Join(dedupe(specs), " | ")+" :: "+strings.Join(ix.Reasons, "; "))
			if len(conflicts) < maxConflicts {
				conflicts = append(conflicts, types.ReqConflict{
					Package: name,
					Specs:   dedupe(specs),
					Markers: dedupe(markers),
					Reasons: ix.Reasons,
				})
			}
			continue
		}
		compatible = append(compatible, name+ix.normalized())
	}

	compatPath := filepath.Join(r.UserDir, CompatibleFile)
	incompatPath := filepath.Join(r.UserDir, IncompatibleFile)
	reportPath := filepath.Join(r.UserDir, ReportFile)
	if err := fsutil.WriteFileAtomic(compatPath, []byte(joinLines(compatible)), 0o644); err != nil {
		return types.DependencyAuditReport{}, err
	}
	if err := fsutil.WriteFileAtomic(incompatPath, []byte(joinLines(incompatible)), 0o644); err != nil {
		return types.DependencyAuditReport{}, err
	}
	report := types.DependencyAuditReport{
		FilesScanned:                 len(files),
		PackagesScanned:              packages,
		Conflicts:                    conflicts,
		CompatibleRequirementCount:   len(compatible),
		CompatibleRequirementsPath:   compatPath,
		IncompatibleRequirementsPath: incompatPath,
		ReportPath:                   reportPath,
	}
	b, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return report, err
	}
	if err := fsutil.WriteFileAtomic(reportPath, b, 0o644); err != nil {
		return report, err
	}
	return report, nil
}

// enumerate finds requirements*.txt and *requirements*.txt under
// custom_nodes/, skipping anything inside a ".disabled" path.
func (r *Reconciler) enumerate() []string {
	var files []string
	filepath.WalkDir(r.CustomNodesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if strings.Contains(path, ".disabled") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		name := strings.ToLower(d.Name())
		if strings.HasSuffix(name, ".txt") && strings.Contains(name, "requirements") {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files
}

// parseFile reads one requirements file. Blank lines, comments and
// -r/-- directives are ignored; lines that fail to parse are skipped but do
// not reject the file.
func parseFile(path string) []requirement {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var out []requirement
	for _, line := range strings.Split(string(b), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") ||
			strings.HasPrefix(trimmed, "-r") || strings.HasPrefix(trimmed, "--") {
			continue
		}
		req, ok := parseRequirementLine(trimmed)
		if !ok {
			continue
		}
		req.Origin = path
		out = append(out, req)
	}
	return out
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
