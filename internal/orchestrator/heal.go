package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"modusnapd/internal/reconcile"
	"modusnapd/internal/subproc"
	"modusnapd/pkg/types"
)

// Heal bounds.
const (
	maxHealRounds  = 6
	maxPruneRounds = 6
)

// healRecipe is one canned fix: when every trigger substring appears in the
// pip check output, the install groups run in order. The table is data so new
// signatures are added as rows.
type healRecipe struct {
	name     string
	triggers []string
	installs [][]string // each group: pip install <args...>
	noDeps   [][]string // each group: pip install --no-deps <args...>
}

var healRecipes = []healRecipe{
	{
		name:     "shaderflow-gradio-depthflow-rembg",
		triggers: []string{"shaderflow"},
		installs: [][]string{{"scipy~=1.15.3", "pillow<12", "rembg==2.0.69", "onnxruntime"}},
		noDeps:   [][]string{{"gradio==5.35.0", "shaderflow==0.9.1"}},
	},
	{
		name:     "shaderflow-gradio-depthflow-rembg",
		triggers: []string{"depthflow"},
		installs: [][]string{{"scipy~=1.15.3", "pillow<12", "rembg==2.0.69", "onnxruntime"}},
		noDeps:   [][]string{{"gradio==5.35.0", "shaderflow==0.9.1"}},
	},
	{
		name:     "shaderflow-gradio-depthflow-rembg",
		triggers: []string{"gradio", "rembg"},
		installs: [][]string{{"scipy~=1.15.3", "pillow<12", "rembg==2.0.69", "onnxruntime"}},
		noDeps:   [][]string{{"gradio==5.35.0", "shaderflow==0.9.1"}},
	},
	{
		name:     "fastapi-sse-starlette",
		triggers: []string{"sse-starlette"},
		installs: [][]string{{"starlette>=0.40.0,<0.47.0", "sse-starlette<3.0"}},
	},
	{
		name:     "typer-click",
		triggers: []string{"typer"},
		installs: [][]string{{"typer==0.15.4", "typer-slim==0.15.4", "click<8.2,>=8.0.0"}},
	},
}

// protectedPkgs are never pruned, independent of what the requirement files
// list.
var protectedPkgs = map[string]bool{
	"pip": true, "setuptools": true, "wheel": true,
	"torch": true, "torchvision": true, "torchaudio": true,
	"comfyui-manager": true, "comfyui_frontend_package": true,
}

// Required-spec hints in pip check output.
var (
	hasReqRe   = regexp.MustCompile(`has requirement ([^,]+), but you have`)
	requiresRe = regexp.MustCompile(`requires ([^,]+?), which is not installed`)
	parentRe   = regexp.MustCompile(`(?m)^([A-Za-z0-9][A-Za-z0-9._-]*) [0-9][^ ]* (?:has requirement|requires) `)
)

// HealReport is what an AutoHeal (plus optional Prune) pass produced.
type HealReport struct {
	Steps      []types.EnvStep
	Healthy    bool
	Rounds     int
	Pruned     bool
	Removed    []string
	FinalCheck subproc.Result
}

// Healer drives pip check back to green with bounded heuristics.
type Healer struct {
	Runner     subproc.Runner
	BackendDir string
	UserDir    string
	Log        zerolog.Logger
}

// AutoHeal runs up to 6 heal rounds, then up to 6 prune rounds when the
// conflicts persist without progress.
func (h *Healer) AutoHeal(ctx context.Context) HealReport {
	rep := HealReport{}
	check := h.record(&rep, subproc.PipCheck(ctx, h.Runner))
	seenSpecSets := map[string]bool{}
	for round := 0; round < maxHealRounds && !check.OK; round++ {
		rep.Rounds++
		specs := extractSpecs(check.Output)
		key := specSetKey(specs)
		if key != "" && seenSpecSets[key] {
			h.Log.Info().Int("round", round).Msg("autoheal fixed point reached")
			break
		}
		if key != "" {
			seenSpecSets[key] = true
		}
		if recipe, ok := matchRecipe(check.Output); ok {
			h.Log.Info().Str("recipe", recipe.name).Msg("applying canned heal recipe")
			for _, group := range recipe.installs {
				h.record(&rep, subproc.PipInstall(ctx, h.Runner, group...))
			}
			for _, group := range recipe.noDeps {
				h.record(&rep, subproc.PipInstallNoDeps(ctx, h.Runner, group...))
			}
		} else if len(specs) > 0 {
			for _, spec := range specs {
				h.record(&rep, subproc.PipInstall(ctx, h.Runner, spec))
			}
		} else {
			break
		}
		check = h.record(&rep, subproc.PipCheck(ctx, h.Runner))
	}
	if !check.OK {
		check = h.prune(ctx, &rep, check)
	}
	rep.Healthy = check.OK
	rep.FinalCheck = check
	return rep
}

// prune removes conflicting parent packages outside the protected set and
// re-applies the baseline installs.
func (h *Healer) prune(ctx context.Context, rep *HealReport, check subproc.Result) subproc.Result {
	protected := h.protectedSet()
	for round := 0; round < maxPruneRounds && !check.OK; round++ {
		parents := extractParents(check.Output)
		var victims []string
		for _, p := range parents {
			if !protected[strings.ToLower(p)] {
				victims = append(victims, p)
			}
		}
		if len(victims) == 0 {
			break
		}
		rep.Pruned = true
		rep.Removed = append(rep.Removed, victims...)
		h.Log.Warn().Strs("packages", victims).Msg("pruning conflicting packages")
		h.record(rep, subproc.PipUninstall(ctx, h.Runner, victims...))
		for _, reqFile := range h.baselineFiles() {
			h.record(rep, subproc.PipInstallReq(ctx, h.Runner, reqFile))
		}
		check = h.record(rep, subproc.PipCheck(ctx, h.Runner))
	}
	return check
}

// baselineFiles are the three installs that re-establish the environment
// after a prune; missing files are skipped.
func (h *Healer) baselineFiles() []string {
	candidates := []string{
		filepath.Join(h.BackendDir, "requirements.txt"),
		filepath.Join(h.BackendDir, "manager_requirements.txt"),
		filepath.Join(h.UserDir, reconcile.CompatibleFile),
	}
	var out []string
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// protectedSet is the fixed protected names plus everything the baseline
// requirement files mention.
func (h *Healer) protectedSet() map[string]bool {
	out := map[string]bool{}
	for k := range protectedPkgs {
		out[k] = true
	}
	for _, f := range h.baselineFiles() {
		b, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(b), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
				continue
			}
			name := line
			for _, sep := range []string{"==", ">=", "<=", "~=", "!=", ">", "<", "[", ";", " "} {
				if i := strings.Index(name, sep); i >= 0 {
					name = name[:i]
				}
			}
			if name != "" {
				out[strings.ToLower(name)] = true
			}
		}
	}
	return out
}

func (h *Healer) record(rep *HealReport, res subproc.Result) subproc.Result {
	rep.Steps = append(rep.Steps, types.EnvStep{
		ID:         fmt.Sprintf("heal-%d", len(rep.Steps)+1),
		Command:    res.Command,
		StartedAt:  time.Now().UTC(),
		FinishedAt: time.Now().UTC(),
		ExitStatus: res.ExitStatus,
		OK:         res.OK,
		Output:     res.Output,
	})
	return res
}

func matchRecipe(output string) (healRecipe, bool) {
	low := strings.ToLower(output)
	for _, r := range healRecipes {
		all := true
		for _, trig := range r.triggers {
			if !strings.Contains(low, trig) {
				all = false
				break
			}
		}
		if all {
			return r, true
		}
	}
	return healRecipe{}, false
}

// extractSpecs pulls required-spec hints out of pip check output.
func extractSpecs(output string) []string {
	var specs []string
	seen := map[string]bool{}
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		specs = append(specs, s)
	}
	for _, m := range hasReqRe.FindAllStringSubmatch(output, -1) {
		add(m[1])
	}
	for _, m := range requiresRe.FindAllStringSubmatch(output, -1) {
		add(m[1])
	}
	return specs
}

// extractParents pulls the package names that own the broken requirements.
func extractParents(output string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range parentRe.FindAllStringSubmatch(output, -1) {
		name := m[1]
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

func specSetKey(specs []string) string {
	if len(specs) == 0 {
		return ""
	}
	sorted := append([]string(nil), specs...)
	sort.Strings(sorted)
	return strings.Join(sorted, "|")
}
