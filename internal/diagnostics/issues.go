package diagnostics

import (
	"os"
	"path/filepath"

	"modusnapd/pkg/types"
)

// Issue ids form a closed set so the fix engine can dispatch on them.
const (
	IssueBackendDown          = "backend_down"
	IssueManagerRoutesMissing = "manager_routes_missing"
	IssueVenvMissing          = "venv_missing"
	IssueManagerPkgMissing    = "manager_pkg_missing"
	IssueManagerImportFailed  = "manager_import_runtime_failed"
	IssuePipCheckFailed       = "pip_check_failed"
	IssueSSLCert              = "ssl_cert_issue"
	IssuePipLog               = "pip_log_issue"
	IssueRembgOnnxMissing     = "rembg_onnx_missing"
)

// issueRule derives one typed issue from the probe surface.
type issueRule struct {
	id       string
	severity types.Severity
	title    string
	cause    string
	fix      string
	fires    func(types.DiagnosticsReport) bool
	evidence func(types.DiagnosticsReport) string
}

var issueRules = []issueRule{
	{
		id: IssueBackendDown, severity: types.SevError,
		title: "Engine is not reachable",
		cause: "GET /system_stats did not answer with a 2xx",
		fix:   "start the engine (detached start via the workspace start script)",
		fires: func(r types.DiagnosticsReport) bool { return !r.BackendUp },
	},
	{
		id: IssueManagerRoutesMissing, severity: types.SevError,
		title: "Manager routes are missing",
		cause: "the engine answers but none of the manager endpoints do",
		fix:   "reinstall the manager package and restart the engine",
		fires: func(r types.DiagnosticsReport) bool { return r.BackendUp && r.ManagerEndpoint == "" },
	},
	{
		id: IssueVenvMissing, severity: types.SevError,
		title: "Virtualenv interpreter is missing",
		cause: "venv/bin/python does not exist under the engine directory",
		fix:   "re-run the engine bootstrap to recreate the virtualenv",
		fires: func(r types.DiagnosticsReport) bool { return !r.VenvExists },
	},
	{
		id: IssueManagerPkgMissing, severity: types.SevError,
		title: "Manager package is not installed",
		cause: "the venv exists but comfyui_manager cannot be found and no manager route answers",
		fix:   "run the compatibility install pipeline to restore the manager package",
		fires: func(r types.DiagnosticsReport) bool {
			return r.Deep && r.VenvExists && !r.ManagerPkgFound && r.ManagerEndpoint == ""
		},
	},
	{
		id: IssueManagerImportFailed, severity: types.SevWarning,
		title: "Manager package fails to import",
		cause: "comfyui_manager is installed but importing it raises at runtime",
		fix:   "run the compatibility install pipeline to repair the manager dependencies",
		fires: func(r types.DiagnosticsReport) bool {
			return r.Deep && r.ManagerPkgFound && !r.ManagerImportOK && r.ManagerEndpoint == ""
		},
	},
	{
		id: IssuePipCheckFailed, severity: types.SevWarning,
		title: "pip check reports broken requirements",
		cause: "the installed package set violates its own declared constraints",
		fix:   "run the compatibility install pipeline with autoheal",
		fires: func(r types.DiagnosticsReport) bool { return r.VenvExists && !r.PipHealthy },
		evidence: func(r types.DiagnosticsReport) string { return r.PipCheckOutput },
	},
	{
		id: IssueSSLCert, severity: types.SevWarning,
		title: "SSL certificate verification failures in the engine log",
		cause: "the bundled certificate store is stale",
		fix:   "upgrade certifi inside the venv and restart the engine",
		fires: func(r types.DiagnosticsReport) bool { return r.Log.SSLCertIssue },
	},
	{
		id: IssuePipLog, severity: types.SevWarning,
		title: "pip errors in the engine log",
		cause: "a previous install left errors in the log and pip check confirms breakage",
		fix:   "run the compatibility install pipeline with autoheal",
		fires: func(r types.DiagnosticsReport) bool { return r.Log.PipErrors && !r.PipHealthy },
	},
	{
		id: IssueRembgOnnxMissing, severity: types.SevError,
		title: "rembg cannot find an onnxruntime backend",
		cause: "rembg is installed without a matching onnxruntime package",
		fix:   "install the hardware-appropriate onnxruntime package and restart",
		fires: func(r types.DiagnosticsReport) bool { return r.Log.RembgOnnxIssue },
	},
}

// deriveIssues evaluates the rule table over a finished probe surface.
func deriveIssues(rep types.DiagnosticsReport) []types.DiagnosticIssue {
	issues := []types.DiagnosticIssue{}
	for _, rule := range issueRules {
		if !rule.fires(rep) {
			continue
		}
		issue := types.DiagnosticIssue{
			ID:       rule.id,
			Severity: rule.severity,
			Title:    rule.title,
			Cause:    rule.cause,
			Fix:      rule.fix,
		}
		if rule.evidence != nil {
			issue.Evidence = rule.evidence(rep)
		}
		issues = append(issues, issue)
	}
	return issues
}

func tailMarker(loc types.BackendLocation, name string) (string, error) {
	b, err := os.ReadFile(filepath.Join(loc.UserDir, name))
	if err != nil {
		return "", err
	}
	return string(b), nil
}
