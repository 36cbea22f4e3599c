package subproc

import (
	"context"
	"encoding/json"
)

// Pip helpers wrap the Runner with the fixed argument shapes the control
// plane uses. They never return errors: failures land in the Result so they
// can be recorded as transaction steps.

// PipInstallReq runs `pip install -r file`.
func PipInstallReq(ctx context.Context, r Runner, file string) Result {
	return r.Run(ctx, InstallTimeout, "-m", "pip", "install", "-r", file)
}

// PipInstall runs `pip install spec...`.
func PipInstall(ctx context.Context, r Runner, specs ...string) Result {
	args := append([]string{"-m", "pip", "install"}, specs...)
	return r.Run(ctx, InstallTimeout, args...)
}

// PipInstallNoDeps runs `pip install --no-deps spec...`.
func PipInstallNoDeps(ctx context.Context, r Runner, specs ...string) Result {
	args := append([]string{"-m", "pip", "install", "--no-deps"}, specs...)
	return r.Run(ctx, InstallTimeout, args...)
}

// PipUninstall runs `pip uninstall -y pkg...`.
func PipUninstall(ctx context.Context, r Runner, pkgs ...string) Result {
	args := append([]string{"-m", "pip", "uninstall", "-y"}, pkgs...)
	return r.Run(ctx, InstallTimeout, args...)
}

// PipCheck runs `pip check`.
func PipCheck(ctx context.Context, r Runner) Result {
	return r.Run(ctx, ProbeTimeout, "-m", "pip", "check")
}

// PipFreeze runs `pip freeze`.
func PipFreeze(ctx context.Context, r Runner) Result {
	return r.Run(ctx, ProbeTimeout, "-m", "pip", "freeze")
}

// InstalledPkg is one entry of `pip list --format=json`.
type InstalledPkg struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PipListJSON runs `pip list --format=json` and parses the result. A parse
// failure returns the raw result with a nil list.
func PipListJSON(ctx context.Context, r Runner) ([]InstalledPkg, Result) {
	res := r.Run(ctx, ProbeTimeout, "-m", "pip", "list", "--format=json")
	if !res.OK {
		return nil, res
	}
	var pkgs []InstalledPkg
	if err := json.Unmarshal([]byte(res.Output), &pkgs); err != nil {
		return nil, res
	}
	return pkgs, res
}

// PythonVersion runs a one-liner reporting the interpreter version.
func PythonVersion(ctx context.Context, r Runner) Result {
	return r.Run(ctx, ProbeTimeout, "-c", "import platform; print(platform.python_version())")
}

// InlineScript runs `python -c script` under the probe budget.
func InlineScript(ctx context.Context, r Runner, script string) Result {
	return r.Run(ctx, ProbeTimeout, "-c", script)
}
