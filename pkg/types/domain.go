package types

import "time"

// HardwareProfile is the parsed form of the marker file written by the engine
// bootstrap, e.g. "linux-x86_64-nvidia:true-rocm:false". A missing marker
// yields the zero profile with Raw "unknown".
type HardwareProfile struct {
	Raw           string `json:"raw"`
	OS            string `json:"os"`
	Arch          string `json:"arch"`
	HasNvidia     bool   `json:"hasNvidia"`
	HasRocm       bool   `json:"hasRocm"`
	IsDarwinArm64 bool   `json:"isDarwinArm64"`
}

// BackendLocation pins down everything the control plane needs on disk.
type BackendLocation struct {
	BackendDir     string `json:"backendDir"`
	VenvPython     string `json:"venvPython"`
	UserDir        string `json:"userDir"`
	CustomNodesDir string `json:"customNodesDir"`
	ComfyLog       string `json:"comfyLog"`
	RestartLog     string `json:"restartLog"`
}

// EnvStep is one executed command inside a transaction. Immutable once
// recorded; Output is truncated to 12 KB at capture time.
type EnvStep struct {
	ID         string    `json:"id"`
	Command    string    `json:"command"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	ExitStatus int       `json:"exitStatus"`
	OK         bool      `json:"ok"`
	Output     string    `json:"output"`
}

// EnvTx is a durable environment transaction record.
type EnvTx struct {
	ID                string    `json:"id"`
	Kind              TxKind    `json:"kind"`
	Status            TxStatus  `json:"status"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
	RequestedPackages []string  `json:"requestedPackages"`
	PlanCommands      []string  `json:"planCommands"`
	Steps             []EnvStep `json:"steps"`
	SnapshotBefore    string    `json:"snapshotBefore,omitempty"`
	SnapshotAfter     string    `json:"snapshotAfter,omitempty"`
	PipHealthy        bool      `json:"pipHealthy"`
	PipCheckOutput    string    `json:"pipCheckOutput,omitempty"`
	RollbackOf        string    `json:"rollbackOf,omitempty"`
	Error             string    `json:"error,omitempty"`
}

// EnvTxSummary is the list projection of EnvTx.
type EnvTxSummary struct {
	ID        string    `json:"id"`
	Kind      TxKind    `json:"kind"`
	Status    TxStatus  `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Steps     int       `json:"steps"`
	Error     string    `json:"error,omitempty"`
}

// PkgPin is one installed package at a recorded version.
type PkgPin struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// DependencyLock captures the verified interpreter + package state.
type DependencyLock struct {
	Python         string   `json:"python"`
	Pkgs           []PkgPin `json:"pkgs"`
	ManagerVersion string   `json:"managerVersion,omitempty"`
	GitCommit      string   `json:"gitCommit,omitempty"`
}

// Snapshot describes a freeze snapshot on disk.
type Snapshot struct {
	ID              string          `json:"id"`
	HardwareProfile string          `json:"hardwareProfile"`
	CreatedAt       time.Time       `json:"createdAt"`
	FreezeListPath  string          `json:"freezeListPath"`
	DependencyLock  *DependencyLock `json:"dependencyLock,omitempty"`
}

// CatalogItem is a catalog entry as submitted by the caller. UIKey is opaque
// and preserved through preflight and install reports.
type CatalogItem struct {
	UIKey           string   `json:"uiKey,omitempty"`
	ID              string   `json:"id,omitempty"`
	Title           string   `json:"title,omitempty"`
	InstallType     string   `json:"install_type,omitempty"`
	Repository      string   `json:"repository,omitempty"`
	Reference       string   `json:"reference,omitempty"`
	Files           []string `json:"files,omitempty"`
	SelectedVersion string   `json:"selected_version,omitempty"`
	Description     string   `json:"description,omitempty"`
	Author          string   `json:"author,omitempty"`
	State           string   `json:"state,omitempty"`
	Version         string   `json:"version,omitempty"`
}

// Key returns the stable identity used in reports: UIKey when provided,
// otherwise id, otherwise title.
func (c CatalogItem) Key() string {
	if c.UIKey != "" {
		return c.UIKey
	}
	if c.ID != "" {
		return c.ID
	}
	return c.Title
}

// PackDecision is the per-item output of the compatibility audit.
type PackDecision struct {
	Key      string   `json:"key"`
	Title    string   `json:"title"`
	Decision Decision `json:"decision"`
	Reasons  []string `json:"reasons,omitempty"`
}

// DiagnosticIssue is one typed problem with a machine-applicable fix.
type DiagnosticIssue struct {
	ID       string   `json:"id"`
	Severity Severity `json:"severity"`
	Title    string   `json:"title"`
	Cause    string   `json:"cause"`
	Evidence string   `json:"evidence,omitempty"`
	Fix      string   `json:"fix"`
}

// LogFindings are the fixed substrings matched in the engine log tail.
type LogFindings struct {
	SSLCertIssue    bool `json:"sslCertIssue"`
	PipErrors       bool `json:"pipErrors"`
	RembgOnnxIssue  bool `json:"rembgOnnxIssue"`
}

// RuntimeProbe is the one-line JSON the ML runtime probe prints.
type RuntimeProbe struct {
	OK           bool   `json:"ok"`
	TorchVersion string `json:"torch,omitempty"`
	CUDA         bool   `json:"cuda"`
	MPS          bool   `json:"mps"`
	Error        string `json:"error,omitempty"`
}

// DiagnosticsReport is the full probe surface with derived issues.
type DiagnosticsReport struct {
	GeneratedAt     time.Time         `json:"generatedAt"`
	Deep            bool              `json:"deep"`
	BackendUp       bool              `json:"backendUp"`
	ManagerEndpoint string            `json:"managerEndpoint,omitempty"`
	NodeCount       int               `json:"nodeCount"`
	VenvExists      bool              `json:"venvExists"`
	ManagerPkgFound bool              `json:"managerPkgFound"`
	ManagerImportOK bool              `json:"managerImportOK"`
	PipHealthy      bool              `json:"pipHealthy"`
	PipCheckOutput  string            `json:"pipCheckOutput,omitempty"`
	HardwareProfile string            `json:"hardwareProfile"`
	DependencySyncAt string           `json:"dependencySyncAt,omitempty"`
	Runtime         *RuntimeProbe     `json:"runtime,omitempty"`
	Log             LogFindings       `json:"log"`
	Issues          []DiagnosticIssue `json:"issues"`
}

// SessionItem tracks one catalog item through an install session.
type SessionItem struct {
	Key      string     `json:"key"`
	Title    string     `json:"title"`
	Selected bool       `json:"selected"`
	Status   ItemStatus `json:"status"`
	Details  string     `json:"details,omitempty"`
}

// InstallSession is the live state of an orchestrated install or uninstall.
type InstallSession struct {
	ID           string        `json:"id"`
	Mode         string        `json:"mode"`
	Scope        string        `json:"scope"`
	StartedAt    time.Time     `json:"startedAt"`
	Total        int           `json:"total"`
	Completed    int           `json:"completed"`
	Remaining    int           `json:"remaining"`
	CurrentChunk int           `json:"currentChunk"`
	TotalChunks  int           `json:"totalChunks"`
	Items        []SessionItem `json:"items"`
	Logs         []string      `json:"logs"`
	Running      bool          `json:"running"`
	Canceled     bool          `json:"canceled"`
	Error        string        `json:"error,omitempty"`
}

// ReqConflict is one package whose collected specifiers cannot coexist.
type ReqConflict struct {
	Package string   `json:"package"`
	Specs   []string `json:"specs"`
	Markers []string `json:"markers,omitempty"`
	Reasons []string `json:"reasons"`
}

// DependencyAuditReport is the output of the dependency reconciler.
type DependencyAuditReport struct {
	FilesScanned               int           `json:"filesScanned"`
	PackagesScanned            int           `json:"packagesScanned"`
	Conflicts                  []ReqConflict `json:"conflicts"`
	CompatibleRequirementCount int           `json:"compatibleRequirementCount"`
	CompatibleRequirementsPath string        `json:"compatibleRequirementsPath"`
	IncompatibleRequirementsPath string      `json:"incompatibleRequirementsPath"`
	ReportPath                 string        `json:"reportPath"`
}

// CatalogAudit summarizes an audited item batch.
type CatalogAudit struct {
	Total       int            `json:"total"`
	Installable int            `json:"installable"`
	Warning     int            `json:"warning"`
	Blocked     int            `json:"blocked"`
	BlockedKeys []string       `json:"blockedKeys,omitempty"`
	PerItem     []PackDecision `json:"perItem,omitempty"`
	Compact     bool           `json:"compact,omitempty"`
}

// CompatibilitySet is the verified environment state that guards installs.
type CompatibilitySet struct {
	LockID           string                 `json:"lockId"`
	CreatedAt        time.Time              `json:"createdAt"`
	HardwareProfile  string                 `json:"hardwareProfile"`
	PipHealthy       bool                   `json:"pipHealthy"`
	PipCheckOutput   string                 `json:"pipCheckOutput,omitempty"`
	SelectedPackKeys []string               `json:"selectedPackKeys,omitempty"`
	SelectedPackIDs  []string               `json:"selectedPackIds,omitempty"`
	DependencyLock   *DependencyLock        `json:"dependencyLock,omitempty"`
	DependencyAudit  *DependencyAuditReport `json:"dependencyAudit,omitempty"`
	CatalogAudit     *CatalogAudit          `json:"catalogAudit,omitempty"`
}
