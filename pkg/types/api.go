package types

import "time"

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// Machine-readable failure kind.
	// example: INVALID_ARG
	Kind string `json:"kind,omitempty" example:"INVALID_ARG"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
	// Structured context for the failure (checked paths, violations, ...).
	Details map[string]any `json:"details,omitempty"`
}

// BackendStatusResponse answers backend.status.
type BackendStatusResponse struct {
	// Whether the engine responded 2xx on /system_stats.
	// example: true
	Up bool `json:"up" example:"true"`
	// Resolved engine directory.
	// example: /opt/comfy
	Dir string `json:"dir" example:"/opt/comfy"`
}

// BackendLogsResponse answers backend.logs.
type BackendLogsResponse struct {
	BackendUp      bool   `json:"backendUp"`
	ComfyLogPath   string `json:"comfyLogPath"`
	RestartLogPath string `json:"restartLogPath"`
	ComfyLogTail   string `json:"comfyLogTail"`
	RestartLogTail string `json:"restartLogTail"`
}

// EnvStatusResponse answers env.status.
type EnvStatusResponse struct {
	OK                bool          `json:"ok"`
	BackendDir        string        `json:"backendDir"`
	VenvExists        bool          `json:"venvExists"`
	PipHealthy        bool          `json:"pipHealthy"`
	PipCheckOutput    string        `json:"pipCheckOutput,omitempty"`
	Transactions      int           `json:"transactions"`
	LatestTransaction *EnvTxSummary `json:"latestTransaction,omitempty"`
}

// PlanRequest asks for a new environment transaction plan.
type PlanRequest struct {
	// Plan mode: repair or install.
	// example: repair
	Mode string `json:"mode" example:"repair"`
	// Package specifiers for install mode.
	// example: ["torch==2.4","pillow"]
	Packages []string `json:"packages,omitempty"`
	// License policies of the requested packs.
	// example: ["open"]
	Policies []string `json:"policies,omitempty"`
	// Caller tier evaluated against the policies.
	// example: free
	Tier string `json:"tier,omitempty" example:"free"`
}

// TxResponse wraps one transaction.
type TxResponse struct {
	OK          bool   `json:"ok"`
	Transaction *EnvTx `json:"transaction"`
}

// TxIDRequest addresses a transaction by id.
type TxIDRequest struct {
	// example: 7f4c9d2e-1a53-4b8e-9c21-6d6a3c1f0a77
	ID string `json:"id"`
}

// BatchRequest forwards catalog items to the engine queue.
type BatchRequest struct {
	// Queue action: install, uninstall, update, disable, enable, switch,
	// try-install, try-update, fix.
	// example: install
	Mode       string        `json:"mode" example:"install"`
	Items      []CatalogItem `json:"items,omitempty"`
	Item       *CatalogItem  `json:"item,omitempty"`
	Channel    string        `json:"channel,omitempty"`
	SourceMode string        `json:"sourceMode,omitempty"`
}

// SkippedItem explains why an item never reached the queue.
type SkippedItem struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// BatchResponse reports a queue submission.
type BatchResponse struct {
	OK               bool           `json:"ok"`
	BatchID          string         `json:"batchId"`
	Engine           map[string]any `json:"engine,omitempty"`
	QueueStartStatus int            `json:"queueStartStatus"`
	Skipped          []SkippedItem  `json:"skipped,omitempty"`
}

// SessionStartRequest launches an install session.
type SessionStartRequest struct {
	// example: install
	Mode string `json:"mode" example:"install"`
	// example: selected
	Scope string        `json:"scope" example:"selected"`
	Items []CatalogItem `json:"items"`
}

// SessionStartResponse returns the new session id.
type SessionStartResponse struct {
	OK        bool   `json:"ok"`
	SessionID string `json:"sessionId"`
}

// PreflightRequest classifies items before any install activity.
type PreflightRequest struct {
	Mode  string        `json:"mode,omitempty"`
	Items []CatalogItem `json:"items"`
}

// PreflightReport is the §4.5 preflight surface.
type PreflightReport struct {
	HardwareProfile string         `json:"hardwareProfile"`
	Summary         CatalogAudit   `json:"summary"`
	GlobalWarnings  []string       `json:"globalWarnings,omitempty"`
}

// SizeEstimateRequest asks for download size totals.
type SizeEstimateRequest struct {
	Items []CatalogItem `json:"items"`
}

// SizeEstimateResult is the per-item size verdict.
type SizeEstimateResult struct {
	Key     string `json:"key"`
	Title   string `json:"title,omitempty"`
	KB      int64  `json:"kb"`
	Known   bool   `json:"known"`
	Human   string `json:"human,omitempty"`
}

// SizeEstimateResponse totals the batch.
type SizeEstimateResponse struct {
	Total        int                  `json:"total"`
	KnownCount   int                  `json:"knownCount"`
	UnknownCount int                  `json:"unknownCount"`
	TotalKB      int64                `json:"totalKB"`
	TotalGB      float64              `json:"totalGB"`
	TotalHuman   string               `json:"totalHuman,omitempty"`
	Results      []SizeEstimateResult `json:"results"`
}

// FixRequest applies one typed fix.
type FixRequest struct {
	// example: pip_check_failed
	IssueID string `json:"issueId" example:"pip_check_failed"`
}

// FixResponse reports what a fix did.
type FixResponse struct {
	OK              bool      `json:"ok"`
	IssueID         string    `json:"issueId"`
	Steps           []EnvStep `json:"steps"`
	Restart         string    `json:"restart,omitempty"`
	RemovedPackages []string  `json:"removedPackages,omitempty"`
}

// ManagerStatusResponse is the convenience surface consumed by the engine-side
// client node.
type ManagerStatusResponse struct {
	ManagerRoutesReachable bool   `json:"managerRoutesReachable"`
	HardwareProfile        string `json:"hardwareProfile"`
	NodeCount              int    `json:"nodeCount"`
}

// APIKey is one issued control-plane credential. The secret is only returned
// at creation time.
type APIKey struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Key       string    `json:"key,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Revoked   bool      `json:"revoked"`
}

// CompatibilityPostRequest rebuilds the compatibility set for a selection.
type CompatibilityPostRequest struct {
	Items []CatalogItem `json:"items"`
}

// CompatibilityPostResponse reports the rebuild.
type CompatibilityPostResponse struct {
	CompatibilitySet *CompatibilitySet `json:"compatibilitySet"`
	Steps            []EnvStep         `json:"steps"`
	AutoHealed       bool              `json:"autoHealed"`
	RemovedPackages  []string          `json:"removedPackages,omitempty"`
}
