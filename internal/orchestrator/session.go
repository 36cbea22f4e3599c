package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"modusnapd/internal/backend"
	"modusnapd/internal/compat"
	"modusnapd/internal/engine"
	"modusnapd/internal/faults"
	"modusnapd/pkg/types"
)

// Chunking and wait bounds.
const (
	largeBatchThreshold = 200
	chunkSizeLarge      = 20
	chunkSizeSmall      = 40
	minDrainTimeout     = 5 * time.Minute
	drainPerChunk       = 45 * time.Second
	defaultReadyTimeout = 180 * time.Second
	defaultPollInterval = time.Second
)

// installedStates mark items that are already present and must be skipped on
// install.
var installedStates = map[string]bool{
	"enabled": true, "disabled": true, "updatable": true, "try-update": true,
	"uninstall": true, "import-fail": true, "invalid-installation": true,
}

// Orchestrator owns long-running install sessions.
type Orchestrator struct {
	Loc          types.BackendLocation
	Engine       *engine.Client
	SetStore     *compat.SetStore
	Builder      *CompatSetBuilder
	Healer       *Healer
	Profile      func() types.HardwareProfile
	Log          zerolog.Logger
	PollInterval time.Duration
	ReadyTimeout time.Duration
	RefreshCatalog func()

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu     sync.Mutex
	state  types.InstallSession
	cancel context.CancelFunc
}

func (s *session) logf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Logs = append(s.state.Logs, fmt.Sprintf(format, args...))
}

func (s *session) snapshot() types.InstallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.state
	out.Items = append([]types.SessionItem(nil), s.state.Items...)
	out.Logs = append([]string(nil), s.state.Logs...)
	return out
}

func (o *Orchestrator) poll() time.Duration {
	if o.PollInterval > 0 {
		return o.PollInterval
	}
	return defaultPollInterval
}

func (o *Orchestrator) readyTimeout() time.Duration {
	if o.ReadyTimeout > 0 {
		return o.ReadyTimeout
	}
	return defaultReadyTimeout
}

// Start plans a session and launches it. Returns the session id immediately.
func (o *Orchestrator) Start(mode, scope string, items []types.CatalogItem) (string, error) {
	if mode != "install" && mode != "uninstall" {
		return "", faults.New(faults.InvalidArg, "unknown session mode %q", mode)
	}
	if scope != "selected" && scope != "allVisible" {
		return "", faults.New(faults.InvalidArg, "unknown session scope %q", scope)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		cancel: cancel,
		state: types.InstallSession{
			ID:        uuid.NewString(),
			Mode:      mode,
			Scope:     scope,
			StartedAt: time.Now().UTC(),
			Running:   true,
		},
	}
	for _, item := range items {
		if mode == "install" && installedStates[item.State] {
			s.state.Items = append(s.state.Items, types.SessionItem{
				Key: item.Key(), Title: item.Title, Selected: true,
				Status: types.ItemSkipped, Details: "already installed (" + item.State + ")",
			})
			continue
		}
		s.state.Items = append(s.state.Items, types.SessionItem{
			Key: item.Key(), Title: item.Title, Selected: true, Status: types.ItemPending,
		})
	}
	s.state.Total = len(s.state.Items)

	o.mu.Lock()
	if o.sessions == nil {
		o.sessions = map[string]*session{}
	}
	o.sessions[s.state.ID] = s
	o.mu.Unlock()

	go o.run(ctx, s, items)
	return s.state.ID, nil
}

// Status returns a copy of the session state.
func (o *Orchestrator) Status(id string) (types.InstallSession, error) {
	o.mu.Lock()
	s := o.sessions[id]
	o.mu.Unlock()
	if s == nil {
		return types.InstallSession{}, faults.New(faults.NotFound, "session %s", id)
	}
	return s.snapshot(), nil
}

// Cancel sets the cooperative flag; chunks already submitted run to
// completion inside the engine.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	s := o.sessions[id]
	o.mu.Unlock()
	if s == nil {
		return faults.New(faults.NotFound, "session %s", id)
	}
	s.mu.Lock()
	s.state.Canceled = true
	s.mu.Unlock()
	s.cancel()
	return nil
}

func (o *Orchestrator) run(ctx context.Context, s *session, items []types.CatalogItem) {
	defer func() {
		s.mu.Lock()
		s.state.Running = false
		s.mu.Unlock()
	}()
	lock := backend.LockFor(o.Loc.BackendDir)
	lock.Lock()
	defer lock.Unlock()

	profile := o.Profile()

	// Preflight: blocked items never reach a chunk.
	pending := o.preflight(s, items, profile)
	if len(pending) == 0 {
		s.mu.Lock()
		s.state.Error = "no installable items remain after compatibility preflight"
		s.mu.Unlock()
		s.logf("session failed: nothing to install")
		return
	}

	if s.state.Mode == "install" {
		o.ensureCompatSet(ctx, s, items, profile)
	}

	// Engine-level snapshot, best effort.
	if err := o.Engine.SnapshotSave(ctx); err != nil {
		s.logf("engine snapshot save failed: %v", err)
	} else {
		s.logf("engine snapshot saved")
	}

	chunks := o.submitChunks(ctx, s, pending)
	if s.isCanceled() {
		s.logf("canceled")
		return
	}
	if chunks == 0 {
		s.mu.Lock()
		s.state.Error = "no chunk could be submitted"
		s.mu.Unlock()
		return
	}

	if err := o.drainWait(ctx, s, chunks); err != nil {
		s.mu.Lock()
		s.state.Error = err.Error()
		s.mu.Unlock()
		s.logf("queue drain failed: %v", err)
		return
	}

	o.collectResults(ctx, s)

	if err := o.rebootAndWait(ctx, s); err != nil {
		s.mu.Lock()
		s.state.Error = err.Error()
		s.mu.Unlock()
		s.logf("backend restart failed: %v", err)
		return
	}

	// Post-install heal catches dependency drift the batch introduced.
	heal := o.Healer.AutoHeal(ctx)
	if len(heal.Removed) > 0 {
		s.logf("post-install heal removed %d conflicting packages: %s",
			len(heal.Removed), strings.Join(heal.Removed, ", "))
	}
	if heal.Healthy {
		s.logf("post-install heal: environment healthy after %d rounds", heal.Rounds)
	} else {
		s.logf("post-install heal: conflicts remain after %d rounds", heal.Rounds)
	}

	if o.RefreshCatalog != nil {
		o.RefreshCatalog()
	}
	s.logf("session complete")
}

func (s *session) isCanceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Canceled
}

// preflight classifies and drops blocked items, returning the submittable
// remainder in session item order.
func (o *Orchestrator) preflight(s *session, items []types.CatalogItem, profile types.HardwareProfile) []types.CatalogItem {
	byKey := map[string]types.CatalogItem{}
	for _, item := range items {
		byKey[item.Key()] = item
	}
	var pending []types.CatalogItem
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.Items {
		si := &s.state.Items[i]
		if si.Status != types.ItemPending {
			continue
		}
		item := byKey[si.Key]
		if s.state.Mode == "install" {
			d := compat.Classify(item, profile)
			if d.Decision == types.DecisionBlocked {
				si.Status = types.ItemSkipped
				si.Details = "removed by compatibility preflight: " + strings.Join(d.Reasons, "; ")
				continue
			}
		}
		pending = append(pending, item)
	}
	s.state.Remaining = len(pending)
	return pending
}

func (o *Orchestrator) ensureCompatSet(ctx context.Context, s *session, items []types.CatalogItem, profile types.HardwareProfile) {
	current, ok := o.SetStore.LoadCurrent()
	if ok && !compat.Stale(current, profile, time.Now()) {
		s.logf("compatibility set %s still fresh", current.LockID)
		return
	}
	s.logf("rebuilding compatibility set")
	res, err := o.Builder.Build(ctx, items, profile)
	if err != nil {
		s.logf("compatibility set rebuild failed: %v", err)
		return
	}
	if res.AutoHealed {
		s.logf("compatibility rebuild required autoheal (%d packages pruned)", len(res.Removed))
	}
	s.logf("compatibility set %s built, pipHealthy=%v", res.Set.LockID, res.Set.PipHealthy)
}

// submitChunks sends the pending items to the engine queue in bounded
// batches, returning the number of submitted chunks.
func (o *Orchestrator) submitChunks(ctx context.Context, s *session, pending []types.CatalogItem) int {
	chunkSize := chunkSizeSmall
	if len(pending) > largeBatchThreshold {
		chunkSize = chunkSizeLarge
	}
	totalChunks := (len(pending) + chunkSize - 1) / chunkSize
	s.mu.Lock()
	s.state.TotalChunks = totalChunks
	s.mu.Unlock()
	action := MapAction(s.state.Mode)

	submitted := 0
	for ci := 0; ci < totalChunks; ci++ {
		if s.isCanceled() {
			return submitted
		}
		s.mu.Lock()
		s.state.CurrentChunk = ci + 1
		s.mu.Unlock()
		lo, hi := ci*chunkSize, (ci+1)*chunkSize
		if hi > len(pending) {
			hi = len(pending)
		}
		chunk := pending[lo:hi]
		payloadItems, dropped := ClassifyItems(chunk)
		for _, d := range dropped {
			s.setItemStatus(d.Key, types.ItemSkipped, d.Reason)
		}
		if len(payloadItems) == 0 {
			continue
		}
		payload := map[string]any{
			"batch_id": uuid.NewString(),
			action:     payloadItems,
		}
		_, err := o.Engine.QueueBatch(ctx, payload)
		if err != nil {
			s.logf("chunk %d/%d submission failed: %v", ci+1, totalChunks, err)
			for _, item := range chunk {
				s.setItemStatus(item.Key(), types.ItemFailed, "batch submission failed: "+err.Error())
			}
			continue
		}
		if status, err := o.Engine.QueueStart(ctx); err != nil {
			s.logf("queue start failed after chunk %d: %v", ci+1, err)
		} else {
			s.logf("chunk %d/%d queued (%d items), queue start status %d", ci+1, totalChunks, len(payloadItems), status)
		}
		for _, item := range chunk {
			s.setItemStatus(item.Key(), types.ItemQueued, "")
		}
		submitted++
	}
	return submitted
}

func (s *session) setItemStatus(key string, status types.ItemStatus, details string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.Items {
		if s.state.Items[i].Key == key && s.state.Items[i].Status != types.ItemSkipped {
			s.state.Items[i].Status = status
			if details != "" {
				s.state.Items[i].Details = details
			}
		}
	}
}

// MapAction translates UI verbs into the engine queue action.
func MapAction(mode string) string {
	switch mode {
	case "enable", "switch", "try-install":
		return "install"
	case "try-update":
		return "update"
	default:
		return mode
	}
}

// DroppedItem explains why an item could not be submitted.
type DroppedItem struct {
	Key    string
	Reason string
}

// ClassifyItems normalizes install types per item and drops the
// unsubmittable ones.
func ClassifyItems(chunk []types.CatalogItem) ([]map[string]any, []DroppedItem) {
	var out []map[string]any
	var dropped []DroppedItem
	for _, item := range chunk {
		switch item.InstallType {
		case "cnr":
			if item.ID == "" {
				if url := recoverGitURL(item); url != "" {
					item.InstallType = "git-clone"
					item.Repository = url
					break
				}
				dropped = append(dropped, DroppedItem{Key: item.Key(), Reason: "cnr item has no id and no recoverable git url"})
				continue
			}
		case "git-clone":
			if item.Repository == "" {
				if url := recoverGitURL(item); url != "" {
					item.Repository = url
				} else {
					dropped = append(dropped, DroppedItem{Key: item.Key(), Reason: "git-clone item has no repository url"})
					continue
				}
			}
		}
		out = append(out, itemPayload(item))
	}
	return out, dropped
}

func itemPayload(item types.CatalogItem) map[string]any {
	p := map[string]any{
		"id":           item.ID,
		"title":        item.Title,
		"install_type": item.InstallType,
		"repository":   item.Repository,
		"ui_id":        item.Key(),
	}
	if item.SelectedVersion != "" {
		p["selected_version"] = item.SelectedVersion
	}
	if item.Reference != "" {
		p["reference"] = item.Reference
	}
	if len(item.Files) > 0 {
		p["files"] = item.Files
	}
	return p
}

// recoverGitURL looks for a usable clone URL in the item's fields.
func recoverGitURL(item types.CatalogItem) string {
	candidates := append([]string{item.Repository, item.Reference}, item.Files...)
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if strings.HasPrefix(c, "http://") || strings.HasPrefix(c, "https://") {
			if strings.Contains(c, "github.com") || strings.Contains(c, "gitlab.com") || strings.HasSuffix(c, ".git") {
				return c
			}
		}
	}
	return ""
}

// drainWait polls the queue at ~1 Hz until it is idle, bounded by
// max(5 min, chunks x 45 s).
func (o *Orchestrator) drainWait(ctx context.Context, s *session, chunks int) error {
	timeout := minDrainTimeout
	if scaled := time.Duration(chunks) * drainPerChunk; scaled > timeout {
		timeout = scaled
	}
	deadline := time.Now().Add(timeout)
	for {
		st, err := o.Engine.QueueStatusGet(ctx)
		if err == nil && !st.IsProcessing && st.PendingCount == 0 {
			s.logf("queue drained (%d done)", st.DoneCount)
			return nil
		}
		if err != nil {
			s.logf("queue status probe failed: %v", err)
		}
		if time.Now().After(deadline) {
			return faults.New(faults.QueueTimeout, "install queue did not drain within %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.poll()):
		}
	}
}

// collectResults marks queued items done or failed from the queue history.
func (o *Orchestrator) collectResults(ctx context.Context, s *session) {
	hist, err := o.Engine.QueueHistoryList(ctx)
	if err != nil {
		s.logf("queue history unavailable: %v", err)
		o.markQueuedItems(s, types.ItemDone, "")
		return
	}
	failed := map[string]string{}
	for _, id := range hist.IDs {
		job, err := o.Engine.QueueHistory(ctx, id)
		if err != nil {
			continue
		}
		for _, f := range job.Failed {
			failed[f] = "engine reported failure in batch " + job.Batch
		}
	}
	s.mu.Lock()
	completed := 0
	for i := range s.state.Items {
		si := &s.state.Items[i]
		if si.Status != types.ItemQueued {
			if si.Status == types.ItemDone {
				completed++
			}
			continue
		}
		if reason, ok := failed[si.Key]; ok {
			si.Status = types.ItemFailed
			si.Details = reason
			continue
		}
		si.Status = types.ItemDone
		completed++
	}
	s.state.Completed = completed
	s.state.Remaining = 0
	s.mu.Unlock()
}

func (o *Orchestrator) markQueuedItems(s *session, status types.ItemStatus, details string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	completed := 0
	for i := range s.state.Items {
		if s.state.Items[i].Status == types.ItemQueued {
			s.state.Items[i].Status = status
			if details != "" {
				s.state.Items[i].Details = details
			}
		}
		if s.state.Items[i].Status == types.ItemDone {
			completed++
		}
	}
	s.state.Completed = completed
}

// rebootAndWait cycles the engine and blocks until both the HTTP surface and
// the manager routes answer again.
func (o *Orchestrator) rebootAndWait(ctx context.Context, s *session) error {
	if err := o.Engine.Reboot(ctx); err != nil {
		s.logf("reboot request failed: %v", err)
	} else {
		s.logf("reboot requested")
	}
	deadline := time.Now().Add(o.readyTimeout())
	for {
		up := backend.IsBackendReachable(ctx, o.Engine.BaseURL)
		routes := up && o.Engine.FirstReachableManagerRoute(ctx) != ""
		if up && routes {
			s.logf("backend ready")
			return nil
		}
		if time.Now().After(deadline) {
			return faults.New(faults.QueueTimeout, "backend did not become ready within %s", o.readyTimeout())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.poll()):
		}
	}
}
