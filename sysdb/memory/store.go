// Package memory provides an in-memory system database for tests and
// single-process runs. It is a faithful model of the PostgreSQL backend,
// including dense stream offsets, close sentinels, and notification
// deduplication, but keeps everything under one mutex.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cascadeflow/cascade/sysdb"
)

type (
	// Store is the in-memory implementation of sysdb.Store. It also
	// implements sysdb.StreamWaker and sysdb.NotificationWaker natively, so
	// no listener infrastructure is needed on top of it.
	Store struct {
		mu            sync.Mutex
		workflows     map[string]*sysdb.Workflow
		steps         map[string]map[int64]*sysdb.StepResult
		streams       map[streamKey][]sysdb.StreamEntry
		notifications map[noteKey][]*sysdb.Notification
		dedup         map[dedupKey]struct{}
		streamWatch   map[streamKey]map[int]chan struct{}
		noteWatch     map[noteKey]map[int]chan struct{}
		nextWatch     int

		recoveryMu sync.Mutex
	}

	streamKey struct {
		workflowID string
		key        string
	}

	noteKey struct {
		recipientID string
		topic       string
	}

	dedupKey struct {
		recipientID string
		topic       string
		senderID    string
		senderStep  int64
	}
)

var (
	_ sysdb.Store             = (*Store)(nil)
	_ sysdb.StreamWaker       = (*Store)(nil)
	_ sysdb.NotificationWaker = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		workflows:     make(map[string]*sysdb.Workflow),
		steps:         make(map[string]map[int64]*sysdb.StepResult),
		streams:       make(map[streamKey][]sysdb.StreamEntry),
		notifications: make(map[noteKey][]*sysdb.Notification),
		dedup:         make(map[dedupKey]struct{}),
		streamWatch:   make(map[streamKey]map[int]chan struct{}),
		noteWatch:     make(map[noteKey]map[int]chan struct{}),
	}
}

// InsertWorkflow creates the row if absent.
func (s *Store) InsertWorkflow(_ context.Context, wf *sysdb.Workflow) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[wf.ID]; exists {
		return false, nil
	}
	cp := cloneWorkflow(wf)
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.workflows[wf.ID] = cp
	return true, nil
}

// GetWorkflow returns a copy of the row.
func (s *Store) GetWorkflow(_ context.Context, id string) (*sysdb.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", sysdb.ErrWorkflowNotFound, id)
	}
	return cloneWorkflow(wf), nil
}

// ListWorkflows filters rows, newest first.
func (s *Store) ListWorkflows(_ context.Context, f sysdb.WorkflowFilter) ([]*sysdb.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*sysdb.Workflow
	for _, wf := range s.workflows {
		if f.Name != "" && wf.Name != f.Name {
			continue
		}
		if f.Queue != "" && wf.QueueName != f.Queue {
			continue
		}
		if f.Executor != "" && wf.ExecutorID != f.Executor {
			continue
		}
		if len(f.Statuses) > 0 && !statusIn(wf.Status, f.Statuses) {
			continue
		}
		out = append(out, cloneWorkflow(wf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CountWorkflows counts rows on the queue with the status.
func (s *Store) CountWorkflows(_ context.Context, queue string, status sysdb.Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, wf := range s.workflows {
		if wf.QueueName == queue && wf.Status == status {
			n++
		}
	}
	return n, nil
}

// ClaimEnqueued moves up to limit enqueued rows to running, oldest first.
func (s *Store) ClaimEnqueued(_ context.Context, queue, appVersion, executorID string, limit int) ([]*sysdb.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var eligible []*sysdb.Workflow
	for _, wf := range s.workflows {
		if wf.QueueName == queue && wf.Status == sysdb.StatusEnqueued && wf.AppVersion == appVersion {
			eligible = append(eligible, wf)
		}
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].CreatedAt.Before(eligible[j].CreatedAt) })
	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	now := time.Now().UTC()
	out := make([]*sysdb.Workflow, len(eligible))
	for i, wf := range eligible {
		wf.Status = sysdb.StatusRunning
		wf.ExecutorID = executorID
		if wf.StartedAt == nil {
			t := now
			wf.StartedAt = &t
		}
		hb := now
		wf.HeartbeatAt = &hb
		wf.UpdatedAt = now
		out[i] = cloneWorkflow(wf)
	}
	return out, nil
}

// MarkTerminal flips the row to a terminal status and closes its streams.
func (s *Store) MarkTerminal(_ context.Context, id string, status sysdb.Status, output json.RawMessage, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", sysdb.ErrWorkflowNotFound, id)
	}
	changed := false
	if !wf.Status.Terminal() {
		wf.Status = status
		wf.Output = bytes.Clone(output)
		wf.Error = errMsg
		wf.UpdatedAt = time.Now().UTC()
		changed = true
	}
	for k, entries := range s.streams {
		if k.workflowID != id || len(entries) == 0 || entries[len(entries)-1].Closed {
			continue
		}
		s.streams[k] = append(entries, sysdb.StreamEntry{
			WorkflowID: id,
			Key:        k.key,
			Offset:     int64(len(entries)),
			Closed:     true,
		})
		s.wakeStream(k)
	}
	return changed, nil
}

// GetStep returns the checkpoint or nil.
func (s *Store) GetStep(_ context.Context, workflowID string, functionID int64) (*sysdb.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[workflowID][functionID]
	if !ok {
		return nil, nil
	}
	return cloneStep(step), nil
}

// SaveStep persists the checkpoint; the first write wins.
func (s *Store) SaveStep(_ context.Context, step *sysdb.StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.steps[step.WorkflowID]
	if !ok {
		byID = make(map[int64]*sysdb.StepResult)
		s.steps[step.WorkflowID] = byID
	}
	if _, exists := byID[step.FunctionID]; exists {
		return nil
	}
	byID[step.FunctionID] = cloneStep(step)
	return nil
}

// ListSteps returns checkpoints ordered by function index.
func (s *Store) ListSteps(_ context.Context, workflowID string) ([]*sysdb.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*sysdb.StepResult
	for _, step := range s.steps[workflowID] {
		out = append(out, cloneStep(step))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FunctionID < out[j].FunctionID })
	return out, nil
}

// WriteStream appends at the next dense offset.
func (s *Store) WriteStream(_ context.Context, workflowID, key string, value json.RawMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := streamKey{workflowID, key}
	entries := s.streams[k]
	if len(entries) > 0 && entries[len(entries)-1].Closed {
		return 0, fmt.Errorf("%w: %s/%s", sysdb.ErrStreamClosed, workflowID, key)
	}
	offset := int64(len(entries))
	s.streams[k] = append(entries, sysdb.StreamEntry{
		WorkflowID: workflowID,
		Key:        key,
		Offset:     offset,
		Value:      bytes.Clone(value),
	})
	s.wakeStream(k)
	return offset, nil
}

// ReadStream returns entries with offset >= fromOffset.
func (s *Store) ReadStream(_ context.Context, workflowID, key string, fromOffset int64, limit int) ([]sysdb.StreamEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.streams[streamKey{workflowID, key}]
	var out []sysdb.StreamEntry
	for _, e := range entries {
		if e.Offset < fromOffset {
			continue
		}
		cp := e
		cp.Value = bytes.Clone(e.Value)
		out = append(out, cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SendNotification appends the message, deduplicating replayed sends.
func (s *Store) SendNotification(_ context.Context, n *sysdb.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.SenderID != "" {
		dk := dedupKey{n.RecipientID, n.Topic, n.SenderID, n.SenderStep}
		if _, dup := s.dedup[dk]; dup {
			return nil
		}
		s.dedup[dk] = struct{}{}
	}
	k := noteKey{n.RecipientID, n.Topic}
	cp := *n
	cp.Payload = bytes.Clone(n.Payload)
	s.notifications[k] = append(s.notifications[k], &cp)
	s.wakeNote(k)
	return nil
}

// ConsumeNotification pops the oldest message for (recipient, topic).
func (s *Store) ConsumeNotification(_ context.Context, recipientID, topic string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := noteKey{recipientID, topic}
	queue := s.notifications[k]
	if len(queue) == 0 {
		return nil, false, nil
	}
	n := queue[0]
	s.notifications[k] = queue[1:]
	return bytes.Clone(n.Payload), true, nil
}

// Heartbeat refreshes every running row owned by the executor.
func (s *Store) Heartbeat(_ context.Context, executorID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for _, wf := range s.workflows {
		if wf.ExecutorID == executorID && wf.Status == sysdb.StatusRunning {
			hb := now
			wf.HeartbeatAt = &hb
			n++
		}
	}
	return n, nil
}

// StaleWorkflows returns running rows whose heartbeat predates cutoff.
func (s *Store) StaleWorkflows(_ context.Context, cutoff time.Time, limit int) ([]*sysdb.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*sysdb.Workflow
	for _, wf := range s.workflows {
		if wf.Status != sysdb.StatusRunning {
			continue
		}
		last := wf.CreatedAt
		if wf.StartedAt != nil {
			last = *wf.StartedAt
		}
		if wf.HeartbeatAt != nil {
			last = *wf.HeartbeatAt
		}
		if last.Before(cutoff) {
			out = append(out, cloneWorkflow(wf))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Requeue moves a running row back to enqueued and bumps the counter.
func (s *Store) Requeue(_ context.Context, id string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return 0, false, fmt.Errorf("%w: %s", sysdb.ErrWorkflowNotFound, id)
	}
	if wf.Status != sysdb.StatusRunning {
		return wf.RecoveryAttempts, false, nil
	}
	wf.Status = sysdb.StatusEnqueued
	wf.ExecutorID = ""
	wf.HeartbeatAt = nil
	wf.RecoveryAttempts++
	wf.UpdatedAt = time.Now().UTC()
	return wf.RecoveryAttempts, true, nil
}

// TryRecoveryLock takes the process-wide recovery lock.
func (s *Store) TryRecoveryLock(_ context.Context) (func(), bool, error) {
	if !s.recoveryMu.TryLock() {
		return nil, false, nil
	}
	return s.recoveryMu.Unlock, true, nil
}

// WatchStream registers a wake channel for (workflowID, key).
func (s *Store) WatchStream(_ context.Context, workflowID, key string) (<-chan struct{}, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := streamKey{workflowID, key}
	watchers, ok := s.streamWatch[k]
	if !ok {
		watchers = make(map[int]chan struct{})
		s.streamWatch[k] = watchers
	}
	id := s.nextWatch
	s.nextWatch++
	ch := make(chan struct{}, 1)
	watchers[id] = ch
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.streamWatch[k], id)
	}
	return ch, cancel, nil
}

// WatchNotifications registers a wake channel for (recipientID, topic).
func (s *Store) WatchNotifications(_ context.Context, recipientID, topic string) (<-chan struct{}, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := noteKey{recipientID, topic}
	watchers, ok := s.noteWatch[k]
	if !ok {
		watchers = make(map[int]chan struct{})
		s.noteWatch[k] = watchers
	}
	id := s.nextWatch
	s.nextWatch++
	ch := make(chan struct{}, 1)
	watchers[id] = ch
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.noteWatch[k], id)
	}
	return ch, cancel, nil
}

func (s *Store) wakeStream(k streamKey) {
	for _, ch := range s.streamWatch[k] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) wakeNote(k noteKey) {
	for _, ch := range s.noteWatch[k] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func statusIn(s sysdb.Status, set []sysdb.Status) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func cloneWorkflow(w *sysdb.Workflow) *sysdb.Workflow {
	cp := *w
	cp.Input = bytes.Clone(w.Input)
	cp.Output = bytes.Clone(w.Output)
	if w.StartedAt != nil {
		t := *w.StartedAt
		cp.StartedAt = &t
	}
	if w.HeartbeatAt != nil {
		t := *w.HeartbeatAt
		cp.HeartbeatAt = &t
	}
	return &cp
}

func cloneStep(st *sysdb.StepResult) *sysdb.StepResult {
	cp := *st
	cp.Output = bytes.Clone(st.Output)
	return &cp
}
