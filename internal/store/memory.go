package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CampaignPipe/internal/models"
	"github.com/BTreeMap/CampaignPipe/internal/util"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps everything in process memory. It is used for tests and
// for running without a database.
type InMemoryStore struct {
	mu          sync.Mutex
	now         func() time.Time
	sessions    map[string]*models.WorkflowSession
	checkpoints map[string][]models.WorkflowCheckpoint
	nextCPID    int64
	usage       map[string]int
	telemetry   []models.TelemetryRecord
	outbox      map[string]*OutboxMessage
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	cfg := applyOpts(opts)
	return &InMemoryStore{
		now:         cfg.Now,
		sessions:    make(map[string]*models.WorkflowSession),
		checkpoints: make(map[string][]models.WorkflowCheckpoint),
		usage:       make(map[string]int),
		outbox:      make(map[string]*OutboxMessage),
	}
}

func copySession(s *models.WorkflowSession) *models.WorkflowSession {
	c := *s
	c.Context = maps.Clone(s.Context)
	if c.Context == nil {
		c.Context = map[string]any{}
	}
	if s.SelectedTemplateID != nil {
		v := *s.SelectedTemplateID
		c.SelectedTemplateID = &v
	}
	if s.RecipientStats != nil {
		v := *s.RecipientStats
		c.RecipientStats = &v
	}
	if s.Summary != nil {
		v := *s.Summary
		c.Summary = &v
	}
	return &c
}

func (s *InMemoryStore) GetSession(_ context.Context, userID, conversationID string) (*models.WorkflowSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.WorkflowSession
	for _, sess := range s.sessions {
		if sess.UserID != userID || sess.ConversationID != conversationID {
			continue
		}
		if best == nil || sess.UpdatedAt.After(best.UpdatedAt) {
			best = sess
		}
	}
	if best == nil {
		return nil, nil
	}
	return copySession(best), nil
}

func (s *InMemoryStore) LatestSession(_ context.Context, userID string, since time.Time) (*models.WorkflowSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.WorkflowSession
	for _, sess := range s.sessions {
		if sess.UserID != userID || sess.UpdatedAt.Before(since) {
			continue
		}
		if best == nil || sess.UpdatedAt.After(best.UpdatedAt) {
			best = sess
		}
	}
	if best == nil {
		return nil, nil
	}
	return copySession(best), nil
}

func (s *InMemoryStore) ListCheckpoints(_ context.Context, sessionID string) ([]models.WorkflowCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.WorkflowCheckpoint(nil), s.checkpoints[sessionID]...), nil
}

func (s *InMemoryStore) CommitTurn(_ context.Context, commit TurnCommit) error {
	if commit.Session == nil {
		return fmt.Errorf("commit without session")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	sess := commit.Session
	stored, exists := s.sessions[sess.SessionID]
	switch {
	case sess.Version == 0 && exists:
		return models.ErrSessionVersionConflict
	case sess.Version != 0 && (!exists || stored.Version != sess.Version):
		return models.ErrSessionVersionConflict
	}

	saved := copySession(sess)
	saved.Version = sess.Version + 1
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = now
	}
	if saved.UpdatedAt.IsZero() {
		saved.UpdatedAt = now
	}
	if exists {
		saved.CreatedAt = stored.CreatedAt
	}

	if commit.Handoff != nil {
		body, err := marshalHandoff(commit.Handoff)
		if err != nil {
			return err
		}
		var notBefore time.Time
		if commit.Handoff.ScheduleAt != nil {
			notBefore = *commit.Handoff.ScheduleAt
		}
		s.enqueueLocked(commit.Handoff.UserID, HandoffKind, body, commit.Handoff.CampaignID, notBefore, now)
	}

	s.nextCPID++
	cp := commit.Checkpoint
	cp.ID = s.nextCPID
	cp.SessionID = sess.SessionID
	cp.Payload = maps.Clone(cp.Payload)
	cp.CreatedAt = now
	s.checkpoints[sess.SessionID] = append(s.checkpoints[sess.SessionID], cp)

	s.sessions[sess.SessionID] = saved
	sess.Version = saved.Version
	return nil
}

func (s *InMemoryStore) GetUsage(_ context.Context, bucketKey, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[bucketKey+"\x00"+userID], nil
}

func (s *InMemoryStore) IncrementUsage(_ context.Context, bucketKey, userID string, delta int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bucketKey + "\x00" + userID
	s.usage[key] += delta
	return s.usage[key], nil
}

func (s *InMemoryStore) RecordTelemetry(_ context.Context, rec models.TelemetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	s.telemetry = append(s.telemetry, rec)
	return nil
}

func (s *InMemoryStore) TelemetryStats(_ context.Context, since time.Time) (models.TelemetryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats models.TelemetryStats
	var latency int64
	for _, rec := range s.telemetry {
		if rec.CreatedAt.Before(since) {
			continue
		}
		stats.TotalRequests++
		if rec.Status == models.TelemetryStatusError {
			stats.FailedRequests++
		}
		latency += rec.LatencyMs
	}
	if stats.TotalRequests > 0 {
		stats.AvgLatencyMs = float64(latency) / float64(stats.TotalRequests)
	}
	return stats, nil
}

func (s *InMemoryStore) PruneTelemetry(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.telemetry[:0]
	for _, rec := range s.telemetry {
		if !rec.CreatedAt.Before(before) {
			kept = append(kept, rec)
		}
	}
	n := len(s.telemetry) - len(kept)
	s.telemetry = kept
	return n, nil
}

// Telemetry returns a copy of every stored telemetry record.
func (s *InMemoryStore) Telemetry() []models.TelemetryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TelemetryRecord(nil), s.telemetry...)
}

func (s *InMemoryStore) EnqueueOutboxMessage(_ context.Context, userID, kind, payloadJSON, dedupeKey string, notBefore time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(userID, kind, payloadJSON, dedupeKey, notBefore, s.now().UTC()), nil
}

func (s *InMemoryStore) enqueueLocked(userID, kind, payloadJSON, dedupeKey string, notBefore, now time.Time) string {
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusCanceled {
				return m.ID
			}
		}
	}
	m := &OutboxMessage{
		ID:          util.GenerateRandomID("outbox_", 32),
		UserID:      userID,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if !notBefore.IsZero() {
		t := notBefore.UTC()
		m.NextAttemptAt = &t
	}
	s.outbox[m.ID] = m
	return m.ID
}

func (s *InMemoryStore) ClaimDueOutboxMessages(_ context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s not found", id)
	}
	m.Status = OutboxStatusSent
	m.LockedAt = nil
	m.UpdatedAt = s.now().UTC()
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(_ context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s not found", id)
	}
	m.Attempts++
	m.LastError = errMsg
	m.LockedAt = nil
	m.UpdatedAt = s.now().UTC()
	if nextAttemptAt.IsZero() {
		m.Status = OutboxStatusFailed
		m.NextAttemptAt = nil
		return nil
	}
	m.Status = OutboxStatusQueued
	m.NextAttemptAt = &nextAttemptAt
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// OutboxMessages returns a snapshot of the outbox, oldest first.
func (s *InMemoryStore) OutboxMessages() []OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboxMessage, 0, len(s.outbox))
	for _, m := range s.outbox {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }
