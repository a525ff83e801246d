package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/ai-call-dispatch/internal/repository"
)

// TranscriptStore persists call transcripts and analytics in Scylla. The
// table is partitioned by user so per-user listing stays a single-partition
// scan, with call_id lookup served by a secondary table.
type TranscriptStore struct {
	session *gocql.Session
}

// NewTranscriptStore constructs the store.
func NewTranscriptStore(session *gocql.Session) *TranscriptStore {
	return &TranscriptStore{session: session}
}

// Append writes a transcript. Writes are keyed by call id, so webhook
// redelivery overwrites the same row rather than duplicating it.
func (s *TranscriptStore) Append(ctx context.Context, t repository.Transcript) error {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	if err := s.session.Query(
		`INSERT INTO transcripts_by_user (user_id, created_at, call_id, execution_id, text, analytics)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.UserID, createdAt, t.CallID, t.ExecutionID, t.Text, t.Analytics,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("transcript store: insert by user: %w", err)
	}

	if err := s.session.Query(
		`INSERT INTO transcripts_by_call (call_id, user_id, created_at, execution_id, text, analytics)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.CallID, t.UserID, createdAt, t.ExecutionID, t.Text, t.Analytics,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("transcript store: insert by call: %w", err)
	}

	return nil
}

// GetByCall fetches the transcript for a call.
func (s *TranscriptStore) GetByCall(ctx context.Context, callID uuid.UUID) (*repository.Transcript, error) {
	var t repository.Transcript
	t.CallID = callID

	err := s.session.Query(
		`SELECT user_id, created_at, execution_id, text, analytics
		   FROM transcripts_by_call WHERE call_id = ?`, callID,
	).WithContext(ctx).Scan(&t.UserID, &t.CreatedAt, &t.ExecutionID, &t.Text, &t.Analytics)
	if err == gocql.ErrNotFound {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("transcript store: get: %w", err)
	}
	return &t, nil
}

// ListByUser pages through a user's transcripts, newest first.
func (s *TranscriptStore) ListByUser(ctx context.Context, userID string, limit int, pagingState []byte) ([]repository.Transcript, []byte, error) {
	if limit <= 0 {
		limit = 50
	}

	q := s.session.Query(
		`SELECT call_id, created_at, execution_id, text, analytics
		   FROM transcripts_by_user WHERE user_id = ? ORDER BY created_at DESC`, userID,
	).WithContext(ctx).PageSize(limit).PageState(pagingState)

	iter := q.Iter()
	var results []repository.Transcript
	var t repository.Transcript
	for iter.Scan(&t.CallID, &t.CreatedAt, &t.ExecutionID, &t.Text, &t.Analytics) {
		t.UserID = userID
		results = append(results, t)
		t = repository.Transcript{}
	}

	next := iter.PageState()
	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("transcript store: list: %w", err)
	}
	return results, next, nil
}

var _ repository.TranscriptStore = (*TranscriptStore)(nil)
