package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mcpkit/compose-go/mcp"
	"github.com/mcpkit/compose-go/storage"
)

// retentionBuffer extends the stored record's lifetime past the advertised
// result TTL so that a client polling right at the TTL boundary still gets a
// terminal status instead of a not-found.
const retentionBuffer = 15 * time.Minute

const taskKeyPrefix = "task:"

// Record is the persisted state of one task. It lives in session-scoped
// storage so listing and polling are naturally limited to the submitting
// session.
type Record struct {
	TaskID        string          `json:"task_id"`
	SessionID     string          `json:"session_id"`
	UserID        string          `json:"user_id,omitempty"`
	Kind          string          `json:"kind"`
	FnKey         string          `json:"fn_key"`
	Status        mcp.TaskStatus  `json:"status"`
	StatusMessage string          `json:"status_message,omitempty"`
	Args          json.RawMessage `json:"args,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	TTL           time.Duration   `json:"ttl"`
	PollInterval  time.Duration   `json:"poll_interval"`
}

// Wire converts the record to its protocol representation.
func (r *Record) Wire() mcp.Task {
	return mcp.Task{
		TaskID:        r.TaskID,
		Status:        r.Status,
		StatusMessage: r.StatusMessage,
		CreatedAt:     r.CreatedAt.UTC().Format(time.RFC3339),
		TTL:           r.TTL.Milliseconds(),
		PollInterval:  r.PollInterval.Milliseconds(),
	}
}

// Store persists task records in session-scoped storage.
type Store struct {
	kv storage.Storage
}

// NewStore wraps a storage backend as a task record store.
func NewStore(kv storage.Storage) *Store {
	return &Store{kv: kv}
}

func taskKey(taskID string) string { return taskKeyPrefix + taskID }

// Put writes the record, refreshing its storage TTL to the remaining
// retention window (result TTL plus buffer, counted from creation).
func (s *Store) Put(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode task record: %w", err)
	}
	ttl := time.Until(rec.CreatedAt.Add(rec.TTL + retentionBuffer))
	if ttl < time.Second {
		ttl = time.Second
	}
	return s.kv.Set(ctx, taskKey(rec.TaskID), data,
		storage.WithUserSession(rec.UserID, rec.SessionID),
		storage.WithTTL(ttl),
	)
}

// Get loads one record. Unknown or expired ids yield ErrTaskNotFound.
func (s *Store) Get(ctx context.Context, userID, sessionID, taskID string) (*Record, error) {
	item, err := s.kv.Get(ctx, taskKey(taskID), storage.WithUserSession(userID, sessionID))
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, ErrTaskNotFound
	}
	var rec Record
	if err := json.Unmarshal(item.Data, &rec); err != nil {
		return nil, fmt.Errorf("decode task record: %w", err)
	}
	return &rec, nil
}

// List returns the session's records ordered by creation time (ties broken
// by id) so cursor paging is stable.
func (s *Store) List(ctx context.Context, userID, sessionID string) ([]*Record, error) {
	keys, err := s.kv.List(ctx, storage.WithUserSession(userID, sessionID))
	if err != nil {
		return nil, err
	}
	recs := make([]*Record, 0, len(keys))
	for _, key := range keys {
		if !strings.HasPrefix(key, taskKeyPrefix) {
			continue
		}
		rec, err := s.Get(ctx, userID, sessionID, strings.TrimPrefix(key, taskKeyPrefix))
		if err != nil {
			if err == ErrTaskNotFound {
				// Expired between List and Get.
				continue
			}
			return nil, err
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].TaskID < recs[j].TaskID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return recs, nil
}

// Delete removes one record. Deleting an unknown id is not an error.
func (s *Store) Delete(ctx context.Context, userID, sessionID, taskID string) error {
	return s.kv.Delete(ctx,
		storage.WithUserSession(userID, sessionID),
		storage.WithKey(taskKey(taskID)),
	)
}
