// Package storage keeps a history of finished analysis runs in a NATS KV
// bucket so past reports survive restarts and can be inspected later.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/semwatch/report"
)

// DefaultBucket is the KV bucket holding run records.
const DefaultBucket = "SEMWATCH_RUNS"

// DefaultLimit is how many runs are kept when no limit is given.
const DefaultLimit = 50

// ErrNotFound is returned when a run is not in the history.
var ErrNotFound = errors.New("run not found")

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeReport Outcome = "report"
	OutcomeFailed Outcome = "failed"
)

// Record is one finished run.
type Record struct {
	RunID      string         `json:"runId"`
	Outcome    Outcome        `json:"outcome"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	FinishedAt time.Time      `json:"finishedAt"`
	Report     *report.Report `json:"report,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// KeyValue is the part of jetstream.KeyValue the history uses.
type KeyValue interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
	Keys(ctx context.Context, opts ...jetstream.WatchOpt) ([]string, error)
}

// History stores run records, keeping at most limit of them.
type History struct {
	kv     KeyValue
	limit  int
	logger *slog.Logger
}

// NewHistory wraps an existing bucket.
func NewHistory(kv KeyValue, limit int, logger *slog.Logger) *History {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &History{kv: kv, limit: limit, logger: logger}
}

// OpenHistory opens the bucket, creating it if it doesn't exist.
func OpenHistory(ctx context.Context, js jetstream.JetStream, bucket string, limit int, logger *slog.Logger) (*History, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	kv, err := getOrCreateBucket(ctx, js, bucket)
	if err != nil {
		return nil, fmt.Errorf("open history bucket %s: %w", bucket, err)
	}
	return NewHistory(kv, limit, logger), nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, err
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("semwatch %s run history", strings.ToLower(name)),
		History:     1,
	})
}

// Record stores rec and drops the oldest runs beyond the limit.
func (h *History) Record(ctx context.Context, rec Record) error {
	if rec.RunID == "" {
		return fmt.Errorf("record run: empty run id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", rec.RunID, err)
	}
	if _, err := h.kv.Put(ctx, rec.RunID, data); err != nil {
		return fmt.Errorf("store run %s: %w", rec.RunID, err)
	}
	return h.prune(ctx)
}

// Get returns the record for runID.
func (h *History) Get(ctx context.Context, runID string) (*Record, error) {
	entry, err := h.kv.Get(ctx, runID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}

	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal run %s: %w", runID, err)
	}
	return &rec, nil
}

// List returns every stored run, newest first.
func (h *History) List(ctx context.Context) ([]Record, error) {
	keys, err := h.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("list run keys: %w", err)
	}

	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		rec, err := h.Get(ctx, key)
		if err != nil {
			// Deleted between Keys and Get, or unreadable.
			h.logger.Debug("Skipping run record", "run_id", key, "error", err)
			continue
		}
		records = append(records, *rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].FinishedAt.After(records[j].FinishedAt)
	})
	return records, nil
}

func (h *History) prune(ctx context.Context) error {
	records, err := h.List(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records[min(h.limit, len(records)):] {
		if err := h.kv.Delete(ctx, rec.RunID); err != nil && !isNotFound(err) {
			return fmt.Errorf("prune run %s: %w", rec.RunID, err)
		}
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted)
}
