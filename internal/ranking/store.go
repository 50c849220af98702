// Package ranking is the append-only store of finished runs and the rank
// each one earned against the history before it.
package ranking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/signalnine/pinchbench/internal/ctxlog"
)

var (
	ErrNotFound     = errors.New("submission not found")
	ErrDuplicateRun = errors.New("run already submitted")
	ErrNoTasks      = errors.New("submission has no task results")
)

// AggregationError means a submission could not be recorded. Nothing about
// the run is lost; the same results can be submitted again.
type AggregationError struct {
	RunID string
	Err   error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("submitting run %s: %v", e.RunID, e.Err)
}

func (e *AggregationError) Unwrap() error { return e.Err }

type TaskScore struct {
	TaskID      string             `json:"task_id"`
	GradingType string             `json:"grading_type"`
	Status      string             `json:"status"`
	Aggregate   float64            `json:"aggregate"`
	Criteria    map[string]float64 `json:"criteria"`
	Notes       []string           `json:"notes,omitempty"`
}

// Submission is a run's finished result. Aggregate, Rank, ID and
// PersistedAt are assigned by Submit.
type Submission struct {
	ID          string      `json:"id"`
	RunID       string      `json:"run_id"`
	Model       string      `json:"model"`
	Suite       string      `json:"suite,omitempty"`
	Tasks       []TaskScore `json:"tasks,omitempty"`
	Aggregate   float64     `json:"aggregate"`
	Rank        int         `json:"rank"`
	PersistedAt time.Time   `json:"persisted_at"`
}

// RunAggregate is the arithmetic mean of the task aggregates.
func RunAggregate(tasks []TaskScore) float64 {
	if len(tasks) == 0 {
		return 0
	}
	var sum float64
	for _, t := range tasks {
		sum += t.Aggregate
	}
	return sum / float64(len(tasks))
}

// Store is safe for concurrent use; submissions are serialized so that the
// rank count and the insert are atomic with respect to each other.
type Store struct {
	db *gorm.DB
	mu sync.Mutex
}

// Open connects to driver ("sqlite" or "postgres") and brings the schema up
// to date.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
				return nil, fmt.Errorf("creating store dir: %w", err)
			}
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", driver, err)
	}
	if dialector.Name() == "sqlite" {
		// One connection: an in-memory database exists per connection, and
		// sqlite allows a single writer anyway.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(ctx, db)
}

// New wraps an existing connection and migrates it.
func New(ctx context.Context, db *gorm.DB) (*Store, error) {
	if err := migrator(db.WithContext(ctx)).Migrate(); err != nil {
		return nil, fmt.Errorf("migrating ranking store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Submit appends sub to the history and returns it with its aggregate and
// rank: 1 + the number of stored submissions with a strictly greater
// aggregate. Equal aggregates share a rank.
func (s *Store) Submit(ctx context.Context, sub Submission) (*Submission, error) {
	fail := func(err error) (*Submission, error) {
		return nil, &AggregationError{RunID: sub.RunID, Err: err}
	}
	if sub.RunID == "" {
		return fail(errors.New("missing run id"))
	}
	if len(sub.Tasks) == 0 {
		return fail(ErrNoTasks)
	}

	sub.ID = uuid.NewString()
	sub.Aggregate = RunAggregate(sub.Tasks)
	sub.PersistedAt = time.Now().UTC()
	rec, err := toRecord(sub)
	if err != nil {
		return fail(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if tx.Dialector.Name() == "postgres" {
			// Serialize against submitters in other processes too.
			if err := tx.Exec("LOCK TABLE submission_records IN SHARE ROW EXCLUSIVE MODE").Error; err != nil {
				return fmt.Errorf("locking submissions: %w", err)
			}
		}
		var existing int64
		if err := tx.Model(&SubmissionRecord{}).Where("run_id = ?", sub.RunID).Count(&existing).Error; err != nil {
			return fmt.Errorf("checking for duplicate run: %w", err)
		}
		if existing > 0 {
			return ErrDuplicateRun
		}
		var better int64
		if err := tx.Model(&SubmissionRecord{}).Where("aggregate > ?", sub.Aggregate).Count(&better).Error; err != nil {
			return fmt.Errorf("computing rank: %w", err)
		}
		rec.Rank = int(better) + 1
		if err := tx.Create(rec).Error; err != nil {
			return fmt.Errorf("inserting submission: %w", err)
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}
	sub.Rank = rec.Rank
	// Callers attach run_id to the context logger.
	ctxlog.FromContext(ctx).Info("run submitted", "submission_id", sub.ID, "aggregate", sub.Aggregate, "rank", sub.Rank)
	return &sub, nil
}

// Get returns the submission for runID, with its task scores ordered by
// task id.
func (s *Store) Get(ctx context.Context, runID string) (*Submission, error) {
	var rec SubmissionRecord
	err := s.db.WithContext(ctx).Preload("Tasks", func(db *gorm.DB) *gorm.DB {
		return db.Order("task_id")
	}).Where("run_id = ?", runID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	return fromRecord(&rec)
}

// Leaderboard lists up to limit submissions (all when limit <= 0), best
// first. Ties are broken by submission time, earlier first, then by run id.
// Rank is recomputed against the whole history, so it may be worse than the
// rank recorded at submission time.
func (s *Store) Leaderboard(ctx context.Context, limit int) ([]Submission, error) {
	q := s.db.WithContext(ctx).Order("aggregate DESC").Order("persisted_at ASC").Order("run_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []SubmissionRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("loading leaderboard: %w", err)
	}
	out := make([]Submission, 0, len(recs))
	for i := range recs {
		sub, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		// Ordering is by aggregate, so the first row with this aggregate
		// holds the shared rank.
		if i > 0 && recs[i].Aggregate == recs[i-1].Aggregate {
			sub.Rank = out[i-1].Rank
		} else {
			sub.Rank = i + 1
		}
		out = append(out, *sub)
	}
	return out, nil
}

func toRecord(sub Submission) (*SubmissionRecord, error) {
	id, err := uuid.Parse(sub.ID)
	if err != nil {
		return nil, err
	}
	rec := &SubmissionRecord{
		Id:          id,
		RunId:       sub.RunID,
		Model:       sub.Model,
		Suite:       sub.Suite,
		Aggregate:   sub.Aggregate,
		PersistedAt: sub.PersistedAt,
	}
	seen := make(map[string]bool, len(sub.Tasks))
	for _, t := range sub.Tasks {
		if seen[t.TaskID] {
			return nil, fmt.Errorf("task %s appears twice", t.TaskID)
		}
		seen[t.TaskID] = true
		criteria := t.Criteria
		if criteria == nil {
			criteria = map[string]float64{}
		}
		c, err := json.Marshal(criteria)
		if err != nil {
			return nil, fmt.Errorf("encoding criteria for %s: %w", t.TaskID, err)
		}
		var notes []byte
		if len(t.Notes) > 0 {
			if notes, err = json.Marshal(t.Notes); err != nil {
				return nil, fmt.Errorf("encoding notes for %s: %w", t.TaskID, err)
			}
		}
		rec.Tasks = append(rec.Tasks, TaskScoreRecord{
			SubmissionId: id,
			TaskId:       t.TaskID,
			GradingType:  t.GradingType,
			Status:       t.Status,
			Aggregate:    t.Aggregate,
			Criteria:     c,
			Notes:        notes,
		})
	}
	return rec, nil
}

func fromRecord(rec *SubmissionRecord) (*Submission, error) {
	sub := &Submission{
		ID:          rec.Id.String(),
		RunID:       rec.RunId,
		Model:       rec.Model,
		Suite:       rec.Suite,
		Aggregate:   rec.Aggregate,
		Rank:        rec.Rank,
		PersistedAt: rec.PersistedAt.UTC(),
	}
	for _, t := range rec.Tasks {
		ts := TaskScore{
			TaskID:      t.TaskId,
			GradingType: t.GradingType,
			Status:      t.Status,
			Aggregate:   t.Aggregate,
		}
		if err := json.Unmarshal(t.Criteria, &ts.Criteria); err != nil {
			return nil, fmt.Errorf("decoding criteria for %s: %w", t.TaskId, err)
		}
		if len(t.Notes) > 0 {
			if err := json.Unmarshal(t.Notes, &ts.Notes); err != nil {
				return nil, fmt.Errorf("decoding notes for %s: %w", t.TaskId, err)
			}
		}
		sub.Tasks = append(sub.Tasks, ts)
	}
	return sub, nil
}
