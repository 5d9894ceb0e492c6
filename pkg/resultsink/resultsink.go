// Package resultsink persists test run records and their step results.
package resultsink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/webtestoor/pkg/config"
	"github.com/ethpandaops/webtestoor/pkg/testrun"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when updating a run that does not exist.
	ErrNotFound = errors.New("run not found")

	// ErrInvalidTransition is returned when a status change is not allowed
	// from the run's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Filter narrows ListRuns.
type Filter struct {
	ProjectID string
	Status    testrun.Status
	Limit     int
}

// Outcome is the terminal state written by Finalize.
type Outcome struct {
	Status  testrun.Status
	Reason  testrun.Reason
	Error   string
	Results []testrun.StepResult
}

// Sink is the durable store of run records.
type Sink interface {
	Start(ctx context.Context) error
	Stop() error

	// CreateRun inserts a new run record.
	CreateRun(ctx context.Context, run *testrun.TestRun) error

	// GetRun returns a run. Returns (nil, nil) when it does not exist.
	GetRun(ctx context.Context, id string) (*testrun.TestRun, error)

	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, filter Filter) ([]testrun.TestRun, error)

	// UpdateStatus moves a run to a non-terminal status.
	UpdateStatus(ctx context.Context, id string, status testrun.Status, reason testrun.Reason) error

	// SaveProgress records partial results and the current step.
	SaveProgress(ctx context.Context, id string, progress testrun.Progress, results []testrun.StepResult) error

	// Finalize moves a run to a terminal status with its final results.
	Finalize(ctx context.Context, id string, outcome Outcome) error
}

// Compile-time interface check.
var _ Sink = (*sink)(nil)

type sink struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
	now func() time.Time
}

// NewSink creates a Sink backed by the configured database driver.
func NewSink(log logrus.FieldLogger, cfg *config.DatabaseConfig) Sink {
	return &sink{
		log: log.WithField("component", "resultsink"),
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Start opens the database connection and runs migrations.
func (s *sink) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		// A single connection keeps ":memory:" databases shared and
		// serializes writers.
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.WithContext(ctx).AutoMigrate(&Run{}); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.db = db

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *sink) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *sink) CreateRun(ctx context.Context, run *testrun.TestRun) error {
	if run.Status == "" {
		run.Status = testrun.StatusPending
	}

	if run.Results.Steps == nil {
		run.Results.Steps = []testrun.StepResult{}
	}

	run.Results.Summary = testrun.Summarize(run.Results.Steps, run.TotalSteps)

	row, err := newRunRow(run)
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	run.CreatedAt = row.CreatedAt
	run.UpdatedAt = row.UpdatedAt

	return nil
}

func (s *sink) GetRun(ctx context.Context, id string) (*testrun.TestRun, error) {
	var row Run

	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}

	return row.toTestRun()
}

func (s *sink) ListRuns(ctx context.Context, filter Filter) ([]testrun.TestRun, error) {
	q := s.db.WithContext(ctx).Model(&Run{})

	if filter.ProjectID != "" {
		q = q.Where("project_id = ?", filter.ProjectID)
	}

	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}

	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []Run
	if err := q.Order("created_at DESC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	runs := make([]testrun.TestRun, 0, len(rows))

	for i := range rows {
		r, err := rows[i].toTestRun()
		if err != nil {
			return nil, err
		}

		runs = append(runs, *r)
	}

	return runs, nil
}

func (s *sink) UpdateStatus(
	ctx context.Context, id string, status testrun.Status, reason testrun.Reason,
) error {
	if status.IsTerminal() {
		return fmt.Errorf("%w: use Finalize for %s", ErrInvalidTransition, status)
	}

	return s.transition(ctx, id, status, func(row *Run, updates map[string]any) error {
		updates["reason"] = string(reason)

		if status == testrun.StatusRunning && row.StartedAt == nil {
			updates["started_at"] = s.now()
		}

		return nil
	})
}

func (s *sink) SaveProgress(
	ctx context.Context, id string, progress testrun.Progress, results []testrun.StepResult,
) error {
	encoded, err := encodeResults(results, progress.Total)
	if err != nil {
		return err
	}

	res := s.db.WithContext(ctx).Model(&Run{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"results":           encoded,
			"current_step":      progress.Current,
			"current_step_name": progress.CurrentStepName,
			"total_steps":       progress.Total,
			"updated_at":        s.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("saving progress: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *sink) Finalize(ctx context.Context, id string, outcome Outcome) error {
	if !outcome.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, outcome.Status)
	}

	return s.transition(ctx, id, outcome.Status, func(row *Run, updates map[string]any) error {
		results := outcome.Results
		if results == nil {
			// Keep the progress already recorded.
			current, err := decodeResults(row.Results)
			if err != nil {
				return err
			}

			results = current.Steps
		}

		encoded, err := encodeResults(results, row.TotalSteps)
		if err != nil {
			return err
		}

		now := s.now()

		updates["reason"] = string(outcome.Reason)
		updates["error"] = outcome.Error
		updates["results"] = encoded
		updates["completed_at"] = now
		updates["current_step"] = len(results)
		updates["current_step_name"] = ""

		if row.StartedAt == nil {
			updates["started_at"] = now
		}

		return nil
	})
}

// transition applies a status change after checking it against the run's
// current status. Same-status updates are allowed for non-terminal states.
func (s *sink) transition(
	ctx context.Context,
	id string,
	status testrun.Status,
	fill func(row *Run, updates map[string]any) error,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row Run

		err := tx.Where("id = ?", id).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}

		if err != nil {
			return fmt.Errorf("loading run: %w", err)
		}

		from := testrun.Status(row.Status)
		if !(from == status && !from.IsTerminal()) && !testrun.CanTransition(from, status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
		}

		updates := map[string]any{
			"status":     string(status),
			"updated_at": s.now(),
		}

		if err := fill(&row, updates); err != nil {
			return err
		}

		if err := tx.Model(&Run{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fmt.Errorf("updating run: %w", err)
		}

		return nil
	})
}
