// Package sqlstore implements storage.Store on MySQL through gorm. Each
// record type maps to one table holding indexed filter columns plus the full
// record as a JSON document.
package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ChuLiYu/download-queue/internal/storage"
	"github.com/ChuLiYu/download-queue/pkg/types"
)

// Options tunes the connection pool.
type Options struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	Logger          *zap.Logger
}

// Store is a gorm backed storage.Store.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

var _ storage.Store = (*Store)(nil)

// Open connects to MySQL, configures the pool and migrates the schema.
func Open(dsn string, opts Options) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Warn),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying sql.DB: %w", err)
	}
	if opts.MaxIdleConns == 0 {
		opts.MaxIdleConns = 10
	}
	if opts.MaxOpenConns == 0 {
		opts.MaxOpenConns = 50
	}
	if opts.ConnMaxLifetime == 0 {
		opts.ConnMaxLifetime = time.Hour
	}
	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)

	s := New(db, opts.Logger)
	if err := s.Migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing gorm handle without migrating.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, log: logger.Named("sqlstore")}
}

// Migrate creates or updates the tables.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&jobRow{}, &deadLetterRow{}, &blockedSourceRow{}, &metricRow{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func upsert() clause.OnConflict {
	return clause.OnConflict{UpdateAll: true}
}

func notFound(err error, what string, id any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %v: %w", what, id, storage.ErrNotFound)
	}
	return fmt.Errorf("get %s %v: %w", what, id, err)
}

// ============================================================================
// Jobs
// ============================================================================

func (s *Store) SaveJob(ctx context.Context, job *types.Job) error {
	row, err := toJobRow(job)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Clauses(upsert()).Create(row).Error; err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id types.JobID) (*types.Job, error) {
	var row jobRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", string(id)).Error; err != nil {
		return nil, notFound(err, "job", id)
	}
	return row.toJob()
}

func (s *Store) ListJobs(ctx context.Context, filter types.JobFilter) ([]*types.Job, error) {
	q := s.db.WithContext(ctx).Model(&jobRow{})
	if len(filter.Kinds) > 0 {
		q = q.Where("kind IN ?", filter.Kinds)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	q = q.Order("requested_at ASC").Order("id ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var rows []jobRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]*types.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *Store) DeleteJob(ctx context.Context, id types.JobID) error {
	res := s.db.WithContext(ctx).Delete(&jobRow{}, "id = ?", string(id))
	if res.Error != nil {
		return fmt.Errorf("delete job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ============================================================================
// Dead letters
// ============================================================================

func (s *Store) SaveDeadLetter(ctx context.Context, item *types.DeadLetterItem) error {
	row, err := toDeadLetterRow(item)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Clauses(upsert()).Create(row).Error; err != nil {
		return fmt.Errorf("save dead letter %s: %w", item.ID, err)
	}
	return nil
}

func (s *Store) GetDeadLetter(ctx context.Context, id string) (*types.DeadLetterItem, error) {
	var row deadLetterRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "dead letter", id)
	}
	return row.toItem()
}

func (s *Store) ListDeadLetters(ctx context.Context, filter types.DeadLetterFilter) ([]*types.DeadLetterItem, error) {
	q := s.db.WithContext(ctx).Model(&deadLetterRow{})
	if len(filter.Kinds) > 0 {
		q = q.Where("kind IN ?", filter.Kinds)
	}
	if len(filter.ErrorTypes) > 0 {
		q = q.Where("error_type IN ?", filter.ErrorTypes)
	}
	if filter.RetryableOnly {
		q = q.Where("can_retry = ?", true)
	}

	var rows []deadLetterRow
	if err := q.Order("created_at ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]*types.DeadLetterItem, 0, len(rows))
	for i := range rows {
		item, err := rows[i].toItem()
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *Store) DeleteDeadLetter(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&deadLetterRow{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete dead letter %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("dead letter %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ============================================================================
// Blocked sources
// ============================================================================

func (s *Store) SaveBlockedSource(ctx context.Context, src *types.BlockedSource) error {
	if src == nil || src.SourceID == "" {
		return fmt.Errorf("save blocked source: missing id")
	}
	row := toBlockedSourceRow(src)
	if err := s.db.WithContext(ctx).Clauses(upsert()).Create(row).Error; err != nil {
		return fmt.Errorf("save blocked source %s: %w", src.SourceID, err)
	}
	return nil
}

func (s *Store) GetBlockedSource(ctx context.Context, sourceID string) (*types.BlockedSource, error) {
	var row blockedSourceRow
	if err := s.db.WithContext(ctx).First(&row, "source_id = ?", sourceID).Error; err != nil {
		return nil, notFound(err, "blocked source", sourceID)
	}
	return row.toSource(), nil
}

func (s *Store) ListBlockedSources(ctx context.Context) ([]*types.BlockedSource, error) {
	var rows []blockedSourceRow
	if err := s.db.WithContext(ctx).Order("source_id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list blocked sources: %w", err)
	}
	out := make([]*types.BlockedSource, len(rows))
	for i := range rows {
		out[i] = rows[i].toSource()
	}
	return out, nil
}

func (s *Store) DeleteBlockedSource(ctx context.Context, sourceID string) error {
	res := s.db.WithContext(ctx).Delete(&blockedSourceRow{}, "source_id = ?", sourceID)
	if res.Error != nil {
		return fmt.Errorf("delete blocked source %s: %w", sourceID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("blocked source %s: %w", sourceID, storage.ErrNotFound)
	}
	return nil
}

// ============================================================================
// Metrics
// ============================================================================

func (s *Store) RecordMetric(ctx context.Context, m types.Metric) error {
	values, err := json.Marshal(m.Values)
	if err != nil {
		return fmt.Errorf("encode metric: %w", err)
	}
	row := &metricRow{Name: m.Name, At: m.At, Values: string(values)}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("record metric %s: %w", m.Name, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
