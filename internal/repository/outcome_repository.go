package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/cellscope/internal/logging"
)

// ErrNotFound is returned when no outcome matches the lookup.
var ErrNotFound = errors.New("outcome not found")

// OutcomeLog is a persisted classification outcome. The image itself is not
// stored, only its digest.
type OutcomeLog struct {
	ID           uint      `gorm:"primaryKey"`
	OutcomeID    string    `gorm:"column:outcome_id;uniqueIndex;size:64"`
	SessionID    string    `gorm:"column:session_id;index;size:64"`
	Label        string    `gorm:"column:label;size:32"`
	Confidence   float64   `gorm:"column:confidence"`
	Filename     string    `gorm:"column:filename;size:255"`
	ContentType  string    `gorm:"column:content_type;size:64"`
	SHA1Hash     string    `gorm:"column:sha1_hash;index;size:40"`
	LatencyMs    int64     `gorm:"column:latency_ms"`
	ClassifiedAt time.Time `gorm:"column:classified_at"`
}

// TableName overrides the default table name.
func (OutcomeLog) TableName() string {
	return "classification_outcomes"
}

// LabelCount is the number of outcomes per label.
type LabelCount struct {
	Label string
	Count int64
}

// Aggregation holds the raw numbers behind the metrics summary.
type Aggregation struct {
	TotalCount         int64
	AverageConfidence  float64
	AverageLatencyMs   float64
	LabelDistributions []LabelCount
}

// OutcomeRepository provides persistence APIs for classification outcomes.
type OutcomeRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	retry  logging.RetryPolicy
}

// NewOutcomeRepository creates a new repository instance.
func NewOutcomeRepository(db *gorm.DB, logger *zap.Logger) *OutcomeRepository {
	return &OutcomeRepository{
		db:     db,
		logger: logger.Named("outcome_repository"),
		retry:  logging.DefaultRetryPolicy("database", isRecordNotFound),
	}
}

// AutoMigrate ensures the schema is available.
func (r *OutcomeRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&OutcomeLog{})
}

// SaveOutcome persists an outcome entry.
func (r *OutcomeRepository) SaveOutcome(ctx context.Context, log *OutcomeLog) error {
	return r.executeWithRetry(ctx, "repository.save_outcome", log.OutcomeID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByOutcomeIDAndSession retrieves a persisted outcome produced by the given
// session. Outcomes of other sessions are reported as ErrNotFound.
func (r *OutcomeRepository) FindByOutcomeIDAndSession(ctx context.Context, outcomeID, sessionID string) (*OutcomeLog, error) {
	var log OutcomeLog
	err := r.executeWithRetry(ctx, "repository.find_outcome", outcomeID, func() error {
		return r.db.WithContext(ctx).
			Where("outcome_id = ? AND session_id = ?", outcomeID, sessionID).
			First(&log).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics computes counts and averages over all outcomes.
func (r *OutcomeRepository) AggregateMetrics(ctx context.Context) (*Aggregation, error) {
	var totals struct {
		TotalCount        int64
		AverageConfidence float64
		AverageLatencyMs  float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).Model(&OutcomeLog{}).
			Select("COUNT(*) AS total_count, COALESCE(AVG(confidence), 0) AS average_confidence, COALESCE(AVG(latency_ms), 0) AS average_latency_ms").
			Scan(&totals).Error
	})
	if err != nil {
		return nil, err
	}

	var counts []LabelCount
	err = r.executeWithRetry(ctx, "repository.label_distribution", "", func() error {
		counts = counts[:0]
		return r.db.WithContext(ctx).Model(&OutcomeLog{}).
			Select("label, COUNT(*) AS count").
			Group("label").
			Order("label").
			Scan(&counts).Error
	})
	if err != nil {
		return nil, err
	}

	return &Aggregation{
		TotalCount:         totals.TotalCount,
		AverageConfidence:  totals.AverageConfidence,
		AverageLatencyMs:   totals.AverageLatencyMs,
		LabelDistributions: counts,
	}, nil
}

func (r *OutcomeRepository) executeWithRetry(ctx context.Context, operation, subjectID string, fn func() error) error {
	return logging.Retry(ctx, r.logger, r.retry, operation, subjectID, fn)
}

func isRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
