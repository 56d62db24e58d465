// Package history keeps an optional audit trail of classification outcomes so
// they can be reopened for printing and summarised.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/cellscope/internal/classifier"
	"github.com/example/cellscope/internal/intake"
	"github.com/example/cellscope/internal/logging"
	"github.com/example/cellscope/internal/repository"
)

// ErrNotFound is returned when an outcome is neither cached nor persisted.
var ErrNotFound = errors.New("outcome not found")

// Repository defines the persistence operations needed by the service.
type Repository interface {
	SaveOutcome(ctx context.Context, log *repository.OutcomeLog) error
	FindByOutcomeIDAndSession(ctx context.Context, outcomeID, sessionID string) (*repository.OutcomeLog, error)
	AggregateMetrics(ctx context.Context) (*repository.Aggregation, error)
}

// Record is one completed classification.
type Record struct {
	SessionID string
	Asset     *intake.ImageAsset
	Outcome   *classifier.Outcome
	Latency   time.Duration
}

// Entry is an outcome as served for printing or export. SourceImage is only
// available while the cached copy lives.
type Entry struct {
	OutcomeID       string    `json:"outcome_id"`
	SessionID       string    `json:"session_id"`
	Label           string    `json:"label"`
	Description     string    `json:"description"`
	Confidence      float64   `json:"confidence"`
	ConfidenceLevel string    `json:"confidence_level"`
	Filename        string    `json:"filename"`
	SHA1Hash        string    `json:"sha1_hash"`
	SourceImage     string    `json:"source_image,omitempty"`
	ClassifiedAt    time.Time `json:"classified_at"`
}

// Service writes outcomes to the repository and cache and reads them back.
// Either backend may be nil.
type Service struct {
	repo     Repository
	cache    Cache
	cacheTTL time.Duration
	logger   *zap.Logger
	retry    logging.RetryPolicy
}

// NewService constructs a new history service.
func NewService(repo Repository, cache Cache, cacheTTL time.Duration, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   logger.Named("history"),
		retry:    logging.DefaultRetryPolicy("redis", isCacheMiss),
	}
}

func isCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}

// Record persists and caches a completed classification.
func (s *Service) Record(ctx context.Context, rec Record) error {
	if rec.Outcome == nil || rec.Asset == nil {
		return errors.New("history: record requires an outcome and an asset")
	}
	outcomeID := rec.Outcome.ID
	opLogger := logging.WithOperation(s.logger, "history.record", rec.SessionID)

	if s.repo != nil {
		log := &repository.OutcomeLog{
			OutcomeID:    outcomeID,
			SessionID:    rec.SessionID,
			Label:        string(rec.Outcome.Label),
			Confidence:   rec.Outcome.Confidence,
			Filename:     rec.Asset.Filename,
			ContentType:  rec.Asset.ContentType,
			SHA1Hash:     rec.Asset.SHA1,
			LatencyMs:    rec.Latency.Milliseconds(),
			ClassifiedAt: rec.Outcome.ClassifiedAt,
		}
		if err := s.repo.SaveOutcome(ctx, log); err != nil {
			wrapped := logging.NewOperationError("history.save_outcome", outcomeID, err)
			opLogger.Error("failed to persist outcome", zap.Error(wrapped))
			return wrapped
		}
	}

	if s.cache != nil {
		entry := Entry{
			OutcomeID:       outcomeID,
			SessionID:       rec.SessionID,
			Label:           string(rec.Outcome.Label),
			Description:     rec.Outcome.Label.Description(),
			Confidence:      rec.Outcome.Confidence,
			ConfidenceLevel: rec.Outcome.ConfidenceLevel(),
			Filename:        rec.Asset.Filename,
			SHA1Hash:        rec.Asset.SHA1,
			SourceImage:     rec.Outcome.SourceImage,
			ClassifiedAt:    rec.Outcome.ClassifiedAt,
		}
		serialized, err := json.Marshal(entry)
		if err != nil {
			opLogger.Error("failed to serialize outcome", zap.Error(err))
			return err
		}
		if err := logging.Retry(ctx, s.logger, s.retry, "cache.set.outcome", outcomeID, func() error {
			return s.cache.Set(ctx, outcomeID, serialized, s.cacheTTL)
		}); err != nil {
			opLogger.Error("failed to cache outcome", zap.Error(err))
			return err
		}
	}
	return nil
}

// Get returns the outcome if it was produced by sessionID. Outcomes of other
// sessions are reported as ErrNotFound, the same as unknown ids. The cached
// copy is preferred since it still carries the source image.
func (s *Service) Get(ctx context.Context, sessionID, outcomeID string) (*Entry, error) {
	if sessionID == "" {
		return nil, ErrNotFound
	}
	opLogger := logging.WithOperation(s.logger, "history.get", sessionID)

	if s.cache != nil {
		var cached []byte
		err := logging.Retry(ctx, s.logger, s.retry, "cache.get.outcome", outcomeID, func() error {
			raw, err := s.cache.Get(ctx, outcomeID)
			cached = raw
			return err
		})
		switch {
		case err == nil:
			var entry Entry
			if decodeErr := json.Unmarshal(cached, &entry); decodeErr != nil {
				opLogger.Warn("failed to decode cached outcome", zap.String("outcome_id", outcomeID), zap.Error(decodeErr))
				break
			}
			if entry.SessionID != sessionID {
				opLogger.Warn("outcome requested by another session", zap.String("outcome_id", outcomeID))
				return nil, ErrNotFound
			}
			return &entry, nil
		case !isCacheMiss(err):
			opLogger.Warn("failed to read cache", zap.String("outcome_id", outcomeID), zap.Error(err))
		}
	}

	if s.repo == nil {
		return nil, ErrNotFound
	}
	log, err := s.repo.FindByOutcomeIDAndSession(ctx, outcomeID, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	label := classifier.Label(log.Label)
	outcome := classifier.Outcome{Label: label, Confidence: log.Confidence}
	return &Entry{
		OutcomeID:       log.OutcomeID,
		SessionID:       log.SessionID,
		Label:           log.Label,
		Description:     label.Description(),
		Confidence:      log.Confidence,
		ConfidenceLevel: outcome.ConfidenceLevel(),
		Filename:        log.Filename,
		SHA1Hash:        log.SHA1Hash,
		ClassifiedAt:    log.ClassifiedAt,
	}, nil
}
