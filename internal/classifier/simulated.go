package classifier

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cellscope/internal/intake"
)

const (
	// DefaultLatency is how long a simulated classification takes.
	DefaultLatency = 2 * time.Second

	MinSimulatedConfidence = 85.0
	MaxSimulatedConfidence = 97.0
)

// Simulated stands in for an inference engine: it waits, then picks a label
// and a confidence at random.
type Simulated struct {
	latency time.Duration
	logger  *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// SimulatedOption customises a Simulated classifier.
type SimulatedOption func(*Simulated)

// WithLatency overrides DefaultLatency.
func WithLatency(d time.Duration) SimulatedOption {
	return func(s *Simulated) { s.latency = d }
}

// WithSeed makes the label and confidence sequence reproducible.
func WithSeed(seed uint64) SimulatedOption {
	return func(s *Simulated) { s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// NewSimulated constructs the mock classifier.
func NewSimulated(logger *zap.Logger, opts ...SimulatedOption) *Simulated {
	s := &Simulated{
		latency: DefaultLatency,
		logger:  logger.Named("simulated_classifier"),
		rng:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Classify implements Classifier.
func (s *Simulated) Classify(ctx context.Context, asset *intake.ImageAsset) (*Outcome, error) {
	if asset == nil {
		return nil, ErrNoAsset
	}

	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	label := Labels[s.rng.IntN(len(Labels))]
	raw := MinSimulatedConfidence + s.rng.Float64()*(MaxSimulatedConfidence-MinSimulatedConfidence)
	s.mu.Unlock()

	outcome := &Outcome{
		ID:           uuid.NewString(),
		Label:        label,
		Confidence:   math.Round(raw*100) / 100,
		SourceImage:  asset.Preview,
		ClassifiedAt: time.Now().UTC(),
	}
	s.logger.Debug("simulated classification",
		zap.String("asset_id", asset.ID),
		zap.String("label", string(outcome.Label)),
		zap.Float64("confidence", outcome.Confidence),
	)
	return outcome, nil
}
