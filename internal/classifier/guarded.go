package classifier

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/example/cellscope/internal/intake"
)

// Guarded wraps another Classifier with the failure paths a real engine needs:
// undecodable input, a hard deadline and a confidence floor.
type Guarded struct {
	inner         Classifier
	timeout       time.Duration
	minConfidence float64
	decodeCheck   bool
	logger        *zap.Logger
}

// GuardOption configures a Guarded classifier.
type GuardOption func(*Guarded)

// WithDecodeCheck makes Classify reject assets whose bytes imaging cannot
// decode before the inner engine sees them. Only formats imaging supports pass,
// so enable it for engines that need pixels (the remote one), not for the
// simulation, which accepts every image intake accepts.
func WithDecodeCheck() GuardOption {
	return func(g *Guarded) {
		g.decodeCheck = true
	}
}

// NewGuarded wraps inner. A zero timeout or minConfidence disables that check.
func NewGuarded(inner Classifier, timeout time.Duration, minConfidence float64, logger *zap.Logger, opts ...GuardOption) *Guarded {
	g := &Guarded{
		inner:         inner,
		timeout:       timeout,
		minConfidence: minConfidence,
		logger:        logger.Named("guarded_classifier"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Classify implements Classifier.
func (g *Guarded) Classify(ctx context.Context, asset *intake.ImageAsset) (*Outcome, error) {
	if asset == nil {
		return nil, ErrNoAsset
	}
	if g.decodeCheck {
		if _, err := imaging.Decode(bytes.NewReader(asset.Raw)); err != nil {
			g.logger.Warn("rejecting undecodable image", zap.String("asset_id", asset.ID), zap.Error(err))
			return nil, ErrDecodeFailure
		}
	}

	runCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	outcome, err := g.inner.Classify(runCtx, asset)
	if err != nil {
		// Only our own deadline counts as an inference timeout; a caller's
		// cancellation passes through untouched.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrInferenceTimeout
		}
		return nil, err
	}
	if !outcome.Label.Valid() {
		return nil, ErrUnknownLabel
	}
	if g.minConfidence > 0 && outcome.Confidence < g.minConfidence {
		g.logger.Info("rejecting low-confidence outcome",
			zap.String("asset_id", asset.ID),
			zap.Float64("confidence", outcome.Confidence),
			zap.Float64("min_confidence", g.minConfidence),
		)
		return nil, ErrLowConfidence
	}
	return outcome, nil
}
