// Package session owns the per-user view state: which screen is active, the
// selected image and the last classification outcome.
package session

import (
	"context"
	"errors"
	"mime/multipart"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/cellscope/internal/classifier"
	"github.com/example/cellscope/internal/history"
	"github.com/example/cellscope/internal/intake"
	"github.com/example/cellscope/internal/logging"
)

// Screen is the active view.
type Screen string

const (
	ScreenIntake Screen = "intake"
	ScreenResult Screen = "result"
)

var (
	// ErrClassificationInFlight rejects operations while a run is pending.
	ErrClassificationInFlight = errors.New("classification already in progress")
	// ErrWrongScreen rejects operations not available on the active screen.
	ErrWrongScreen = errors.New("operation not available on this screen")
	// ErrSessionNotFound is returned by the store for unknown or evicted ids.
	ErrSessionNotFound = errors.New("session not found")
)

const recordTimeout = 5 * time.Second

// Recorder receives every successful classification.
type Recorder interface {
	Record(ctx context.Context, rec history.Record) error
}

// State is a read-only snapshot of a controller.
type State struct {
	Screen     Screen
	Outcome    *classifier.Outcome
	Asset      *intake.ImageAsset
	Processing bool
	LastError  error
}

// Controller is a two-screen state machine. Intake moves to Result through
// Submit; Result moves back through Reset. At most one classification runs at
// a time.
type Controller struct {
	id         string
	classifier classifier.Classifier
	recorder   Recorder
	logger     *zap.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	screen     Screen
	outcome    *classifier.Outcome
	asset      *intake.ImageAsset
	processing bool
	lastErr    error
	// epoch is bumped whenever a run starts or the state is reset; a run
	// may only publish if the epoch it started with is still current.
	epoch      uint64
	cancelRun  context.CancelFunc
	lastActive time.Time
}

// NewController returns a controller on the intake screen. recorder may be nil.
func NewController(id string, c classifier.Classifier, recorder Recorder, logger *zap.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		id:         id,
		classifier: c,
		recorder:   recorder,
		logger:     logging.WithOperation(logger.Named("controller"), "session", id),
		baseCtx:    ctx,
		baseCancel: cancel,
		screen:     ScreenIntake,
		lastActive: time.Now(),
	}
}

// ID returns the session id.
func (c *Controller) ID() string {
	return c.id
}

// SelectFile validates an upload and makes it the current asset, replacing
// any previous one. Non-image uploads leave the state untouched.
func (c *Controller) SelectFile(filename, contentType string, data []byte) (*intake.ImageAsset, error) {
	return c.selectAsset(filename, contentType, func() (*intake.ImageAsset, error) {
		return intake.New(filename, contentType, data)
	})
}

// SelectUpload is SelectFile for a multipart form file.
func (c *Controller) SelectUpload(fh *multipart.FileHeader) (*intake.ImageAsset, error) {
	return c.selectAsset(fh.Filename, fh.Header.Get("Content-Type"), func() (*intake.ImageAsset, error) {
		return intake.FromFileHeader(fh)
	})
}

func (c *Controller) selectAsset(filename, contentType string, build func() (*intake.ImageAsset, error)) (*intake.ImageAsset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = time.Now()

	if c.processing {
		return nil, ErrClassificationInFlight
	}
	if c.screen != ScreenIntake {
		return nil, ErrWrongScreen
	}

	asset, err := build()
	if err != nil {
		c.logger.Warn("ignoring upload", zap.String("filename", filename),
			zap.String("content_type", contentType), zap.Error(err))
		return nil, err
	}

	c.asset = asset
	c.lastErr = nil
	c.logger.Info("image selected", zap.String("asset_id", asset.ID),
		zap.String("content_type", asset.ContentType), zap.Int64("size", asset.Size))
	return asset, nil
}

// Submit starts classifying the current asset. The returned channel is closed
// once the run has finished and its result, if still current, is published.
func (c *Controller) Submit() (<-chan struct{}, error) {
	c.mu.Lock()
	c.lastActive = time.Now()

	if c.processing {
		c.mu.Unlock()
		return nil, ErrClassificationInFlight
	}
	if c.screen != ScreenIntake {
		c.mu.Unlock()
		return nil, ErrWrongScreen
	}
	if c.asset == nil {
		c.mu.Unlock()
		return nil, classifier.ErrNoAsset
	}

	c.epoch++
	epoch := c.epoch
	asset := c.asset
	ctx, cancel := context.WithCancel(c.baseCtx)
	c.cancelRun = cancel
	c.processing = true
	c.lastErr = nil
	c.mu.Unlock()

	done := make(chan struct{})
	go c.run(ctx, cancel, epoch, asset, done)
	return done, nil
}

func (c *Controller) run(ctx context.Context, cancel context.CancelFunc, epoch uint64, asset *intake.ImageAsset, done chan<- struct{}) {
	defer close(done)
	defer cancel()

	c.logger.Info("classification started", zap.String("asset_id", asset.ID))
	start := time.Now()
	outcome, err := c.classifier.Classify(ctx, asset)
	latency := time.Since(start)

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		c.logger.Info("discarding stale classification", zap.String("asset_id", asset.ID), zap.Error(err))
		return
	}
	c.processing = false
	c.cancelRun = nil
	if err != nil {
		c.lastErr = err
		c.mu.Unlock()
		c.logger.Warn("classification failed", zap.String("asset_id", asset.ID), zap.Error(err))
		return
	}
	c.outcome = outcome
	c.screen = ScreenResult
	c.mu.Unlock()

	c.logger.Info("classification finished",
		zap.String("outcome_id", outcome.ID),
		zap.String("label", string(outcome.Label)),
		zap.Float64("confidence", outcome.Confidence),
		zap.Duration("latency", latency),
	)

	if c.recorder == nil {
		return
	}
	recCtx, recCancel := context.WithTimeout(context.Background(), recordTimeout)
	defer recCancel()
	rec := history.Record{SessionID: c.id, Asset: asset, Outcome: outcome, Latency: latency}
	if err := c.recorder.Record(recCtx, rec); err != nil {
		c.logger.Error("failed to record outcome", zap.String("outcome_id", outcome.ID), zap.Error(err))
	}
}

// Reset returns to the intake screen, dropping the outcome and the asset. A
// pending classification is cancelled and its result discarded.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = time.Now()

	c.epoch++
	if c.cancelRun != nil {
		c.cancelRun()
		c.cancelRun = nil
	}
	c.processing = false
	c.screen = ScreenIntake
	c.outcome = nil
	c.asset = nil
	c.lastErr = nil
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = time.Now()
	return State{
		Screen:     c.screen,
		Outcome:    c.outcome,
		Asset:      c.asset,
		Processing: c.processing,
		LastError:  c.lastErr,
	}
}

// Close cancels any pending classification. The controller must not be used
// afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	c.epoch++
	c.mu.Unlock()
	c.baseCancel()
}

func (c *Controller) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}
