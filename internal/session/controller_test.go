package session

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"mime/multipart"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/cellscope/internal/classifier"
	"github.com/example/cellscope/internal/history"
	"github.com/example/cellscope/internal/intake"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	return buf.Bytes()
}

// gatedClassifier blocks every call until release is closed.
type gatedClassifier struct {
	calls   atomic.Int32
	release chan struct{}
	started chan struct{}
	once    sync.Once
	err     error
}

func newGatedClassifier() *gatedClassifier {
	return &gatedClassifier{release: make(chan struct{}), started: make(chan struct{})}
}

func (g *gatedClassifier) Classify(ctx context.Context, asset *intake.ImageAsset) (*classifier.Outcome, error) {
	g.calls.Add(1)
	g.once.Do(func() { close(g.started) })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.release:
	}
	if g.err != nil {
		return nil, g.err
	}
	return &classifier.Outcome{
		ID:           "out-1",
		Label:        classifier.Lymphocyte,
		Confidence:   93.5,
		SourceImage:  asset.Preview,
		ClassifiedAt: time.Now().UTC(),
	}, nil
}

type stubRecorder struct {
	mu      sync.Mutex
	records []history.Record
}

func (s *stubRecorder) Record(ctx context.Context, rec history.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("classification did not finish in time")
	}
}

func TestInitialStateIsIntake(t *testing.T) {
	c := NewController("s", classifier.NewSimulated(zap.NewNop(), classifier.WithLatency(0)), nil, zap.NewNop())
	state := c.Snapshot()
	if state.Screen != ScreenIntake || state.Outcome != nil || state.Asset != nil || state.Processing {
		t.Fatalf("unexpected initial state: %+v", state)
	}
}

func TestSelectFileKeepsIntakeWithAsset(t *testing.T) {
	c := NewController("s", newGatedClassifier(), nil, zap.NewNop())

	asset, err := c.SelectFile("a.png", "image/png", pngBytes(t))
	if err != nil {
		t.Fatalf("expected asset, got error: %v", err)
	}
	state := c.Snapshot()
	if state.Screen != ScreenIntake {
		t.Fatalf("expected intake screen, got %s", state.Screen)
	}
	if state.Asset != asset || state.Asset.Preview == "" {
		t.Fatal("expected asset with preview to be current")
	}
}

func TestSelectFileReplacesPreviousAsset(t *testing.T) {
	c := NewController("s", newGatedClassifier(), nil, zap.NewNop())
	first, _ := c.SelectFile("a.png", "image/png", pngBytes(t))
	second, err := c.SelectFile("b.png", "image/png", pngBytes(t))
	if err != nil {
		t.Fatalf("expected second asset, got error: %v", err)
	}
	if got := c.Snapshot().Asset; got != second || got == first {
		t.Fatal("expected the second asset to replace the first")
	}
}

func TestSelectNonImageLeavesStateUnchanged(t *testing.T) {
	c := NewController("s", newGatedClassifier(), nil, zap.NewNop())

	if _, err := c.SelectFile("notes.txt", "text/plain", []byte("hello")); !errors.Is(err, intake.ErrInvalidFileType) {
		t.Fatalf("expected ErrInvalidFileType, got %v", err)
	}
	if state := c.Snapshot(); state.Asset != nil || state.Screen != ScreenIntake {
		t.Fatalf("expected untouched state, got %+v", state)
	}

	if _, err := c.Submit(); !errors.Is(err, classifier.ErrNoAsset) {
		t.Fatalf("expected submit to be disabled, got %v", err)
	}
	if state := c.Snapshot(); state.Screen != ScreenIntake || state.Processing {
		t.Fatalf("expected no screen change, got %+v", state)
	}
}

func TestSubmitWithoutAssetIsNoop(t *testing.T) {
	gated := newGatedClassifier()
	c := NewController("s", gated, nil, zap.NewNop())

	done, err := c.Submit()
	if !errors.Is(err, classifier.ErrNoAsset) {
		t.Fatalf("expected ErrNoAsset, got %v", err)
	}
	if done != nil {
		t.Fatal("expected no run to start")
	}
	if gated.calls.Load() != 0 {
		t.Fatal("expected classifier not to be called")
	}
	if state := c.Snapshot(); state.Screen != ScreenIntake || state.Outcome != nil {
		t.Fatalf("unexpected state: %+v", state)
	}
}

func TestSubmitIsSingleFlight(t *testing.T) {
	gated := newGatedClassifier()
	recorder := &stubRecorder{}
	c := NewController("s", gated, recorder, zap.NewNop())
	if _, err := c.SelectFile("a.png", "image/png", pngBytes(t)); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	done, err := c.Submit()
	if err != nil {
		t.Fatalf("expected submit to start, got %v", err)
	}
	if _, err := c.Submit(); !errors.Is(err, ErrClassificationInFlight) {
		t.Fatalf("expected ErrClassificationInFlight, got %v", err)
	}
	if !c.Snapshot().Processing {
		t.Fatal("expected processing indicator while in flight")
	}
	if _, err := c.SelectFile("b.png", "image/png", pngBytes(t)); !errors.Is(err, ErrClassificationInFlight) {
		t.Fatalf("expected select to be refused while in flight, got %v", err)
	}

	close(gated.release)
	waitDone(t, done)

	if calls := gated.calls.Load(); calls != 1 {
		t.Fatalf("expected exactly one classify call, got %d", calls)
	}
	if len(recorder.records) != 1 {
		t.Fatalf("expected one recorded outcome, got %d", len(recorder.records))
	}
	state := c.Snapshot()
	if state.Screen != ScreenResult || state.Outcome == nil || state.Processing {
		t.Fatalf("expected result screen, got %+v", state)
	}
}

func TestEndToEndSelectSubmitReset(t *testing.T) {
	sim := classifier.NewSimulated(zap.NewNop(), classifier.WithLatency(20*time.Millisecond))
	c := NewController("s", sim, nil, zap.NewNop())

	asset, err := c.SelectFile("a.png", "image/png", pngBytes(t))
	if err != nil {
		t.Fatalf("select failed: %v", err)
	}
	done, err := c.Submit()
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if !c.Snapshot().Processing {
		t.Fatal("expected processing during the simulated delay")
	}
	waitDone(t, done)

	state := c.Snapshot()
	if state.Screen != ScreenResult {
		t.Fatalf("expected result screen, got %s", state.Screen)
	}
	if !state.Outcome.Label.Valid() {
		t.Fatalf("unexpected label: %s", state.Outcome.Label)
	}
	if state.Outcome.SourceImage != asset.Preview {
		t.Fatal("expected outcome to echo the preview")
	}
	if state.Outcome.Confidence < 85 || state.Outcome.Confidence > 97 {
		t.Fatalf("confidence out of range: %f", state.Outcome.Confidence)
	}

	if _, err := c.SelectFile("b.png", "image/png", pngBytes(t)); !errors.Is(err, ErrWrongScreen) {
		t.Fatalf("expected select to be refused on the result screen, got %v", err)
	}
	if _, err := c.Submit(); !errors.Is(err, ErrWrongScreen) {
		t.Fatalf("expected submit to be refused on the result screen, got %v", err)
	}

	c.Reset()
	state = c.Snapshot()
	if state.Screen != ScreenIntake || state.Outcome != nil || state.Asset != nil {
		t.Fatalf("expected clean intake after reset, got %+v", state)
	}
	if _, err := c.Submit(); !errors.Is(err, classifier.ErrNoAsset) {
		t.Fatalf("expected a fresh select to be required, got %v", err)
	}
}

func TestFailedClassificationStaysOnIntake(t *testing.T) {
	gated := newGatedClassifier()
	gated.err = classifier.ErrInferenceUnavailable
	c := NewController("s", gated, nil, zap.NewNop())
	if _, err := c.SelectFile("a.png", "image/png", pngBytes(t)); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	done, err := c.Submit()
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	close(gated.release)
	waitDone(t, done)

	state := c.Snapshot()
	if state.Screen != ScreenIntake || state.Outcome != nil || state.Processing {
		t.Fatalf("expected intake without outcome, got %+v", state)
	}
	if !errors.Is(state.LastError, classifier.ErrInferenceUnavailable) {
		t.Fatalf("expected last error to be recorded, got %v", state.LastError)
	}
	if state.Asset == nil {
		t.Fatal("expected the asset to be kept for a retry")
	}
}

func TestResetDuringProcessingDiscardsResult(t *testing.T) {
	gated := newGatedClassifier()
	recorder := &stubRecorder{}
	c := NewController("s", gated, recorder, zap.NewNop())
	if _, err := c.SelectFile("a.png", "image/png", pngBytes(t)); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	done, err := c.Submit()
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	<-gated.started
	c.Reset()
	waitDone(t, done)

	state := c.Snapshot()
	if state.Screen != ScreenIntake || state.Outcome != nil || state.Processing || state.LastError != nil {
		t.Fatalf("expected stale run to be discarded, got %+v", state)
	}
	if len(recorder.records) != 0 {
		t.Fatal("expected nothing to be recorded for a discarded run")
	}
}

func formFile(t *testing.T, filename, contentType string, data []byte) *multipart.FileHeader {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="`+filename+`"`)
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create part: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("failed to write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	req := httptest.NewRequest("POST", "/", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if err := req.ParseMultipartForm(1 << 20); err != nil {
		t.Fatalf("failed to parse form: %v", err)
	}
	_, fh, err := req.FormFile("image")
	if err != nil {
		t.Fatalf("missing form file: %v", err)
	}
	return fh
}

func TestSelectUploadInstallsAsset(t *testing.T) {
	c := NewController("s-upload", newGatedClassifier(), nil, zap.NewNop())

	asset, err := c.SelectUpload(formFile(t, "smear.png", "image/png", pngBytes(t)))
	if err != nil {
		t.Fatalf("expected asset, got error: %v", err)
	}
	if asset.Filename != "smear.png" || c.Snapshot().Asset != asset {
		t.Fatalf("expected upload to become the current asset, got %+v", c.Snapshot().Asset)
	}

	if _, err := c.SelectUpload(formFile(t, "notes.txt", "text/plain", []byte("notes"))); !errors.Is(err, intake.ErrInvalidFileType) {
		t.Fatalf("expected ErrInvalidFileType, got %v", err)
	}
	if c.Snapshot().Asset != asset {
		t.Fatal("expected a rejected upload to leave the asset untouched")
	}
}
