package handlers

import (
	"time"

	"github.com/example/cellscope/internal/classifier"
	"github.com/example/cellscope/internal/session"
)

type outcomeView struct {
	ID              string    `json:"id"`
	Label           string    `json:"label"`
	Description     string    `json:"description"`
	Confidence      float64   `json:"confidence"`
	ConfidenceLevel string    `json:"confidence_level"`
	SourceImage     string    `json:"source_image"`
	ClassifiedAt    time.Time `json:"classified_at"`
}

type stateView struct {
	SessionID  string       `json:"session_id"`
	Screen     string       `json:"screen"`
	Processing bool         `json:"processing"`
	HasAsset   bool         `json:"has_asset"`
	Filename   string       `json:"filename,omitempty"`
	Preview    string       `json:"preview,omitempty"`
	LastError  string       `json:"last_error,omitempty"`
	Outcome    *outcomeView `json:"outcome"`
}

func newStateView(sessionID string, state session.State) stateView {
	view := stateView{
		SessionID:  sessionID,
		Screen:     string(state.Screen),
		Processing: state.Processing,
		HasAsset:   state.Asset != nil,
	}
	if state.Asset != nil {
		view.Filename = state.Asset.Filename
		view.Preview = state.Asset.Preview
	}
	if state.LastError != nil {
		view.LastError = state.LastError.Error()
	}
	if state.Outcome != nil {
		view.Outcome = newOutcomeView(state.Outcome)
	}
	return view
}

func newOutcomeView(o *classifier.Outcome) *outcomeView {
	return &outcomeView{
		ID:              o.ID,
		Label:           string(o.Label),
		Description:     o.Label.Description(),
		Confidence:      o.Confidence,
		ConfidenceLevel: o.ConfidenceLevel(),
		SourceImage:     o.SourceImage,
		ClassifiedAt:    o.ClassifiedAt,
	}
}
