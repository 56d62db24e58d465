// Package classifier defines the blood-cell classification contract and the
// engines that satisfy it.
package classifier

import (
	"context"
	"errors"
	"time"

	"github.com/example/cellscope/internal/intake"
)

// Label is a blood-cell category.
type Label string

const (
	Eosinophil Label = "eosinophil"
	Lymphocyte Label = "lymphocyte"
	Monocyte   Label = "monocyte"
	Neutrophil Label = "neutrophil"
)

// Labels is the closed category set, in display order.
var Labels = []Label{Eosinophil, Lymphocyte, Monocyte, Neutrophil}

var descriptions = map[Label]string{
	Eosinophil: "Eosinophils are white blood cells that play a role in allergic reactions and parasitic infections.",
	Lymphocyte: "Lymphocytes are crucial components of the adaptive immune system, including T cells and B cells.",
	Monocyte:   "Monocytes are large white blood cells that differentiate into macrophages and dendritic cells.",
	Neutrophil: "Neutrophils are the most abundant type of white blood cells and first responders to infection.",
}

// Valid reports whether l belongs to the category set.
func (l Label) Valid() bool {
	_, ok := descriptions[l]
	return ok
}

// Description returns a one-sentence summary of the cell type.
func (l Label) Description() string {
	return descriptions[l]
}

// ParseLabel maps a name to a Label.
func ParseLabel(name string) (Label, error) {
	l := Label(name)
	if !l.Valid() {
		return "", ErrUnknownLabel
	}
	return l, nil
}

var (
	ErrNoAsset              = errors.New("no image selected")
	ErrDecodeFailure        = errors.New("image bytes could not be decoded")
	ErrInferenceTimeout     = errors.New("classification timed out")
	ErrInferenceUnavailable = errors.New("classification service unavailable")
	ErrLowConfidence        = errors.New("classification confidence below threshold")
	ErrUnknownLabel         = errors.New("classifier returned an unknown label")
)

// Outcome is the immutable result of one classification.
type Outcome struct {
	ID         string
	Label      Label
	Confidence float64
	// SourceImage is the preview encoding of the classified asset.
	SourceImage  string
	ClassifiedAt time.Time
}

// ConfidenceLevel buckets the confidence score for display.
func (o *Outcome) ConfidenceLevel() string {
	switch {
	case o.Confidence >= 90:
		return "Very High"
	case o.Confidence >= 80:
		return "High"
	case o.Confidence >= 70:
		return "Moderate"
	default:
		return "Low"
	}
}

// Classifier turns an image asset into an outcome. Implementations must honour
// ctx cancellation.
type Classifier interface {
	Classify(ctx context.Context, asset *intake.ImageAsset) (*Outcome, error)
}
