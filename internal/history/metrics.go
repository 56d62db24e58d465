package history

import (
	"context"
	"errors"
)

// ErrMetricsUnavailable is returned when no repository is configured.
var ErrMetricsUnavailable = errors.New("metrics require a storage backend")

// MetricsSummary represents aggregated classification insights.
type MetricsSummary struct {
	TotalClassifications int64            `json:"total_classifications"`
	AverageConfidence    float64          `json:"average_confidence"`
	AverageLatencyMs     float64          `json:"average_latency_ms"`
	LabelCounts          map[string]int64 `json:"label_counts"`
}

// Summary aggregates classification metrics from persisted outcomes.
func (s *Service) Summary(ctx context.Context) (*MetricsSummary, error) {
	if s.repo == nil {
		return nil, ErrMetricsUnavailable
	}
	aggregation, err := s.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalClassifications: aggregation.TotalCount,
		AverageConfidence:    aggregation.AverageConfidence,
		AverageLatencyMs:     aggregation.AverageLatencyMs,
		LabelCounts:          make(map[string]int64, len(aggregation.LabelDistributions)),
	}
	for _, lc := range aggregation.LabelDistributions {
		summary.LabelCounts[lc.Label] = lc.Count
	}
	return summary, nil
}
