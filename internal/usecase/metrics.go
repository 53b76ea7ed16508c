package usecase

import "context"

// MetricsSummary represents aggregated comparison insights.
type MetricsSummary struct {
	TotalComparisons int64   `json:"total_comparisons"`
	Matches          int64   `json:"matches"`
	MatchRate        float64 `json:"match_rate"`
	AverageDistance  float64 `json:"average_distance"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
	Threshold        float64 `json:"threshold"`
}

// GetMetricsSummary aggregates comparison metrics from the audit log.
func (uc *FaceUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrAuditDisabled
	}
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalComparisons: aggregation.TotalCount,
		Matches:          aggregation.MatchCount,
		AverageDistance:  aggregation.AverageDistance,
		AverageLatencyMs: aggregation.AverageLatencyMs,
		Threshold:        uc.engine.Threshold(),
	}
	if aggregation.TotalCount > 0 {
		summary.MatchRate = float64(aggregation.MatchCount) / float64(aggregation.TotalCount)
	}
	return summary, nil
}
