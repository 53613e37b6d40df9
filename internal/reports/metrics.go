package reports

import "context"

// MetricsSummary represents aggregated analysis insights.
type MetricsSummary struct {
	TotalAnalyses              int64   `json:"total_analyses"`
	MockAnalyses               int64   `json:"mock_analyses"`
	MockShare                  float64 `json:"mock_share"`
	AverageOverallScore        float64 `json:"average_overall_score"`
	AverageProcessingLatencyMs float64 `json:"average_processing_latency_ms"`
}

// MetricsSummary aggregates analysis metrics from persisted logs.
func (s *Service) MetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := s.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalAnalyses:              aggregation.TotalCount,
		MockAnalyses:               aggregation.MockCount,
		AverageOverallScore:        aggregation.AverageOverallScore,
		AverageProcessingLatencyMs: aggregation.AverageProcessingLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.MockShare = float64(aggregation.MockCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
