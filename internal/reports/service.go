// Package reports persists and serves summaries of completed analyses.
package reports

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/skin-check/internal/analysis"
	"github.com/example/skin-check/internal/kvcache"
	"github.com/example/skin-check/internal/logging"
	"github.com/example/skin-check/internal/repository"
	"github.com/example/skin-check/internal/retry"
)

const (
	cacheTTL       = 10 * time.Minute
	defaultHistory = 20
	maxHistory     = 100
)

// Repository defines the persistence operations needed by the service.
type Repository interface {
	SaveLog(ctx context.Context, log *repository.AnalysisLog) error
	FindByRequestIDAndUser(ctx context.Context, requestID, userID string) (*repository.AnalysisLog, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*repository.AnalysisLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Record is one completed analysis handed over by a workflow session.
type Record struct {
	SessionID string
	UserID    string
	Frame     []byte
	Result    *analysis.Result
	Latency   time.Duration
}

// ConditionSummary is the stored form of a condition result, without masks.
type ConditionSummary struct {
	Condition string         `json:"condition"`
	Value     int            `json:"value"`
	Level     analysis.Level `json:"level"`
}

// Service encapsulates report persistence and caching.
type Service struct {
	repo   Repository
	cache  kvcache.Store
	logger *zap.Logger
	policy retry.Policy
}

type cachedReport struct {
	RequestID    string    `json:"request_id"`
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	OverallScore *int      `json:"overall_score,omitempty"`
	Conditions   string    `json:"conditions"`
	Count        int       `json:"condition_count"`
	IsMock       bool      `json:"is_mock"`
	Hash         string    `json:"sha1_hash"`
	LatencyMs    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewService constructs a new report service.
func NewService(repo Repository, cache kvcache.Store, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		cache:  cache,
		logger: logger.Named("reports"),
		policy: retry.DefaultPolicy(),
	}
}

// Record persists the analysis and caches it for quick lookups. It returns
// the report identifier.
func (s *Service) Record(ctx context.Context, rec Record) (string, error) {
	if rec.Result == nil {
		return "", errors.New("reports: record without result")
	}
	requestID := uuid.NewString()
	opLogger := logging.WithRequest(logging.WithOperation(s.logger, "reports.record", rec.SessionID), requestID)

	conditions, err := json.Marshal(Summaries(rec.Result))
	if err != nil {
		return "", err
	}

	hash := sha1.Sum(rec.Frame)
	log := &repository.AnalysisLog{
		RequestID:           requestID,
		SessionID:           rec.SessionID,
		UserID:              rec.UserID,
		OverallScore:        rec.Result.OverallScore,
		ConditionCount:      len(rec.Result.Results),
		Conditions:          string(conditions),
		IsMock:              rec.Result.IsMock,
		SHA1Hash:            hex.EncodeToString(hash[:]),
		ProcessingLatencyMs: rec.Latency.Milliseconds(),
		CreatedAt:           time.Now().UTC(),
	}
	if err := s.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("reports.save_log", requestID, err)
		opLogger.Error("failed to persist analysis log", zap.Error(wrapped))
		return "", wrapped
	}

	serialized, err := json.Marshal(toCached(log))
	if err != nil {
		opLogger.Error("failed to serialize report", zap.Error(err))
		return requestID, nil
	}
	if err := retry.Do(ctx, s.policy, s.logger, "cache.set.report", requestID, func() error {
		return s.cache.Set(ctx, cacheKey(requestID), string(serialized), cacheTTL)
	}); err != nil {
		opLogger.Warn("failed to cache report", zap.Error(err))
	}

	return requestID, nil
}

// Get retrieves a report from the cache, falling back to persistence.
func (s *Service) Get(ctx context.Context, userID, requestID string) (*repository.AnalysisLog, error) {
	var (
		cached string
		hit    bool
	)
	err := retry.Do(ctx, s.policy, s.logger, "cache.get.report", requestID, func() error {
		value, err := s.cache.Get(ctx, cacheKey(requestID))
		if kvcache.IsMiss(err) {
			return nil
		}
		if err != nil {
			return err
		}
		cached, hit = value, true
		return nil
	})
	if err == nil && hit {
		var payload cachedReport
		if jsonErr := json.Unmarshal([]byte(cached), &payload); jsonErr != nil {
			logging.WithRequest(s.logger, requestID).Warn("failed to decode cached report", zap.Error(jsonErr))
		} else if payload.UserID == userID {
			return fromCached(payload), nil
		}
	} else if err != nil {
		logging.WithRequest(s.logger, requestID).Warn("failed to read cache", zap.Error(err))
	}

	return s.repo.FindByRequestIDAndUser(ctx, requestID, userID)
}

// History lists the newest reports of a user. Limits outside 1..100 fall
// back to the default.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*repository.AnalysisLog, error) {
	if limit <= 0 || limit > maxHistory {
		limit = defaultHistory
	}
	return s.repo.ListByUser(ctx, userID, limit)
}

// Summaries strips masks and display hints from a result.
func Summaries(result *analysis.Result) []ConditionSummary {
	out := make([]ConditionSummary, 0, len(result.Results))
	for _, r := range result.Results {
		out = append(out, ConditionSummary{Condition: r.Condition, Value: r.Score.Value, Level: r.Score.Level})
	}
	return out
}

// DecodeConditions parses the stored condition summaries of a log.
func DecodeConditions(log *repository.AnalysisLog) ([]ConditionSummary, error) {
	if log.Conditions == "" {
		return []ConditionSummary{}, nil
	}
	var out []ConditionSummary
	if err := json.Unmarshal([]byte(log.Conditions), &out); err != nil {
		return nil, fmt.Errorf("reports: decode conditions: %w", err)
	}
	return out, nil
}

func cacheKey(requestID string) string {
	return fmt.Sprintf("report:%s", requestID)
}

func toCached(log *repository.AnalysisLog) cachedReport {
	return cachedReport{
		RequestID:    log.RequestID,
		SessionID:    log.SessionID,
		UserID:       log.UserID,
		OverallScore: log.OverallScore,
		Conditions:   log.Conditions,
		Count:        log.ConditionCount,
		IsMock:       log.IsMock,
		Hash:         log.SHA1Hash,
		LatencyMs:    log.ProcessingLatencyMs,
		CreatedAt:    log.CreatedAt,
	}
}

func fromCached(c cachedReport) *repository.AnalysisLog {
	return &repository.AnalysisLog{
		RequestID:           c.RequestID,
		SessionID:           c.SessionID,
		UserID:              c.UserID,
		OverallScore:        c.OverallScore,
		ConditionCount:      c.Count,
		Conditions:          c.Conditions,
		IsMock:              c.IsMock,
		SHA1Hash:            c.Hash,
		ProcessingLatencyMs: c.LatencyMs,
		CreatedAt:           c.CreatedAt,
	}
}
