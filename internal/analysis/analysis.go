// Package analysis talks to the skin analysis service.
package analysis

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/example/skin-check/internal/capture"
)

// ErrMalformed marks a response body that could not be understood.
var ErrMalformed = errors.New("analysis: malformed response")

// Level is the severity bucket of a condition score.
type Level string

const (
	LevelLow      Level = "Low"
	LevelModerate Level = "Moderate"
	LevelHigh     Level = "High"
)

// LevelFor buckets a 0-100 score the same way the analysis backend does.
func LevelFor(value int) Level {
	switch {
	case value < 50:
		return LevelLow
	case value < 80:
		return LevelModerate
	default:
		return LevelHigh
	}
}

// Score is a condition score clamped to 0..100.
type Score struct {
	Value int   `json:"value"`
	Level Level `json:"level"`
}

// UnmarshalJSON accepts fractional values and a missing level.
func (s *Score) UnmarshalJSON(data []byte) error {
	var raw struct {
		Value *float64 `json:"value"`
		Level string   `json:"level"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Value == nil {
		return fmt.Errorf("%w: score without value", ErrMalformed)
	}

	value := int(math.Round(*raw.Value))
	if value < 0 {
		value = 0
	}
	if value > 100 {
		value = 100
	}

	level := Level(raw.Level)
	switch level {
	case LevelLow, LevelModerate, LevelHigh:
	case "":
		level = LevelFor(value)
	default:
		return fmt.Errorf("%w: unknown level %q", ErrMalformed, raw.Level)
	}

	s.Value = value
	s.Level = level
	return nil
}

// ConditionResult is the finding for one skin condition.
type ConditionResult struct {
	Condition    string `json:"condition"`
	Score        Score  `json:"score"`
	MaskBase64   string `json:"mask_base64,omitempty"`
	OverlayColor string `json:"overlay_color,omitempty"`
}

// Mask decodes the overlay image, if any.
func (c ConditionResult) Mask() ([]byte, error) {
	if c.MaskBase64 == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(c.MaskBase64)
}

// Result is a full analysis response. Results keep the order the service
// returned them in.
type Result struct {
	Results      []ConditionResult `json:"results"`
	OverallScore *int              `json:"overall_score,omitempty"`
	IsMock       bool              `json:"is_mock"`
}

// Decode parses either the legacy bare list of conditions or the current
// object shape.
func Decode(body []byte) (*Result, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	var result Result
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &result.Results); err != nil {
			return nil, wrapMalformed(err)
		}
	case '{':
		var wire struct {
			Results      *[]ConditionResult `json:"results"`
			OverallScore *int               `json:"overall_score"`
			IsMock       bool               `json:"is_mock"`
		}
		if err := json.Unmarshal(trimmed, &wire); err != nil {
			return nil, wrapMalformed(err)
		}
		if wire.Results == nil {
			return nil, fmt.Errorf("%w: missing results", ErrMalformed)
		}
		result = Result{Results: *wire.Results, OverallScore: wire.OverallScore, IsMock: wire.IsMock}
	default:
		return nil, fmt.Errorf("%w: unexpected body", ErrMalformed)
	}

	for i, r := range result.Results {
		if r.Condition == "" {
			return nil, fmt.Errorf("%w: result %d has no condition", ErrMalformed, i)
		}
		if r.Score.Level == "" {
			return nil, fmt.Errorf("%w: result %d has no score", ErrMalformed, i)
		}
	}
	if result.Results == nil {
		result.Results = []ConditionResult{}
	}
	return &result, nil
}

func wrapMalformed(err error) error {
	if errors.Is(err, ErrMalformed) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

// ServiceInfo is the payload of the service info probe.
type ServiceInfo struct {
	Service    string `json:"service"`
	MockMode   bool   `json:"mock_mode"`
	APIVersion string `json:"api_version"`
	Message    string `json:"message"`
}

// HealthStatus is the payload of the health probe.
type HealthStatus struct {
	Status string `json:"status"`
}

// Client is the subset of the analysis service used by the workflow.
type Client interface {
	Analyze(ctx context.Context, frame capture.FrameHandle) (*Result, error)
}

// InfoSource answers the service info probe.
type InfoSource interface {
	Info(ctx context.Context) (*ServiceInfo, error)
}
