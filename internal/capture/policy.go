package capture

import (
	"time"
)

// Warning messages shown to the user.
const (
	WarnForehead    = "hair covers forehead area"
	WarnEyewear     = "remove eyewear"
	WarnMoveCloser  = "move closer"
	WarnMoveFarther = "move farther"
	WarnVisibility  = "ensure face is clearly visible with adequate lighting"
)

// Policy holds the thresholds the checks compare against.
type Policy struct {
	MinConfidence        float64
	MaxForeheadOcclusion float64
	MaxEyeOcclusion      float64
	// Face height as a share of frame height.
	MinFaceHeight float64
	MaxFaceHeight float64
}

// DefaultPolicy matches the oval guide drawn on the capture screen.
func DefaultPolicy() Policy {
	return Policy{
		MinConfidence:        0.6,
		MaxForeheadOcclusion: 0.3,
		MaxEyeOcclusion:      0.4,
		MinFaceHeight:        0.35,
		MaxFaceHeight:        0.85,
	}
}

// Evaluate runs every check in a fixed order and collects all warnings.
// A detection error leaves nothing to inspect, so only the visibility
// warning is reported.
func (p Policy) Evaluate(set LandmarkSet, detectErr error, at time.Time) Verdict {
	if detectErr != nil {
		return NewVerdict([]string{WarnVisibility}, at)
	}

	warnings := make([]string, 0, 4)
	if set.ForeheadOcclusion > p.MaxForeheadOcclusion {
		warnings = append(warnings, WarnForehead)
	}
	if set.EyeOcclusion > p.MaxEyeOcclusion {
		warnings = append(warnings, WarnEyewear)
	}
	switch {
	case set.FaceBox.Height < p.MinFaceHeight:
		warnings = append(warnings, WarnMoveCloser)
	case set.FaceBox.Height > p.MaxFaceHeight:
		warnings = append(warnings, WarnMoveFarther)
	}
	if set.Confidence < p.MinConfidence {
		warnings = append(warnings, WarnVisibility)
	}
	return NewVerdict(warnings, at)
}
