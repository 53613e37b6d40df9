// Package capture evaluates live camera frames against framing and quality
// checks and gates the shutter on the outcome.
package capture

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotSteady is returned when a capture is attempted while the latest
	// verdict carries warnings.
	ErrNotSteady = errors.New("capture: framing is not steady")
	// ErrNoFrame is returned when the frame source has nothing usable.
	ErrNoFrame = errors.New("capture: no frame available")
	// ErrFormatMismatch is returned when an upload's declared type differs
	// from its actual encoding.
	ErrFormatMismatch = errors.New("capture: frame format does not match content type")
)

// Frame is one encoded camera frame as received from the client.
type Frame struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
	ReceivedAt  time.Time
}

// FrameSource is a pollable supplier of the current camera frame.
type FrameSource interface {
	Frame() (Frame, bool)
}

// Box is a bounding box normalized to the frame, all values in [0,1].
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// LandmarkSet is what a detector reports for the dominant face in a frame.
type LandmarkSet struct {
	Confidence        float64 `json:"confidence"`
	FaceBox           Box     `json:"face_box"`
	ForeheadOcclusion float64 `json:"forehead_occlusion"`
	EyeOcclusion      float64 `json:"eye_occlusion"`
}

// Detector locates facial landmarks. Any error counts as a detection failure.
type Detector interface {
	Detect(ctx context.Context, frame Frame) (LandmarkSet, error)
}

// Verdict is the outcome of one validation tick.
type Verdict struct {
	Warnings  []string  `json:"warnings"`
	IsSteady  bool      `json:"is_steady"`
	CheckedAt time.Time `json:"checked_at"`
}

// NewVerdict derives steadiness from the warning list; the two are never set
// independently.
func NewVerdict(warnings []string, at time.Time) Verdict {
	if warnings == nil {
		warnings = []string{}
	}
	return Verdict{Warnings: warnings, IsSteady: len(warnings) == 0, CheckedAt: at}
}

// FrameHandle is a captured snapshot ready to be sent for analysis.
type FrameHandle struct {
	Data        []byte
	ContentType string
	TakenAt     time.Time
}
