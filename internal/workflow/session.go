// Package workflow drives a capture session from consent to conversion.
package workflow

import (
	"errors"
	"fmt"

	"github.com/example/skin-check/internal/analysis"
	"github.com/example/skin-check/internal/capture"
)

// Phase is the current step of a session.
type Phase string

const (
	PhaseConsent     Phase = "consent"
	PhaseCapturing   Phase = "capturing"
	PhaseAnalyzing   Phase = "analyzing"
	PhaseResults     Phase = "results"
	PhaseReport      Phase = "report"
	PhaseFullResults Phase = "full_results"
	PhaseSuccess     Phase = "success"
)

// FailureMessage is shown after a failed analysis call.
const FailureMessage = "processing failed, try again"

var (
	// ErrInvalidTransition is matched by every *TransitionError.
	ErrInvalidTransition = errors.New("workflow: invalid transition")
	// ErrAnalysisInFlight rejects a second capture while one is being analyzed.
	ErrAnalysisInFlight = errors.New("workflow: analysis already in flight")
	// ErrClosed is returned once the session has been torn down.
	ErrClosed = errors.New("workflow: session closed")
)

// TransitionError reports an operation attempted in the wrong phase.
type TransitionError struct {
	Op    string
	Phase Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("workflow: %s not allowed in phase %s", e.Op, e.Phase)
}

// Is makes errors.Is(err, ErrInvalidTransition) match.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Session is the state of one workflow run. It is only mutated by the
// Controller's transition methods.
type Session struct {
	ID             string
	UserID         string
	Phase          Phase
	CapturedFrame  *capture.FrameHandle
	AnalysisResult *analysis.Result
	ResultCursor   int
	MockFlag       bool
	ReportID       string
	LastError      string
}

func newSession(id, userID string) Session {
	return Session{ID: id, UserID: userID, Phase: PhaseConsent}
}

// Conversion is the static call to action shown on the success screen.
type Conversion struct {
	VoucherCode    string `json:"voucher_code,omitempty"`
	ReservationURL string `json:"reservation_url,omitempty"`
}

// View is the read-only projection the presentation layer renders.
type View struct {
	SessionID  string                    `json:"session_id"`
	Phase      Phase                     `json:"phase"`
	MockFlag   bool                      `json:"mock_flag"`
	LastError  string                    `json:"last_error,omitempty"`
	Verdict    *capture.Verdict          `json:"verdict,omitempty"`
	HasFrame   bool                      `json:"has_frame"`
	Cursor     int                       `json:"result_cursor"`
	Total      int                       `json:"result_total"`
	IsLast     bool                      `json:"is_last,omitempty"`
	Current    *analysis.ConditionResult `json:"current,omitempty"`
	Result     *analysis.Result          `json:"result,omitempty"`
	ReportID   string                    `json:"report_id,omitempty"`
	Conversion *Conversion               `json:"conversion,omitempty"`
}

// Notification is emitted for errors the user should see.
type Notification struct {
	SessionID string
	Message   string
	Err       error
}

// Notifier receives user-facing notifications.
type Notifier interface {
	Notify(Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

// Notify implements Notifier.
func (f NotifierFunc) Notify(n Notification) { f(n) }
