package workflow

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/skin-check/internal/analysis"
	"github.com/example/skin-check/internal/capture"
	"github.com/example/skin-check/internal/events"
	"github.com/example/skin-check/internal/reports"
)

type stubAnalyzer struct {
	mu     sync.Mutex
	calls  int
	result *analysis.Result
	err    error
	gate   chan struct{}
	// honourCtx makes a gated call return early when its context ends.
	honourCtx bool
}

func (s *stubAnalyzer) Analyze(ctx context.Context, frame capture.FrameHandle) (*analysis.Result, error) {
	s.mu.Lock()
	s.calls++
	gate, result, err, honour := s.gate, s.result, s.err, s.honourCtx
	s.mu.Unlock()

	if gate != nil {
		if honour {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			<-gate
		}
	}
	return result, err
}

func (s *stubAnalyzer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubDetector struct {
	err error
}

func (d stubDetector) Detect(ctx context.Context, frame capture.Frame) (capture.LandmarkSet, error) {
	if d.err != nil {
		return capture.LandmarkSet{}, d.err
	}
	return capture.LandmarkSet{
		Confidence: 0.99,
		FaceBox:    capture.Box{X: 0.2, Y: 0.2, Width: 0.6, Height: 0.6},
	}, nil
}

type stubRecorder struct {
	mu      sync.Mutex
	records []reports.Record
	err     error
}

func (r *stubRecorder) Record(ctx context.Context, rec reports.Record) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	if r.err != nil {
		return "", r.err
	}
	return "report-1", nil
}

func (r *stubRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

type stubPublisher struct {
	mu    sync.Mutex
	types []string
}

func (p *stubPublisher) Publish(ctx context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.types = append(p.types, e.Type)
	return nil
}

func (p *stubPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.types...)
}

type stubInfo struct {
	info *analysis.ServiceInfo
	err  error
}

func (s stubInfo) Info(ctx context.Context) (*analysis.ServiceInfo, error) {
	return s.info, s.err
}

type harness struct {
	ctrl          *Controller
	analyzer      *stubAnalyzer
	recorder      *stubRecorder
	publisher     *stubPublisher
	mu            sync.Mutex
	notifications []Notification
}

func (h *harness) notificationCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.notifications)
}

func newHarness(t *testing.T, analyzer *stubAnalyzer, detector capture.Detector, mutate ...func(*Deps)) *harness {
	t.Helper()

	slot := capture.NewFrameSlot(0)
	slot.Publish(capture.Frame{Data: []byte("jpeg-frame"), ContentType: capture.ExchangeContentType})
	validator := capture.NewValidator(slot, detector, capture.WithInterval(5*time.Millisecond))

	h := &harness{analyzer: analyzer, recorder: &stubRecorder{}, publisher: &stubPublisher{}}
	deps := Deps{
		Analyzer:   analyzer,
		Validator:  validator,
		Recorder:   h.recorder,
		Publisher:  h.publisher,
		Logger:     zap.NewNop(),
		Conversion: Conversion{VoucherCode: "NEWUSER2025", ReservationURL: "https://example.test/reserve"},
		Notifier: NotifierFunc(func(n Notification) {
			h.mu.Lock()
			h.notifications = append(h.notifications, n)
			h.mu.Unlock()
		}),
	}
	for _, m := range mutate {
		m(&deps)
	}
	h.ctrl = New("session-1", "user-1", deps)
	t.Cleanup(h.ctrl.Close)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitForPhase(t *testing.T, c *Controller, p Phase) {
	t.Helper()
	waitFor(t, "phase "+string(p), func() bool { return c.Snapshot().Phase == p })
}

func consentAndSteady(t *testing.T, c *Controller) {
	t.Helper()
	if err := c.AcceptConsent(); err != nil {
		t.Fatalf("accept consent: %v", err)
	}
	waitFor(t, "steady verdict", func() bool { return c.Verdict().IsSteady })
}

func singleAcneResult(mock bool) *analysis.Result {
	overall := 72
	return &analysis.Result{
		Results:      []analysis.ConditionResult{{Condition: "acne", Score: analysis.Score{Value: 40, Level: analysis.LevelModerate}}},
		OverallScore: &overall,
		IsMock:       mock,
	}
}

func results(n int) *analysis.Result {
	out := &analysis.Result{}
	for i := 0; i < n; i++ {
		out.Results = append(out.Results, analysis.ConditionResult{Condition: string(rune('a' + i)), Score: analysis.Score{Value: 10 * i, Level: analysis.LevelLow}})
	}
	return out
}

func TestHappyPathReachesSuccess(t *testing.T) {
	h := newHarness(t, &stubAnalyzer{result: singleAcneResult(false)}, stubDetector{})
	c := h.ctrl

	consentAndSteady(t, c)
	if err := c.Capture(); err != nil {
		t.Fatalf("capture: %v", err)
	}
	waitForPhase(t, c, PhaseResults)
	waitFor(t, "completion event", func() bool { return len(h.publisher.published()) == 1 })

	s := c.Snapshot()
	if s.ReportID != "report-1" {
		t.Fatalf("expected report id to be recorded, got %q", s.ReportID)
	}
	if s.ResultCursor != 0 || s.MockFlag || s.CapturedFrame == nil || s.AnalysisResult == nil {
		t.Fatalf("unexpected session after analysis: %+v", s)
	}
	view := c.View()
	if view.Current == nil || view.Current.Condition != "acne" || !view.IsLast || view.Total != 1 {
		t.Fatalf("unexpected results view: %+v", view)
	}

	if err := c.AdvanceResult(); err != nil {
		t.Fatalf("advance result: %v", err)
	}
	if got := c.Snapshot().Phase; got != PhaseReport {
		t.Fatalf("single result should lead to report, got %s", got)
	}
	if c.View().Result == nil {
		t.Fatal("report view should carry the full result")
	}
	if err := c.AdvanceReport(); err != nil {
		t.Fatalf("advance report: %v", err)
	}
	if err := c.AdvanceFullResults(); err != nil {
		t.Fatalf("advance full results: %v", err)
	}

	view = c.View()
	if view.Phase != PhaseSuccess || view.Conversion == nil || view.Conversion.VoucherCode != "NEWUSER2025" {
		t.Fatalf("unexpected success view: %+v", view)
	}
	if h.analyzer.callCount() != 1 {
		t.Fatalf("expected one analysis call, got %d", h.analyzer.callCount())
	}

	got := h.publisher.published()
	if len(got) != 2 || got[0] != events.AnalysisCompleted || got[1] != events.SessionConverted {
		t.Fatalf("unexpected events: %v", got)
	}
}

func TestAnalysisFailureReturnsToCapturing(t *testing.T) {
	analyzer := &stubAnalyzer{err: &analysis.StatusError{StatusCode: http.StatusInternalServerError, Body: "boom"}}
	h := newHarness(t, analyzer, stubDetector{})
	c := h.ctrl

	consentAndSteady(t, c)
	if err := c.Capture(); err != nil {
		t.Fatalf("capture: %v", err)
	}
	waitFor(t, "failure notification", func() bool { return h.notificationCount() > 0 })

	s := c.Snapshot()
	if s.Phase != PhaseCapturing {
		t.Fatalf("expected capturing, got %s", s.Phase)
	}
	if s.CapturedFrame != nil || s.AnalysisResult != nil {
		t.Fatalf("failed analysis must clear the frame and leave no result: %+v", s)
	}
	if s.LastError != FailureMessage {
		t.Fatalf("unexpected last error %q", s.LastError)
	}

	// Validation resumes so the user can try again.
	waitFor(t, "steady verdict after failure", func() bool { return c.Verdict().IsSteady })
	time.Sleep(20 * time.Millisecond)
	if n := h.notificationCount(); n != 1 {
		t.Fatalf("expected exactly one notification, got %d", n)
	}
	if analyzer.callCount() != 1 {
		t.Fatalf("analysis must not be retried automatically, got %d calls", analyzer.callCount())
	}
	if h.recorder.count() != 0 {
		t.Fatal("failed analysis must not be recorded")
	}
}

func TestCaptureRejectedWhileNotSteady(t *testing.T) {
	analyzer := &stubAnalyzer{result: singleAcneResult(false)}
	h := newHarness(t, analyzer, stubDetector{err: errors.New("no face")})
	c := h.ctrl

	if err := c.AcceptConsent(); err != nil {
		t.Fatalf("accept consent: %v", err)
	}
	waitFor(t, "first verdict", func() bool { return len(c.Verdict().Warnings) > 0 })

	if err := c.Capture(); !errors.Is(err, capture.ErrNotSteady) {
		t.Fatalf("expected ErrNotSteady, got %v", err)
	}
	frame := capture.FrameHandle{Data: []byte("forged"), ContentType: capture.ExchangeContentType}
	if err := c.SubmitCapture(frame); !errors.Is(err, capture.ErrNotSteady) {
		t.Fatalf("expected ErrNotSteady for direct submit, got %v", err)
	}
	if s := c.Snapshot(); s.Phase != PhaseCapturing || s.CapturedFrame != nil {
		t.Fatalf("rejected capture must not change state: %+v", s)
	}
	if analyzer.callCount() != 0 {
		t.Fatal("analysis must not be called")
	}
}

func TestSecondSubmitRejectedWhileAnalyzing(t *testing.T) {
	gate := make(chan struct{})
	analyzer := &stubAnalyzer{result: singleAcneResult(false), gate: gate}
	h := newHarness(t, analyzer, stubDetector{})
	c := h.ctrl

	consentAndSteady(t, c)
	if err := c.Capture(); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if err := c.Capture(); !errors.Is(err, ErrAnalysisInFlight) {
		t.Fatalf("expected ErrAnalysisInFlight, got %v", err)
	}
	frame := capture.FrameHandle{Data: []byte("again"), ContentType: capture.ExchangeContentType}
	if err := c.SubmitCapture(frame); !errors.Is(err, ErrAnalysisInFlight) {
		t.Fatalf("expected ErrAnalysisInFlight, got %v", err)
	}

	close(gate)
	waitForPhase(t, c, PhaseResults)
	if analyzer.callCount() != 1 {
		t.Fatalf("expected one call, got %d", analyzer.callCount())
	}
}

func TestValidatorRunsOnlyWhileCapturing(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, &stubAnalyzer{result: singleAcneResult(false), gate: gate}, stubDetector{})
	c := h.ctrl

	hasMonitor := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.monitor != nil
	}

	if hasMonitor() {
		t.Fatal("no validation before consent")
	}
	consentAndSteady(t, c)
	if !hasMonitor() {
		t.Fatal("validation should run while capturing")
	}
	if err := c.Capture(); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if hasMonitor() {
		t.Fatal("validation must stop when leaving capturing")
	}
	if c.Verdict().IsSteady || c.View().Verdict != nil {
		t.Fatal("no steady signal may leak outside capturing")
	}
	close(gate)
	waitForPhase(t, c, PhaseResults)
	if hasMonitor() {
		t.Fatal("validation must stay stopped in results")
	}
}

func TestAdvanceResultPagesThenReports(t *testing.T) {
	h := newHarness(t, &stubAnalyzer{result: results(3)}, stubDetector{})
	c := h.ctrl

	consentAndSteady(t, c)
	if err := c.Capture(); err != nil {
		t.Fatalf("capture: %v", err)
	}
	waitForPhase(t, c, PhaseResults)

	for want := 1; want <= 2; want++ {
		if err := c.AdvanceResult(); err != nil {
			t.Fatalf("advance: %v", err)
		}
		s := c.Snapshot()
		if s.Phase != PhaseResults || s.ResultCursor != want {
			t.Fatalf("expected cursor %d in results, got %d in %s", want, s.ResultCursor, s.Phase)
		}
	}

	if err := c.AdvanceResult(); err != nil {
		t.Fatalf("advance: %v", err)
	}
	s := c.Snapshot()
	if s.Phase != PhaseReport || s.ResultCursor != 2 {
		t.Fatalf("expected report with cursor left at last index, got %s/%d", s.Phase, s.ResultCursor)
	}
	if err := c.AdvanceResult(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("advance outside results should fail, got %v", err)
	}
}

func TestEmptyResultsSkipToReport(t *testing.T) {
	h := newHarness(t, &stubAnalyzer{result: &analysis.Result{Results: []analysis.ConditionResult{}}}, stubDetector{})
	c := h.ctrl

	consentAndSteady(t, c)
	if err := c.Capture(); err != nil {
		t.Fatalf("capture: %v", err)
	}
	waitForPhase(t, c, PhaseReport)
}

func TestRestartFromEveryPhase(t *testing.T) {
	steps := map[Phase]func(t *testing.T, c *Controller){
		PhaseConsent:   func(t *testing.T, c *Controller) {},
		PhaseCapturing: func(t *testing.T, c *Controller) { consentAndSteady(t, c) },
		PhaseAnalyzing: func(t *testing.T, c *Controller) {
			consentAndSteady(t, c)
			if err := c.Capture(); err != nil {
				t.Fatalf("capture: %v", err)
			}
		},
		PhaseResults: func(t *testing.T, c *Controller) {
			consentAndSteady(t, c)
			if err := c.Capture(); err != nil {
				t.Fatalf("capture: %v", err)
			}
			waitForPhase(t, c, PhaseResults)
		},
		PhaseReport: func(t *testing.T, c *Controller) {
			consentAndSteady(t, c)
			_ = c.Capture()
			waitForPhase(t, c, PhaseResults)
			_ = c.AdvanceResult()
			_ = c.AdvanceResult()
		},
		PhaseFullResults: func(t *testing.T, c *Controller) {
			consentAndSteady(t, c)
			_ = c.Capture()
			waitForPhase(t, c, PhaseResults)
			_ = c.AdvanceResult()
			_ = c.AdvanceResult()
			_ = c.AdvanceReport()
		},
		PhaseSuccess: func(t *testing.T, c *Controller) {
			consentAndSteady(t, c)
			_ = c.Capture()
			waitForPhase(t, c, PhaseResults)
			_ = c.AdvanceResult()
			_ = c.AdvanceResult()
			_ = c.AdvanceReport()
			_ = c.AdvanceFullResults()
		},
	}

	for phase, reach := range steps {
		t.Run(string(phase), func(t *testing.T) {
			gate := make(chan struct{})
			if phase == PhaseAnalyzing {
				defer close(gate)
			} else {
				close(gate)
			}
			h := newHarness(t, &stubAnalyzer{result: results(2), gate: gate, honourCtx: true}, stubDetector{})
			c := h.ctrl
			reach(t, c)
			if got := c.Snapshot().Phase; got != phase {
				t.Fatalf("setup reached %s, want %s", got, phase)
			}

			if err := c.Restart(); err != nil {
				t.Fatalf("restart: %v", err)
			}
			s := c.Snapshot()
			if s.Phase != PhaseConsent || s.CapturedFrame != nil || s.AnalysisResult != nil || s.ResultCursor != 0 || s.MockFlag || s.ReportID != "" || s.LastError != "" {
				t.Fatalf("restart left state behind: %+v", s)
			}
			if s.ID != "session-1" || s.UserID != "user-1" {
				t.Fatalf("restart must keep identity: %+v", s)
			}
			c.mu.Lock()
			monitor := c.monitor
			c.mu.Unlock()
			if monitor != nil {
				t.Fatal("restart must stop validation")
			}
		})
	}
}

func TestRestartWhileAnalyzingDiscardsLateResponse(t *testing.T) {
	gate := make(chan struct{})
	analyzer := &stubAnalyzer{result: singleAcneResult(true), gate: gate}
	h := newHarness(t, analyzer, stubDetector{})
	c := h.ctrl

	consentAndSteady(t, c)
	if err := c.Capture(); err != nil {
		t.Fatalf("capture: %v", err)
	}
	c.mu.Lock()
	staleGen := c.generation
	c.mu.Unlock()

	if err := c.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}

	// Deliver the old response after the reset.
	c.completeAnalysis(staleGen, capture.FrameHandle{Data: []byte("old")}, singleAcneResult(true), nil, time.Millisecond)

	s := c.Snapshot()
	if s.Phase != PhaseConsent || s.AnalysisResult != nil || s.CapturedFrame != nil || s.MockFlag {
		t.Fatalf("stale response leaked into the new session: %+v", s)
	}

	// A fresh run still works after the stale response.
	close(gate)
	consentAndSteady(t, c)
	if err := c.Capture(); err != nil {
		t.Fatalf("capture after restart: %v", err)
	}
	waitForPhase(t, c, PhaseResults)
	if !c.Snapshot().MockFlag {
		t.Fatal("mock flag should follow the analysis response")
	}
}

func TestRestartCancelsInFlightCall(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	analyzer := &stubAnalyzer{result: singleAcneResult(false), gate: gate, honourCtx: true}
	h := newHarness(t, analyzer, stubDetector{})
	c := h.ctrl

	consentAndSteady(t, c)
	if err := c.Capture(); err != nil {
		t.Fatalf("capture: %v", err)
	}
	if err := c.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if s := c.Snapshot(); s.Phase != PhaseConsent || s.LastError != "" {
		t.Fatalf("cancelled call must not surface as a failure: %+v", s)
	}
	if h.notificationCount() != 0 {
		t.Fatal("cancelled call must not notify")
	}
}

func TestAnalysisTimeoutCountsAsFailure(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	analyzer := &stubAnalyzer{result: singleAcneResult(false), gate: gate, honourCtx: true}
	h := newHarness(t, analyzer, stubDetector{}, func(d *Deps) { d.AnalysisTimeout = 20 * time.Millisecond })
	c := h.ctrl

	consentAndSteady(t, c)
	if err := c.Capture(); err != nil {
		t.Fatalf("capture: %v", err)
	}
	waitFor(t, "timeout notification", func() bool { return h.notificationCount() == 1 })

	h.mu.Lock()
	n := h.notifications[0]
	h.mu.Unlock()
	if !errors.Is(n.Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", n.Err)
	}
	if c.Snapshot().Phase != PhaseCapturing {
		t.Fatal("timeout should return to capturing")
	}
}

func TestInvalidTransitions(t *testing.T) {
	h := newHarness(t, &stubAnalyzer{result: singleAcneResult(false)}, stubDetector{})
	c := h.ctrl

	checks := map[string]func() error{
		"advance_result":       c.AdvanceResult,
		"advance_report":       c.AdvanceReport,
		"advance_full_results": c.AdvanceFullResults,
		"capture":              c.Capture,
	}
	for name, op := range checks {
		err := op()
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s in consent: expected ErrInvalidTransition, got %v", name, err)
		}
		var te *TransitionError
		if !errors.As(err, &te) || te.Phase != PhaseConsent {
			t.Fatalf("%s: unexpected error detail %v", name, err)
		}
	}

	if err := c.AcceptConsent(); err != nil {
		t.Fatalf("accept consent: %v", err)
	}
	if err := c.AcceptConsent(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second consent should fail, got %v", err)
	}
}

func TestServiceInfoProbeSetsMockFlag(t *testing.T) {
	h := newHarness(t, &stubAnalyzer{result: singleAcneResult(false)}, stubDetector{}, func(d *Deps) {
		d.Info = stubInfo{info: &analysis.ServiceInfo{MockMode: true}}
	})
	c := h.ctrl
	waitFor(t, "mock flag from probe", func() bool { return c.Snapshot().MockFlag })

	consentAndSteady(t, c)
	if err := c.Capture(); err != nil {
		t.Fatalf("capture: %v", err)
	}
	waitForPhase(t, c, PhaseResults)
	if c.Snapshot().MockFlag {
		t.Fatal("analysis response should override the probe")
	}

	c.ProbeServiceInfo(context.Background())
	if c.Snapshot().MockFlag {
		t.Fatal("probe must not override an analysis response")
	}
}

func TestServiceInfoProbeFailureIsSilent(t *testing.T) {
	h := newHarness(t, &stubAnalyzer{}, stubDetector{}, func(d *Deps) {
		d.Info = stubInfo{err: errors.New("unreachable")}
	})
	c := h.ctrl
	c.ProbeServiceInfo(context.Background())

	s := c.Snapshot()
	if s.MockFlag || s.LastError != "" || s.Phase != PhaseConsent {
		t.Fatalf("probe failure must not change the session: %+v", s)
	}
	if h.notificationCount() != 0 {
		t.Fatal("probe failure must not notify")
	}
}

func TestRecorderFailureDoesNotAffectWorkflow(t *testing.T) {
	h := newHarness(t, &stubAnalyzer{result: singleAcneResult(false)}, stubDetector{})
	h.recorder.err = errors.New("db down")
	c := h.ctrl

	consentAndSteady(t, c)
	if err := c.Capture(); err != nil {
		t.Fatalf("capture: %v", err)
	}
	waitForPhase(t, c, PhaseResults)
	time.Sleep(10 * time.Millisecond)
	if s := c.Snapshot(); s.ReportID != "" || s.LastError != "" {
		t.Fatalf("unexpected session: %+v", s)
	}
}

func TestCloseRejectsFurtherOperations(t *testing.T) {
	h := newHarness(t, &stubAnalyzer{}, stubDetector{})
	c := h.ctrl
	consentAndSteady(t, c)

	c.Close()
	c.Close()

	if err := c.Capture(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.Restart(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
