// Package landmarks provides face landmark detectors for capture validation.
package landmarks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/example/skin-check/internal/capture"
)

// ErrNoFace is returned when the detector sees no face in the frame.
var ErrNoFace = errors.New("landmarks: no face detected")

// HTTPDetector posts frames to a remote landmark service.
//
// The service receives the raw image body and answers with
//
//	{"face_found":true,"confidence":0.93,"face_box":{...},
//	 "forehead_occlusion":0.1,"eye_occlusion":0.0}
type HTTPDetector struct {
	url    string
	client *http.Client
}

// NewHTTPDetector targets baseURL + "/detect".
func NewHTTPDetector(baseURL string) *HTTPDetector {
	return &HTTPDetector{
		url: strings.TrimRight(baseURL, "/") + "/detect",
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     30 * time.Second,
			},
		},
	}
}

type detectResponse struct {
	FaceFound bool `json:"face_found"`
	capture.LandmarkSet
}

// Detect implements capture.Detector.
func (d *HTTPDetector) Detect(ctx context.Context, frame capture.Frame) (capture.LandmarkSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(frame.Data))
	if err != nil {
		return capture.LandmarkSet{}, err
	}
	req.Header.Set("Content-Type", frame.ContentType)

	resp, err := d.client.Do(req)
	if err != nil {
		return capture.LandmarkSet{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return capture.LandmarkSet{}, fmt.Errorf("landmarks: detector returned %d", resp.StatusCode)
	}

	var out detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return capture.LandmarkSet{}, fmt.Errorf("landmarks: decode response: %w", err)
	}
	if !out.FaceFound {
		return capture.LandmarkSet{}, ErrNoFace
	}
	return out.LandmarkSet, nil
}

// Static always reports the same landmarks. It stands in for a real
// detector in demo deployments and tests.
type Static struct {
	Set capture.LandmarkSet
}

// Centered returns a Static detector reporting a well-framed face.
func Centered() Static {
	return Static{Set: capture.LandmarkSet{
		Confidence: 1,
		FaceBox:    capture.Box{X: 0.2, Y: 0.15, Width: 0.6, Height: 0.65},
	}}
}

// Detect implements capture.Detector.
func (s Static) Detect(ctx context.Context, frame capture.Frame) (capture.LandmarkSet, error) {
	if err := ctx.Err(); err != nil {
		return capture.LandmarkSet{}, err
	}
	return s.Set, nil
}
