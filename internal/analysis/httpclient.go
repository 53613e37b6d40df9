package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/skin-check/internal/capture"
	"github.com/example/skin-check/internal/logging"
)

const (
	analyzePath = "/api/v1/analyze"
	infoPath    = "/info"
	healthPath  = "/health"

	maxErrorBody = 4 << 10
)

// StatusError is returned when the service answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("analysis service returned %d: %s", e.StatusCode, e.Body)
}

// HTTPClient calls the analysis service over HTTP.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPClient builds a client for baseURL. Request deadlines come from
// the caller's context.
func NewHTTPClient(baseURL string, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.Named("analysis_client"),
	}
}

// Analyze uploads the snapshot and decodes the analysis result.
func (c *HTTPClient) Analyze(ctx context.Context, frame capture.FrameHandle) (*Result, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="capture.jpg"`)
	header.Set("Content-Type", frame.ContentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, logging.NewOperationError("analysis.analyze", "", err)
	}
	if _, err := part.Write(frame.Data); err != nil {
		return nil, logging.NewOperationError("analysis.analyze", "", err)
	}
	if err := writer.Close(); err != nil {
		return nil, logging.NewOperationError("analysis.analyze", "", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+analyzePath, body)
	if err != nil {
		return nil, logging.NewOperationError("analysis.analyze", "", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	started := time.Now()
	payload, err := c.do(req)
	if err != nil {
		wrapped := logging.NewOperationError("analysis.analyze", "", err)
		c.logger.Warn("analysis request failed", zap.Error(wrapped), zap.Duration("elapsed", time.Since(started)))
		return nil, wrapped
	}

	result, err := Decode(payload)
	if err != nil {
		return nil, logging.NewOperationError("analysis.decode", "", err)
	}
	c.logger.Debug("analysis completed",
		zap.Int("conditions", len(result.Results)),
		zap.Bool("is_mock", result.IsMock),
		zap.Duration("elapsed", time.Since(started)),
	)
	return result, nil
}

// Info calls the service info probe.
func (c *HTTPClient) Info(ctx context.Context) (*ServiceInfo, error) {
	var info ServiceInfo
	if err := c.getJSON(ctx, infoPath, &info); err != nil {
		return nil, logging.NewOperationError("analysis.info", "", err)
	}
	return &info, nil
}

// Health calls the service health probe.
func (c *HTTPClient) Health(ctx context.Context) (*HealthStatus, error) {
	var status HealthStatus
	if err := c.getJSON(ctx, healthPath, &status); err != nil {
		return nil, logging.NewOperationError("analysis.health", "", err)
	}
	return &status, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	payload, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func (c *HTTPClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(text))}
	}
	return io.ReadAll(resp.Body)
}
