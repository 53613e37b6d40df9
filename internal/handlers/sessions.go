package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/skin-check/internal/auth"
	"github.com/example/skin-check/internal/capture"
	"github.com/example/skin-check/internal/sessions"
	"github.com/example/skin-check/internal/workflow"
)

// multipartOverhead leaves room for boundaries and part headers on top of
// the frame itself.
const multipartOverhead = 64 << 10

var allowedFrameTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

func (a *api) createSession(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	s := a.sessions.Create(userID)
	c.JSON(http.StatusCreated, s.Controller.View())
}

func (a *api) getSession(c *gin.Context) {
	s, ok := a.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.Controller.View())
}

func (a *api) deleteSession(c *gin.Context) {
	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if err := a.sessions.Delete(userID, c.Param("id")); err != nil {
		a.respondError(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *api) acceptConsent(c *gin.Context) {
	a.transition(c, (*workflow.Controller).AcceptConsent)
}

func (a *api) advanceResult(c *gin.Context) {
	a.transition(c, (*workflow.Controller).AdvanceResult)
}

func (a *api) advanceReport(c *gin.Context) {
	a.transition(c, (*workflow.Controller).AdvanceReport)
}

func (a *api) advanceFullResults(c *gin.Context) {
	a.transition(c, (*workflow.Controller).AdvanceFullResults)
}

func (a *api) restart(c *gin.Context) {
	a.transition(c, (*workflow.Controller).Restart)
}

func (a *api) capture(c *gin.Context) {
	s, ok := a.lookup(c)
	if !ok {
		return
	}
	if err := s.Controller.Capture(); err != nil {
		a.respondError(c, err, s.Controller)
		return
	}
	c.JSON(http.StatusAccepted, s.Controller.View())
}

func (a *api) uploadFrame(c *gin.Context) {
	s, ok := a.lookup(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.maxUpload+multipartOverhead)
	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "frame too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}

	if file.Size > a.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "frame too large"})
		return
	}

	contentType := strings.ToLower(strings.TrimSpace(file.Header.Get("Content-Type")))
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if !allowedFrameTypes[contentType] {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "frame must be image/jpeg or image/png"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}

	frame, err := capture.DecodeFrame(data, contentType)
	if errors.Is(err, capture.ErrFormatMismatch) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "frame is not a valid image"})
		return
	}
	if err := a.sessions.PublishFrame(s.UserID, s.ID, frame); err != nil {
		a.respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"width": frame.Width, "height": frame.Height})
}

func (a *api) transition(c *gin.Context, op func(*workflow.Controller) error) {
	s, ok := a.lookup(c)
	if !ok {
		return
	}
	if err := op(s.Controller); err != nil {
		a.respondError(c, err, s.Controller)
		return
	}
	c.JSON(http.StatusOK, s.Controller.View())
}

func (a *api) lookup(c *gin.Context) (*sessions.Session, bool) {
	userID, ok := auth.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}
	s, err := a.sessions.Get(userID, c.Param("id"))
	if err != nil {
		a.respondError(c, err, nil)
		return nil, false
	}
	return s, true
}

// respondError maps workflow and registry errors to HTTP statuses.
func (a *api) respondError(c *gin.Context, err error, ctrl *workflow.Controller) {
	switch {
	case errors.Is(err, sessions.ErrNotFound), errors.Is(err, workflow.ErrClosed):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, capture.ErrNotSteady):
		body := gin.H{"error": err.Error(), "warnings": []string{}}
		if ctrl != nil {
			body["warnings"] = ctrl.Verdict().Warnings
		}
		c.JSON(http.StatusConflict, body)
	case errors.Is(err, workflow.ErrInvalidTransition), errors.Is(err, workflow.ErrAnalysisInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, capture.ErrNoFrame):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		a.logger.Error("session operation failed", zap.String("session_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
