package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // decode PNG frames before re-encoding
	"time"
)

// ExchangeContentType is the format snapshots are sent for analysis in.
const ExchangeContentType = "image/jpeg"

const jpegQuality = 92

// Capture takes a snapshot of the current frame. It refuses unless verdict
// is steady; callers must pass the verdict they observed at the moment of
// the shutter action.
func Capture(source FrameSource, verdict Verdict) (FrameHandle, error) {
	if !verdict.IsSteady {
		return FrameHandle{}, ErrNotSteady
	}
	frame, ok := source.Frame()
	if !ok || len(frame.Data) == 0 {
		return FrameHandle{}, ErrNoFrame
	}

	var data []byte
	if frame.ContentType != ExchangeContentType {
		encoded, err := reencodeJPEG(frame.Data)
		if err != nil {
			return FrameHandle{}, fmt.Errorf("capture: convert %s frame: %w", frame.ContentType, err)
		}
		data = encoded
	} else {
		data = append([]byte(nil), frame.Data...)
	}

	return FrameHandle{Data: data, ContentType: ExchangeContentType, TakenAt: time.Now().UTC()}, nil
}

// DecodeFrame builds a Frame from an uploaded image, reading only the header
// to learn its format and dimensions. The frame is labelled with the sniffed
// format; a non-empty declared type must agree with it.
func DecodeFrame(data []byte, declared string) (Frame, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("capture: decode frame header: %w", err)
	}
	contentType := "image/" + format
	if declared != "" && declared != contentType {
		return Frame{}, fmt.Errorf("%w: declared %s, got %s", ErrFormatMismatch, declared, contentType)
	}
	return Frame{
		Data:        data,
		ContentType: contentType,
		Width:       cfg.Width,
		Height:      cfg.Height,
		ReceivedAt:  time.Now(),
	}, nil
}

func reencodeJPEG(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
