package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cuongbtq/parallax-avatar/internal/batch"
	"github.com/cuongbtq/parallax-avatar/internal/replicate"
)

// Encoder writes batch events as SSE frames, flushing after each one
type Encoder struct {
	w       io.Writer
	flusher http.Flusher
}

func NewEncoder(w io.Writer) *Encoder {
	flusher, _ := w.(http.Flusher)
	return &Encoder{w: w, flusher: flusher}
}

// Encode maps ev to its wire object and writes it
func (e *Encoder) Encode(ev batch.Event) error {
	var payload any
	switch ev := ev.(type) {
	case batch.ConfigEvent:
		payload = configWire{
			Type:          TypeConfig,
			XSteps:        ev.XSteps,
			YSteps:        ev.YSteps,
			Prefix:        ev.Prefix,
			TotalImages:   ev.TotalFrames,
			EstimatedCost: ev.EstimatedCost,
		}
	case batch.ProgressEvent:
		wire := progressWire{
			Type:      TypeProgress,
			Completed: ev.Completed,
			Total:     ev.Total,
			Index:     ev.Index,
			Step:      ev.Spec,
			Status:    string(ev.Status),
		}
		if ev.Status == batch.StatusOK && len(ev.Image) > 0 {
			wire.ImageBase64 = replicate.DataURI(ImageMIME(ev.Spec.Render.OutputFormat), ev.Image)
		}
		payload = wire
	case batch.CompleteEvent:
		payload = completeWire{Type: TypeComplete}
	case batch.ErrorEvent:
		payload = errorWire{Type: TypeError, Error: ev.Message}
	default:
		return fmt.Errorf("sse: unsupported event %T", ev)
	}
	return e.writeData(payload)
}

// WriteError writes a standalone error frame
func (e *Encoder) WriteError(msg string) error {
	return e.writeData(errorWire{Type: TypeError, Error: msg})
}

func (e *Encoder) writeData(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sse: failed to marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("sse: write failed: %w", err)
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// ErrIncomplete is returned by Stream when the events channel closes before a terminal event
var ErrIncomplete = errors.New("sse: stream closed before a terminal event")

// Stream encodes events until a terminal event, channel close or ctx cancellation
func Stream(ctx context.Context, w io.Writer, events <-chan batch.Event) error {
	enc := NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ErrIncomplete
			}
			if err := enc.Encode(ev); err != nil {
				return err
			}
			if batch.IsTerminal(ev) {
				return nil
			}
		}
	}
}

// ImageMIME maps an output format such as webp to its image MIME type
func ImageMIME(format string) string {
	switch format {
	case "":
		return "image/webp"
	case "jpg":
		return "image/jpeg"
	}
	return "image/" + format
}
