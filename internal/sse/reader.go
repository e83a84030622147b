package sse

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Reader decodes an SSE stream written by Encoder
type Reader struct {
	r *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next message. It returns io.EOF once the stream ends cleanly.
func (r *Reader) Next() (Message, error) {
	var data strings.Builder
	for {
		line, err := r.r.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) && data.Len() > 0 {
				return decodeMessage(data.String())
			}
			return Message{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			return decodeMessage(data.String())
		case strings.HasPrefix(line, ":"):
			// comment or keepalive
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func decodeMessage(data string) (Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return Message{}, fmt.Errorf("sse: invalid event payload: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("sse: event without type")
	}
	return msg, nil
}

// Image decodes the progress frame's data URI. It returns nil for failed frames.
func (m Message) Image() ([]byte, error) {
	if m.ImageBase64 == "" {
		return nil, nil
	}
	_, payload, ok := strings.Cut(m.ImageBase64, ";base64,")
	if !ok {
		return nil, fmt.Errorf("sse: image is not a base64 data uri")
	}
	return base64.StdEncoding.DecodeString(payload)
}
