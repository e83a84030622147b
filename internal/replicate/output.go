package replicate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Output is the closed set of shapes a prediction output can take
type Output interface {
	isOutput()
}

// URLOutput references the result by http(s) URL or data URI
type URLOutput struct {
	URL string
}

// StreamOutput carries the result bytes directly
type StreamOutput struct {
	Body        io.Reader
	ContentType string
}

// ListOutput wraps several outputs; the first one is the result
type ListOutput struct {
	Items []Output
}

// ObjectOutput holds named outputs, as returned by multi-file models
type ObjectOutput struct {
	Fields map[string]Output
}

func (URLOutput) isOutput()    {}
func (StreamOutput) isOutput() {}
func (ListOutput) isOutput()   {}
func (ObjectOutput) isOutput() {}

// decodeOutput maps a prediction's JSON output onto the Output variants
func decodeOutput(raw json.RawMessage) (Output, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("%w: empty output", ErrMalformedOutput)
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
		}
		return URLOutput{URL: s}, nil

	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
		}
		list := ListOutput{Items: make([]Output, 0, len(items))}
		for _, item := range items {
			out, err := decodeOutput(item)
			if err != nil {
				return nil, err
			}
			list.Items = append(list.Items, out)
		}
		return list, nil

	case '{':
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
		}
		obj := ObjectOutput{Fields: make(map[string]Output, len(fields))}
		for key, value := range fields {
			out, err := decodeOutput(value)
			if err != nil {
				// non-file fields (numbers, nulls) are skipped
				continue
			}
			obj.Fields[key] = out
		}
		return obj, nil
	}

	return nil, fmt.Errorf("%w: unsupported output %q", ErrMalformedOutput, truncate(string(raw), 64))
}

// Resolve normalizes any Output into raw bytes. field selects the entry of an ObjectOutput.
func (c *Client) Resolve(ctx context.Context, out Output, field string) ([]byte, error) {
	switch o := out.(type) {
	case URLOutput:
		return c.fetch(ctx, o.URL)

	case StreamOutput:
		if o.Body == nil {
			return nil, fmt.Errorf("%w: empty stream", ErrMalformedOutput)
		}
		data, err := io.ReadAll(o.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read output stream: %w", err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("%w: empty stream", ErrMalformedOutput)
		}
		return data, nil

	case ListOutput:
		if len(o.Items) == 0 {
			return nil, fmt.Errorf("%w: empty list", ErrMalformedOutput)
		}
		return c.Resolve(ctx, o.Items[0], field)

	case ObjectOutput:
		item, ok := o.Fields[field]
		if !ok {
			return nil, fmt.Errorf("%w: missing field %q", ErrMalformedOutput, field)
		}
		return c.Resolve(ctx, item, field)

	case nil:
		return nil, fmt.Errorf("%w: nil output", ErrMalformedOutput)
	}

	return nil, fmt.Errorf("%w: unknown output type %T", ErrMalformedOutput, out)
}

// DataURI encodes bytes as a self-describing data URI
func DataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// decodeDataURI parses data:<mime>;base64,<payload>
func decodeDataURI(uri string) ([]byte, error) {
	comma := strings.IndexByte(uri, ',')
	if comma < 0 {
		return nil, fmt.Errorf("%w: invalid data uri", ErrMalformedOutput)
	}
	meta, payload := uri[len("data:"):comma], uri[comma+1:]
	if !strings.HasSuffix(meta, ";base64") {
		return []byte(payload), nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
