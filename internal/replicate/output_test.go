package replicate

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeOutput(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Output
		wantErr bool
	}{
		{
			name: "url string",
			raw:  `"https://replicate.delivery/out.webp"`,
			want: URLOutput{URL: "https://replicate.delivery/out.webp"},
		},
		{
			name: "array of urls",
			raw:  `["https://a/1.webp","https://a/2.webp"]`,
			want: ListOutput{Items: []Output{URLOutput{URL: "https://a/1.webp"}, URLOutput{URL: "https://a/2.webp"}}},
		},
		{
			name: "object with file fields",
			raw:  `{"model_file":"https://a/model.glb","seed":42,"video":null}`,
			want: ObjectOutput{Fields: map[string]Output{"model_file": URLOutput{URL: "https://a/model.glb"}}},
		},
		{name: "null", raw: `null`, wantErr: true},
		{name: "empty", raw: ``, wantErr: true},
		{name: "number", raw: `3.14`, wantErr: true},
		{name: "array with number", raw: `["https://a/1.webp", 2]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeOutput(json.RawMessage(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedOutput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve(t *testing.T) {
	client := NewClient(Options{APIToken: "t"})
	ctx := context.Background()
	frame := DataURI("image/webp", []byte("frame"))

	tests := []struct {
		name    string
		out     Output
		field   string
		want    []byte
		wantErr bool
	}{
		{name: "data uri", out: URLOutput{URL: frame}, want: []byte("frame")},
		{name: "stream", out: StreamOutput{Body: strings.NewReader("raw")}, want: []byte("raw")},
		{name: "list takes first", out: ListOutput{Items: []Output{URLOutput{URL: frame}, URLOutput{URL: "bad"}}}, want: []byte("frame")},
		{name: "list of streams", out: ListOutput{Items: []Output{StreamOutput{Body: strings.NewReader("s")}}}, want: []byte("s")},
		{name: "object field", out: ObjectOutput{Fields: map[string]Output{"model_file": URLOutput{URL: frame}}}, field: "model_file", want: []byte("frame")},
		{name: "object missing field", out: ObjectOutput{Fields: map[string]Output{}}, field: "model_file", wantErr: true},
		{name: "empty list", out: ListOutput{}, wantErr: true},
		{name: "empty stream", out: StreamOutput{Body: strings.NewReader("")}, wantErr: true},
		{name: "nil stream", out: StreamOutput{}, wantErr: true},
		{name: "nil output", out: nil, wantErr: true},
		{name: "unsupported scheme", out: URLOutput{URL: "ftp://host/file"}, wantErr: true},
		{name: "empty url", out: URLOutput{URL: " "}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := client.Resolve(ctx, tt.out, tt.field)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedOutput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
