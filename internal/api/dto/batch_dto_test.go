package dto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestGenerateBatchRequest_Grid(t *testing.T) {
	tests := []struct {
		name       string
		req        GenerateBatchRequest
		wantX      int
		wantY      int
		wantPrefix string
		wantErr    bool
	}{
		{name: "defaults", req: GenerateBatchRequest{}, wantX: 5, wantY: 5, wantPrefix: "avatar"},
		{name: "explicit", req: GenerateBatchRequest{XSteps: intPtr(3), YSteps: intPtr(1), Prefix: "me"}, wantX: 3, wantY: 1, wantPrefix: "me"},
		{name: "zero is kept for validation", req: GenerateBatchRequest{XSteps: intPtr(0)}, wantX: 0, wantY: 5, wantPrefix: "avatar"},
		{name: "prefix with path separator", req: GenerateBatchRequest{Prefix: "../etc"}, wantErr: true},
		{name: "prefix with spaces inside", req: GenerateBatchRequest{Prefix: "my face"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, y, prefix, err := tt.req.Grid(5, 5, "avatar")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantX, x)
			assert.Equal(t, tt.wantY, y)
			assert.Equal(t, tt.wantPrefix, prefix)
		})
	}
}

func TestDecodeImage(t *testing.T) {
	raw := []byte("\x89PNG\r\n\x1a\nrest")
	encoded := base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name    string
		input   string
		want    []byte
		wantErr error
	}{
		{name: "bare base64", input: encoded, want: raw},
		{name: "data uri", input: "data:image/png;base64," + encoded, want: raw},
		{name: "surrounding whitespace", input: "  " + encoded + "\n", want: raw},
		{name: "empty", input: "", wantErr: ErrNoImage},
		{name: "blank", input: "   ", wantErr: ErrNoImage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeImage(tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := DecodeImage("not base64!!")
	assert.Error(t, err)

	_, err = DecodeImage("data:image/png," + encoded)
	assert.Error(t, err)
}
