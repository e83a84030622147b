package generation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/parallax-avatar/internal/cache"
	"github.com/cuongbtq/parallax-avatar/internal/grid"
	"github.com/cuongbtq/parallax-avatar/internal/replicate"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePredictor struct {
	mu     sync.Mutex
	calls  []map[string]any
	models []string
	fields []string
	out    replicate.Output
	data   []byte
	err    error
}

func (f *fakePredictor) Run(_ context.Context, model string, input map[string]any) (replicate.Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models = append(f.models, model)
	f.calls = append(f.calls, input)
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func (f *fakePredictor) Resolve(_ context.Context, _ replicate.Output, field string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fields = append(f.fields, field)
	return f.data, nil
}

func TestFrameClient_CallFrameBuildsInput(t *testing.T) {
	predictor := &fakePredictor{out: replicate.URLOutput{URL: "x"}, data: []byte("frame")}
	client := NewFrameClient(predictor, "fofr/expression-editor", discardLogger())

	render := grid.RenderParams{CropFactor: 2.5, OutputQuality: 95, SrcRatio: 1, SampleRatio: 1, OutputFormat: "webp"}
	spec := grid.Generate(3, 3, grid.Bounds{Rotate: 20, Pupil: 15}, render, "avatar")[2]

	data, err := client.CallFrame(context.Background(), pngHeader, spec)
	require.NoError(t, err)
	assert.Equal(t, []byte("frame"), data)

	require.Len(t, predictor.calls, 1)
	input := predictor.calls[0]
	assert.Equal(t, "fofr/expression-editor", predictor.models[0])
	assert.True(t, strings.HasPrefix(input["image"].(string), "data:image/png;base64,"))
	assert.Equal(t, 20.0, input["rotate_yaw"])
	assert.Equal(t, -20.0, input["rotate_pitch"])
	assert.Equal(t, 15.0, input["pupil_x"])
	assert.Equal(t, -15.0, input["pupil_y"])
	assert.Equal(t, 2.5, input["crop_factor"])
	assert.Equal(t, 95, input["output_quality"])
	assert.Equal(t, 1.0, input["src_ratio"])
	assert.Equal(t, 1.0, input["sample_ratio"])
	assert.Equal(t, "webp", input["output_format"])
	assert.Equal(t, []string{""}, predictor.fields)
}

func TestFrameClient_CallFramePreservesRetryable(t *testing.T) {
	predictor := &fakePredictor{err: &replicate.RetryableError{Err: &replicate.APIError{StatusCode: 429}}}
	client := NewFrameClient(predictor, "m/m", discardLogger())

	_, err := client.CallFrame(context.Background(), pngHeader, grid.FrameSpec{Index: 4})
	require.Error(t, err)
	assert.True(t, replicate.IsRetryable(err))
	assert.Contains(t, err.Error(), "frame 4")
}

func TestFrameClient_AgainstHTTPServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Input map[string]any `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, -7.5, body.Input["pupil_x"])

		w.Header().Set("Content-Type", "image/webp")
		_, _ = w.Write([]byte("RIFF...."))
	}))
	defer ts.Close()

	client := NewFrameClient(replicate.NewClient(replicate.Options{BaseURL: ts.URL, APIToken: "t"}), "owner/model", discardLogger())
	spec := grid.FrameSpec{PupilX: -7.5, Render: grid.RenderParams{OutputFormat: "webp"}}

	data, err := client.CallFrame(context.Background(), pngHeader, spec)
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF...."), data)
}

func TestRestyler_CachesResult(t *testing.T) {
	predictor := &fakePredictor{out: replicate.URLOutput{URL: "x"}, data: []byte("styled")}
	store := cache.NewMemoryStore(4)
	restyler := NewRestyler(predictor, "owner/restyle", "pixar style", store, discardLogger())
	ctx := context.Background()

	data, cached, err := restyler.Restyle(ctx, pngHeader)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, []byte("styled"), data)
	assert.Equal(t, "pixar style", predictor.calls[0]["prompt"])

	data, cached, err = restyler.Restyle(ctx, pngHeader)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, []byte("styled"), data)
	assert.Len(t, predictor.calls, 1)
}

func TestRestyler_NoCache(t *testing.T) {
	predictor := &fakePredictor{out: replicate.URLOutput{URL: "x"}, data: []byte("styled")}
	restyler := NewRestyler(predictor, "owner/restyle", "", nil, discardLogger())

	for i := 0; i < 2; i++ {
		_, cached, err := restyler.Restyle(context.Background(), pngHeader)
		require.NoError(t, err)
		assert.False(t, cached)
	}
	assert.Len(t, predictor.calls, 2)
	assert.NotContains(t, predictor.calls[0], "prompt")
}

func TestRestyler_Error(t *testing.T) {
	predictor := &fakePredictor{err: errors.New("boom")}
	restyler := NewRestyler(predictor, "owner/restyle", "", cache.NewMemoryStore(1), discardLogger())

	_, _, err := restyler.Restyle(context.Background(), pngHeader)
	assert.ErrorContains(t, err, "restyle: boom")
}

func TestMeshGenerator_SelectsOutputField(t *testing.T) {
	tests := []struct {
		name      string
		field     string
		wantField string
	}{
		{name: "default field", field: "", wantField: "model_file"},
		{name: "custom field", field: "mesh", wantField: "mesh"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			predictor := &fakePredictor{out: replicate.ObjectOutput{}, data: []byte("glTF")}
			gen := NewMeshGenerator(predictor, "owner/trellis", tt.field)

			data, err := gen.Generate(context.Background(), pngHeader)
			require.NoError(t, err)
			assert.Equal(t, []byte("glTF"), data)
			assert.Equal(t, []string{tt.wantField}, predictor.fields)
		})
	}
}
