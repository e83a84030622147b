package grid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testBounds = Bounds{Rotate: 20, Pupil: 15}
	testRender = RenderParams{
		CropFactor:    1.5,
		OutputQuality: 95,
		SrcRatio:      1,
		SampleRatio:   1,
		OutputFormat:  "webp",
	}
)

func TestGenerate_CountAndIndices(t *testing.T) {
	sizes := [][2]int{{1, 1}, {1, 5}, {5, 1}, {3, 3}, {5, 5}, {7, 4}, {30, 30}}

	for _, size := range sizes {
		xSteps, ySteps := size[0], size[1]
		specs := Generate(xSteps, ySteps, testBounds, testRender, "avatar")

		require.Len(t, specs, xSteps*ySteps, "grid %dx%d", xSteps, ySteps)
		for i, spec := range specs {
			assert.Equal(t, i, spec.Index)
			assert.Equal(t, spec.Row*xSteps+spec.Col, spec.Index)
		}
	}
}

func TestGenerate_Boundaries(t *testing.T) {
	specs := Generate(5, 5, testBounds, testRender, "avatar")

	tests := []struct {
		name     string
		row, col int
		yaw      float64
		pitch    float64
		px, py   float64
	}{
		{name: "top left", row: 0, col: 0, yaw: -20, pitch: -20, px: -15, py: -15},
		{name: "bottom right", row: 4, col: 4, yaw: 20, pitch: 20, px: 15, py: 15},
		{name: "center", row: 2, col: 2, yaw: 0, pitch: 0, px: 0, py: 0},
		{name: "top right", row: 0, col: 4, yaw: 20, pitch: -20, px: 15, py: -15},
		{name: "quarter", row: 1, col: 1, yaw: -10, pitch: -10, px: -7.5, py: -7.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := specs[tt.row*5+tt.col]
			assert.Equal(t, tt.yaw, spec.RotateYaw)
			assert.Equal(t, tt.pitch, spec.RotatePitch)
			assert.Equal(t, tt.px, spec.PupilX)
			assert.Equal(t, tt.py, spec.PupilY)
		})
	}
}

func TestGenerate_SingleColumnUsesMidpoint(t *testing.T) {
	specs := Generate(1, 4, testBounds, testRender, "avatar")

	for _, spec := range specs {
		assert.Equal(t, 0.0, spec.RotateYaw)
		assert.Equal(t, 0.0, spec.PupilX)
	}
	assert.Equal(t, -20.0, specs[0].RotatePitch)
	assert.Equal(t, 20.0, specs[3].RotatePitch)
}

func TestGenerate_RoundsToTwoDecimals(t *testing.T) {
	specs := Generate(4, 1, Bounds{Rotate: 10, Pupil: 10}, testRender, "avatar")

	// 10 * (2/3) - 10 = -3.333...
	assert.Equal(t, -3.33, specs[1].RotateYaw)
	assert.Equal(t, 3.33, specs[2].RotateYaw)
}

func TestGenerate_Deterministic(t *testing.T) {
	a := Generate(6, 3, testBounds, testRender, "face")
	b := Generate(6, 3, testBounds, testRender, "face")
	assert.Equal(t, a, b)
}

func TestGenerate_CarriesRenderParams(t *testing.T) {
	specs := Generate(2, 2, testBounds, testRender, "avatar")
	for _, spec := range specs {
		assert.Equal(t, testRender, spec.Render)
	}
}

func TestFilename(t *testing.T) {
	specs := Generate(5, 5, testBounds, testRender, "avatar")

	assert.Equal(t, "avatar_px-15_py-15.webp", specs[0].Filename)
	assert.Equal(t, "avatar_px0_py0.webp", specs[12].Filename)
	assert.Equal(t, "avatar_px-7.5_py-15.webp", specs[1].Filename)
	assert.Equal(t, "me_px1_py2.png", Filename("me", 1, 2, "png"))
	assert.Equal(t, "me_px1_py2.webp", Filename("me", 1, 2, ""))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		x, y    int
		wantErr bool
	}{
		{name: "minimum", x: 1, y: 1},
		{name: "default", x: 5, y: 5},
		{name: "maximum", x: MaxSteps, y: MaxSteps},
		{name: "zero x", x: 0, y: 5, wantErr: true},
		{name: "negative y", x: 5, y: -1, wantErr: true},
		{name: "too large", x: MaxSteps + 1, y: 5, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.x, tt.y)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidSteps)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
