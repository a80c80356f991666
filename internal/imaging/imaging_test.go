package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

func testJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestFit(t *testing.T) {
	w, h := fit(1280, 720, 640, 480)
	assert.Equal(t, 640, w)
	assert.Equal(t, 360, h)

	w, h = fit(320, 240, 640, 480)
	assert.Equal(t, 320, w)
	assert.Equal(t, 240, h)

	w, h = fit(1000, 2000, 0, 500)
	assert.Equal(t, 250, w)
	assert.Equal(t, 500, h)
}

func TestEncodeJPEGDownscales(t *testing.T) {
	f := types.Frame{Format: types.FormatJPEG, Data: testJPEG(t, 200, 100)}

	out, w, h, err := EncodeJPEG(f, 100, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, 100, w)
	assert.Equal(t, 50, h)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Width)
	assert.Equal(t, 50, cfg.Height)
}

func TestEncodeJPEGPassesThroughSmallFrames(t *testing.T) {
	data := testJPEG(t, 64, 48)
	f := types.Frame{Format: types.FormatJPEG, Data: data}

	out, w, h, err := EncodeJPEG(f, 640, 480, 0)
	require.NoError(t, err)
	assert.Equal(t, data, out)
	assert.Equal(t, 64, w)
	assert.Equal(t, 48, h)
}

func TestEncodeRawRGB(t *testing.T) {
	f := types.Frame{Format: types.FormatRGB24, Width: 4, Height: 2, Data: make([]byte, 4*2*3)}
	out, w, h, err := EncodeJPEG(f, 0, 0, 90)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
	assert.Equal(t, 4, w)
	assert.Equal(t, 2, h)
}

func TestToRGB24RoundTripSize(t *testing.T) {
	f := types.Frame{Format: types.FormatJPEG, Data: testJPEG(t, 16, 8)}
	rgb, w, h, err := ToRGB24(f)
	require.NoError(t, err)
	assert.Equal(t, 16, w)
	assert.Equal(t, 8, h)
	assert.Len(t, rgb, 16*8*3)
}

func TestDecodeRejectsShortRaw(t *testing.T) {
	_, err := Decode(types.Frame{Format: types.FormatRGBA, Width: 10, Height: 10, Data: make([]byte, 10)})
	assert.Error(t, err)
}

func TestSizeReadsJPEGHeader(t *testing.T) {
	w, h, err := Size(types.Frame{Format: types.FormatJPEG, Data: testJPEG(t, 33, 21)})
	require.NoError(t, err)
	assert.Equal(t, 33, w)
	assert.Equal(t, 21, h)
}

func TestAnnotateKeepsSourceSize(t *testing.T) {
	src := types.Frame{Format: types.FormatJPEG, Data: testJPEG(t, 320, 240)}
	out, err := Annotate(src, Overlay{
		Detections: []types.Detection{
			{Label: types.LabelReal, Confidence: 0.95, BBox: types.BoundingBox{X: 10, Y: 20, W: 100, H: 150}},
			{Label: types.LabelFake, Confidence: 0.7, BBox: types.BoundingBox{X: 600, Y: 400, W: 80, H: 80}},
		},
		FrameWidth:  640,
		FrameHeight: 480,
		Status:      types.StatusMixed,
		Caption:     "healthy 18.5ms",
	})
	require.NoError(t, err)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 320, cfg.Width)
	assert.Equal(t, 240, cfg.Height)
}

func TestBlank(t *testing.T) {
	out, err := Blank(160, 120, "waiting for camera")
	require.NoError(t, err)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 160, cfg.Width)
}

func TestFrameFromJPEG(t *testing.T) {
	f, err := FrameFromJPEG(testJPEG(t, 48, 32))
	require.NoError(t, err)
	assert.Equal(t, types.FormatJPEG, f.Format)
	assert.Equal(t, 48, f.Width)
	assert.Equal(t, 32, f.Height)

	_, err = FrameFromJPEG([]byte("not a jpeg"))
	assert.Error(t, err)
}
