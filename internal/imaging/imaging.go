// Package imaging converts frames between the encodings the backends and the
// view layer need, and renders detection overlays.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

const DefaultQuality = 85

// Decode returns the frame as an image.
func Decode(f types.Frame) (image.Image, error) {
	switch f.Format {
	case types.FormatJPEG:
		img, err := jpeg.Decode(bytes.NewReader(f.Data))
		if err != nil {
			return nil, fmt.Errorf("decode jpeg: %w", err)
		}
		return img, nil
	case types.FormatRGB24:
		if f.Width <= 0 || f.Height <= 0 || len(f.Data) < f.Width*f.Height*3 {
			return nil, fmt.Errorf("rgb24 frame %dx%d has %d bytes", f.Width, f.Height, len(f.Data))
		}
		img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
		for i, j := 0, 0; i < f.Width*f.Height*3; i, j = i+3, j+4 {
			img.Pix[j] = f.Data[i]
			img.Pix[j+1] = f.Data[i+1]
			img.Pix[j+2] = f.Data[i+2]
			img.Pix[j+3] = 0xff
		}
		return img, nil
	case types.FormatRGBA:
		if f.Width <= 0 || f.Height <= 0 || len(f.Data) < f.Width*f.Height*4 {
			return nil, fmt.Errorf("rgba frame %dx%d has %d bytes", f.Width, f.Height, len(f.Data))
		}
		return &image.RGBA{
			Pix:    f.Data,
			Stride: f.Width * 4,
			Rect:   image.Rect(0, 0, f.Width, f.Height),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported frame format %s", f.Format)
	}
}

// fit returns the largest size within maxW x maxH that keeps w:h. Zero limits
// disable the bound on that axis.
func fit(w, h, maxW, maxH int) (int, int) {
	scale := 1.0
	if maxW > 0 && w > maxW {
		scale = float64(maxW) / float64(w)
	}
	if maxH > 0 && h > maxH {
		if s := float64(maxH) / float64(h); s < scale {
			scale = s
		}
	}
	if scale >= 1.0 {
		return w, h
	}
	nw, nh := int(float64(w)*scale), int(float64(h)*scale)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}

// Resize scales img down to fit within maxW x maxH. Images already within the
// bound are returned as-is.
func Resize(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	w, h := fit(b.Dx(), b.Dy(), maxW, maxH)
	if w == b.Dx() && h == b.Dy() {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// EncodeJPEG prepares a frame for upload: raw frames are encoded, frames
// larger than maxW x maxH are downscaled. JPEG frames already within bounds
// pass through untouched. The returned size is the pixel space of the output.
func EncodeJPEG(f types.Frame, maxW, maxH, quality int) ([]byte, int, int, error) {
	if quality <= 0 {
		quality = DefaultQuality
	}
	if f.Format == types.FormatJPEG && maxW <= 0 && maxH <= 0 && f.Width > 0 && f.Height > 0 {
		return f.Data, f.Width, f.Height, nil
	}

	img, err := Decode(f)
	if err != nil {
		return nil, 0, 0, err
	}
	b := img.Bounds()
	if f.Format == types.FormatJPEG {
		if w, h := fit(b.Dx(), b.Dy(), maxW, maxH); w == b.Dx() && h == b.Dy() {
			return f.Data, w, h, nil
		}
	}

	img = Resize(img, maxW, maxH)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, 0, 0, fmt.Errorf("encode jpeg: %w", err)
	}
	b = img.Bounds()
	return buf.Bytes(), b.Dx(), b.Dy(), nil
}

// ToRGB24 converts a frame to packed RGB24, returning its size.
func ToRGB24(f types.Frame) ([]byte, int, int, error) {
	if f.Format == types.FormatRGB24 {
		return f.Data, f.Width, f.Height, nil
	}
	img, err := Decode(f)
	if err != nil {
		return nil, 0, 0, err
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]byte, 0, w*h*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			out = append(out, c.R, c.G, c.B)
		}
	}
	return out, w, h, nil
}

// Size returns the pixel size of a frame, decoding only the JPEG header when
// the frame does not carry it.
func Size(f types.Frame) (int, int, error) {
	if f.Width > 0 && f.Height > 0 {
		return f.Width, f.Height, nil
	}
	if f.Format != types.FormatJPEG {
		return 0, 0, fmt.Errorf("%s frame without size", f.Format)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(f.Data))
	if err != nil {
		return 0, 0, fmt.Errorf("decode jpeg header: %w", err)
	}
	return cfg.Width, cfg.Height, nil
}

// FrameFromJPEG wraps encoded JPEG bytes as a frame, reading the size from the
// header. The data is not copied.
func FrameFromJPEG(data []byte) (types.Frame, error) {
	f := types.Frame{Format: types.FormatJPEG, Data: data}
	w, h, err := Size(f)
	if err != nil {
		return types.Frame{}, err
	}
	f.Width, f.Height = w, h
	return f, nil
}
