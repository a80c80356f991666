package types

import "time"

// FrameFormat identifies the pixel encoding of a Frame.
type FrameFormat uint8

const (
	FormatJPEG  FrameFormat = 0 // Encoded JPEG bytes
	FormatRGB24 FrameFormat = 1 // Packed R,G,B, 3 bytes per pixel
	FormatRGBA  FrameFormat = 2 // Packed R,G,B,A, 4 bytes per pixel
)

func (f FrameFormat) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatRGB24:
		return "rgb24"
	case FormatRGBA:
		return "rgba"
	default:
		return "unknown"
	}
}

// Frame is one image produced by the frame source.
type Frame struct {
	Seq       uint64    // Sequential number assigned by the sampler
	Timestamp time.Time // Capture (or arrival) time
	Width     int       // Pixel width, 0 if unknown (JPEG not yet decoded)
	Height    int       // Pixel height, 0 if unknown
	Format    FrameFormat
	Data      []byte
}

// IsZero reports whether the frame carries no image data.
func (f Frame) IsZero() bool {
	return len(f.Data) == 0
}
