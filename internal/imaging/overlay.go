package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/antispoof-monitor/pkg/types"
)

var (
	colorReal  = color.RGBA{R: 34, G: 197, B: 94, A: 255}
	colorFake  = color.RGBA{R: 239, G: 68, B: 68, A: 255}
	colorMixed = color.RGBA{R: 234, G: 179, B: 8, A: 255}
	colorNone  = color.RGBA{R: 148, G: 163, B: 184, A: 255}
	colorText  = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	colorShade = color.RGBA{R: 0, G: 0, B: 0, A: 200}
)

// Overlay describes what to draw on top of a source frame.
type Overlay struct {
	Detections  []types.Detection
	FrameWidth  int // pixel space of Detections; 0 means same as the source
	FrameHeight int
	Status      types.Status
	Caption     string // top-left banner, e.g. health and latency
}

// StatusColor maps a status to its badge color.
func StatusColor(s types.Status) color.RGBA {
	switch s {
	case types.StatusReal:
		return colorReal
	case types.StatusFake:
		return colorFake
	case types.StatusMixed:
		return colorMixed
	default:
		return colorNone
	}
}

func labelColor(l types.Label) color.RGBA {
	if l == types.LabelReal {
		return colorReal
	}
	return colorFake
}

// Annotate decodes src, draws ov on it and re-encodes it as JPEG.
func Annotate(src types.Frame, ov Overlay) ([]byte, error) {
	img, err := Decode(src)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(canvas, canvas.Bounds(), img, b.Min, draw.Src)

	for _, det := range ov.Detections {
		box := det.BBox.Scale(ov.FrameWidth, ov.FrameHeight, b.Dx(), b.Dy())
		c := labelColor(det.Label)
		drawRect(canvas, box, c, 3)

		label := fmt.Sprintf("%s %.0f%%", det.Label, det.Confidence*100)
		labelY := box.Y - 18
		if labelY < 2 {
			labelY = box.Y + box.H + 4
		}
		drawText(canvas, box.X, labelY, label, c)
	}

	caption := string(ov.Status)
	if caption == "" {
		caption = string(types.StatusNone)
	}
	if ov.Caption != "" {
		caption += "  " + ov.Caption
	}
	drawText(canvas, 8, 8, caption, StatusColor(ov.Status))

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: 75}); err != nil {
		return nil, fmt.Errorf("encode overlay: %w", err)
	}
	return buf.Bytes(), nil
}

func drawRect(img *image.RGBA, box types.BoundingBox, c color.RGBA, thickness int) {
	u := image.NewUniform(c)
	r := image.Rect(box.X, box.Y, box.X+box.W, box.Y+box.H).Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	for i := 0; i < thickness; i++ {
		draw.Draw(img, image.Rect(r.Min.X, r.Min.Y+i, r.Max.X, r.Min.Y+i+1), u, image.Point{}, draw.Src)
		draw.Draw(img, image.Rect(r.Min.X, r.Max.Y-i-1, r.Max.X, r.Max.Y-i), u, image.Point{}, draw.Src)
		draw.Draw(img, image.Rect(r.Min.X+i, r.Min.Y, r.Min.X+i+1, r.Max.Y), u, image.Point{}, draw.Src)
		draw.Draw(img, image.Rect(r.Max.X-i-1, r.Min.Y, r.Max.X-i, r.Max.Y), u, image.Point{}, draw.Src)
	}
}

// drawText renders s with a shaded background; (x, y) is the top-left corner.
func drawText(img *image.RGBA, x, y int, s string, accent color.RGBA) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, s).Ceil()
	height := face.Metrics().Height.Ceil()

	bg := image.Rect(x, y, x+width+6, y+height+4).Intersect(img.Bounds())
	draw.Draw(img, bg, image.NewUniform(colorShade), image.Point{}, draw.Over)
	draw.Draw(img, image.Rect(bg.Min.X, bg.Min.Y, bg.Min.X+2, bg.Max.Y).Intersect(img.Bounds()),
		image.NewUniform(accent), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(colorText),
		Face: face,
		Dot:  fixed.P(x+4, y+2+face.Metrics().Ascent.Ceil()),
	}
	d.DrawString(s)
}

// Blank renders the placeholder shown before the first frame arrives.
func Blank(width, height int, message string) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 15, G: 23, B: 42, A: 255}), image.Point{}, draw.Src)
	if message != "" {
		w := font.MeasureString(basicfont.Face7x13, message).Ceil()
		drawText(img, (width-w)/2, height/2-8, message, colorNone)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
