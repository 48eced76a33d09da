package segment

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

type region struct {
	name           string
	x0, y0, x1, y1 float64
	fill           color.NRGBA
}

// Drawn in order; later regions overwrite earlier ones inside the mask.
var regions = []region{
	{name: "floor", x0: 0, y0: 0.65, x1: 1, y1: 1, fill: color.NRGBA{R: 255, A: 120}},
	{name: "wall", x0: 0, y0: 0.15, x1: 0.25, y1: 0.65, fill: color.NRGBA{G: 255, A: 120}},
	{name: "wall", x0: 0.75, y0: 0.15, x1: 1, y1: 0.65, fill: color.NRGBA{G: 255, A: 120}},
	{name: "door", x0: 0.1, y0: 0.45, x1: 0.22, y1: 0.65, fill: color.NRGBA{B: 255, A: 160}},
	{name: "window", x0: 0.55, y0: 0.18, x1: 0.78, y1: 0.36, fill: color.NRGBA{R: 255, G: 255, A: 160}},
}

// regionRect maps fractional corners to pixels. Corners are inclusive, so the
// far edge is extended by one pixel and clipped to the image.
func regionRect(r region, w, h int) image.Rectangle {
	x0 := int(float64(w) * r.x0)
	y0 := int(float64(h) * r.y0)
	x1 := int(float64(w) * r.x1)
	y1 := int(float64(h) * r.y1)
	return image.Rect(x0, y0, x1+1, y1+1).Intersect(image.Rect(0, 0, w, h))
}

// buildMask renders the transparent overlay for a w x h image.
func buildMask(w, h int, labels bool) *image.NRGBA {
	mask := image.NewNRGBA(image.Rect(0, 0, w, h))
	for _, r := range regions {
		draw.Draw(mask, regionRect(r, w, h), image.NewUniform(r.fill), image.Point{}, draw.Src)
	}
	if labels {
		drawLabels(mask)
	}
	return mask
}

func drawLabels(mask *image.NRGBA) {
	const pad = 4

	face := basicfont.Face7x13
	ascent := face.Metrics().Ascent.Ceil()
	height := face.Metrics().Height.Ceil()
	drawer := &font.Drawer{
		Dst:  mask,
		Src:  image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: 230}),
		Face: face,
	}

	w, h := mask.Bounds().Dx(), mask.Bounds().Dy()
	for _, r := range regions {
		rect := regionRect(r, w, h)
		width := drawer.MeasureString(r.name).Ceil()
		if rect.Dx() < width+2*pad || rect.Dy() < height+2*pad {
			continue
		}
		drawer.Dot = fixed.P(rect.Min.X+pad, rect.Min.Y+pad+ascent)
		drawer.DrawString(r.name)
	}
}
