package segment

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

type stdOverlay struct {
	labels bool
}

func (o stdOverlay) Segment(ctx context.Context, input []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	src, err := imaging.Decode(bytes.NewReader(input), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}

	base := imaging.Clone(src)
	bounds := base.Bounds()
	if bounds.Empty() {
		return nil, fmt.Errorf("source image has invalid dimensions")
	}
	dropAlpha(base)

	mask := buildMask(bounds.Dx(), bounds.Dy(), o.labels)
	draw.Draw(base, bounds, mask, image.Point{}, draw.Over)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, base, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// dropAlpha makes every pixel opaque while keeping its color, so a
// transparent upload is treated as a plain RGB photo.
func dropAlpha(img *image.NRGBA) {
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
}
