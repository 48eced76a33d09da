//go:build govips && cgo

package segment

import (
	"bytes"
	"context"
	"fmt"
	"image/png"

	"github.com/davidbyttow/govips/v2/vips"
)

type govipsOverlay struct {
	labels bool
}

func (o govipsOverlay) Segment(ctx context.Context, input []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}
	defer img.Close()

	if err := img.AutoRotate(); err != nil {
		return nil, fmt.Errorf("auto-rotate image: %w", err)
	}
	if img.HasAlpha() {
		if err := img.ExtractBand(0, img.Bands()-1); err != nil {
			return nil, fmt.Errorf("drop alpha band: %w", err)
		}
	}
	if err := img.AddAlpha(); err != nil {
		return nil, fmt.Errorf("add alpha band: %w", err)
	}

	var maskPNG bytes.Buffer
	if err := png.Encode(&maskPNG, buildMask(img.Width(), img.Height(), o.labels)); err != nil {
		return nil, fmt.Errorf("encode mask: %w", err)
	}
	mask, err := vips.NewImageFromBuffer(maskPNG.Bytes())
	if err != nil {
		return nil, fmt.Errorf("load mask: %w", err)
	}
	defer mask.Close()

	if err := img.Composite(mask, vips.BlendModeOver, 0, 0); err != nil {
		return nil, fmt.Errorf("composite mask: %w", err)
	}

	data, _, err := img.ExportPng(vips.NewPngExportParams())
	if err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return data, nil
}
