// Package segment turns a room photograph into an annotated PNG.
package segment

import "context"

// Segmenter transforms an input image into an annotated output image. It must
// not depend on job records; any error means the job failed.
type Segmenter interface {
	Segment(ctx context.Context, input []byte) ([]byte, error)
}

// Func adapts an ordinary function to the Segmenter interface.
type Func func(ctx context.Context, input []byte) ([]byte, error)

func (f Func) Segment(ctx context.Context, input []byte) ([]byte, error) {
	return f(ctx, input)
}

type Options struct {
	Labels bool
}

// NewOverlay returns the fixed geometric overlay segmenter. Builds with the
// govips tag composite through libvips; others use pure Go.
func NewOverlay(opts Options) Segmenter {
	return newOverlay(opts)
}
