//go:build !govips || !cgo

package segment

func Startup() error {
	return nil
}

func Shutdown() {}

func newOverlay(opts Options) Segmenter {
	return stdOverlay{labels: opts.Labels}
}
