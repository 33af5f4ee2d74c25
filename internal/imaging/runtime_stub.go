//go:build !govips || !cgo

package imaging

func Startup() error {
	return nil
}

func Shutdown() {}

func newEngine() engine {
	return stdEngine{}
}
