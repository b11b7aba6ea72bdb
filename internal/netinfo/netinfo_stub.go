//go:build !linux

package netinfo

func Lookup(string) (Route, error) {
	return Route{}, ErrUnsupported
}
