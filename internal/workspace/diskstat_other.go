//go:build !linux

package workspace

import "errors"

// freeBytes is unsupported outside Linux; Pressure() fails open.
func freeBytes(dir string) (uint64, error) {
	return 0, errors.New("disk pressure check unsupported on this platform")
}
