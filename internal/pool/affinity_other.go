//go:build !linux

package pool

import "errors"

func pinToCPU(int) error {
	return errors.New("pool: cpu pinning is only supported on linux")
}
