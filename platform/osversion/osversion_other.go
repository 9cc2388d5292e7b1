//go:build !linux && !darwin && !windows

package osversion

import (
	"runtime"
	"strings"
)

func lookup() (string, string) {
	if runtime.GOOS == "" {
		return "", ""
	}
	return strings.ToUpper(runtime.GOOS[:1]) + runtime.GOOS[1:], ""
}
