//go:build darwin

package osversion

import (
	"runtime"

	"golang.org/x/sys/unix"
)

func lookup() (string, string) {
	osName := "macOS"
	if runtime.GOOS == "ios" {
		osName = "iOS"
	}

	// kern.osproductversion is the marketing version ("14.2"); older kernels
	// only have the Darwin release ("23.2.0").
	if v, err := unix.Sysctl("kern.osproductversion"); err == nil && v != "" {
		return osName, v
	}
	if v, err := unix.Sysctl("kern.osrelease"); err == nil {
		return osName, v
	}
	return osName, ""
}
