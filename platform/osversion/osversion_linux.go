//go:build linux

package osversion

import (
	"runtime"

	"golang.org/x/sys/unix"
)

func lookup() (string, string) {
	osName := "Linux"
	if runtime.GOOS == "android" {
		osName = "Android"
	}

	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return osName, ""
	}
	return osName, unix.ByteSliceToString(uts.Release[:])
}
