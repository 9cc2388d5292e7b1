//go:build windows

package osversion

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func lookup() (string, string) {
	v := windows.RtlGetVersion()
	return "Windows", fmt.Sprintf("%d.%d.%d", v.MajorVersion, v.MinorVersion, v.BuildNumber)
}
