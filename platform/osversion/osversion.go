// Package osversion reports the name and version of the running operating system.
//
// The lookup runs once per process; both values are always non-empty.
package osversion

import "sync"

// Unknown is reported when the OS does not expose a version.
const Unknown = "unknown"

var (
	once    sync.Once
	name    string
	version string
)

func load() {
	once.Do(func() {
		name, version = lookup()
		if name == "" {
			name = Unknown
		}
		if version == "" {
			version = Unknown
		}
	})
}

// Name returns the OS name, e.g. "Linux", "macOS", "iOS" or "Windows".
func Name() string {
	load()
	return name
}

// Version returns the OS version text, e.g. "6.1.0-18-amd64" or "17.2".
func Version() string {
	load()
	return version
}

// String returns "<Name> <Version>".
func String() string {
	return Name() + " " + Version()
}
