//go:build !linux

package hook

import "os"

// Interception requires the Linux dynamic loader.
func (l *Library) resolve() {
	l.log.Error("audio interception is only supported on linux")
	os.Exit(1)
}

// Overrides is unavailable off linux.
func (l *Library) Overrides() map[string]uintptr { return nil }

// InstallOverrides is a no-op off linux.
func (l *Library) InstallOverrides(string) error { return nil }
