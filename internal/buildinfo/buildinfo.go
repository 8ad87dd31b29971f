// Package buildinfo reports the version stamped at link time, falling back to
// the VCS details the Go toolchain embeds.
package buildinfo

import (
	"runtime/debug"
	"sync"
)

// Set with -ldflags "-X fleetroute/internal/buildinfo.Version=..."
var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

var (
	once sync.Once
	info map[string]string
)

func Info() map[string]string {
	once.Do(func() {
		info = map[string]string{
			"version": Version,
			"commit":  Commit,
			"builtAt": BuiltAt,
		}
		bi, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		info["go"] = bi.GoVersion
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info["commit"] == "" {
					info["commit"] = s.Value
				}
			case "vcs.time":
				if info["builtAt"] == "" {
					info["builtAt"] = s.Value
				}
			}
		}
	})
	return info
}
