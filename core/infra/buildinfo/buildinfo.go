// Package buildinfo exposes the version stamped in at link time via
// -ldflags "-X github.com/openclaw/openclaw/core/infra/buildinfo.Version=...".
package buildinfo

import (
	"fmt"

	"github.com/openclaw/openclaw/core/infra/logging"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Log records the build summary at process start.
func Log(service string) {
	logging.Info(service, "starting", "version", Version, "commit", Commit, "date", Date)
}
