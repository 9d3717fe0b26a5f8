package buildinfo

import (
	"fmt"

	"github.com/cordum/ragops/core/infra/logging"
)

// Set at link time with -ldflags "-X github.com/cordum/ragops/core/infra/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Map returns the build fields for JSON responses.
func Map() map[string]string {
	return map[string]string{"version": Version, "commit": Commit, "date": Date}
}

// Log writes the build summary with the service name.
func Log(service string) {
	logging.Info(service, "build", "version", Version, "commit", Commit, "date", Date)
}
