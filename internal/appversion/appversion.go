// Package appversion provides build-time version information for the host
// and worker binaries.
package appversion

import (
	"fmt"

	"edbridge/pkg/protocol"
)

// Set at build time via -ldflags "-X edbridge/internal/appversion.version=...".
var (
	version = "dev" //nolint:gochecknoglobals // ldflags requires package-level var
	commit  = ""    //nolint:gochecknoglobals // ldflags requires package-level var
)

// String returns the current version.
func String() string {
	return version
}

// Full returns the version with commit and wire protocol version, as shown
// by `edbridge --version`.
func Full() string {
	if commit == "" {
		return fmt.Sprintf("%s (protocol %d)", version, protocol.ProtocolVersion)
	}
	return fmt.Sprintf("%s (%s, protocol %d)", version, commit, protocol.ProtocolVersion)
}
