package internal

import (
	"fmt"
	"runtime"
)

// Version is the current release. It is overridden at build time with
// -ldflags "-X simplepresence/internal.Version=...".
var Version = "0.1.0"

// VersionString describes the running binary.
func VersionString() string {
	return fmt.Sprintf("simplepresence v%s (%s/%s, %s)", Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
}
