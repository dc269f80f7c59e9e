// Package version exposes the build version string.
package version

// Version is the control-plane release, overridden at build time with
// -ldflags "-X hostwarden/internal/version.Version=v1.2.3".
var Version = "dev"
