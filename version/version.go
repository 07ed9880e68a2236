// Package version holds the build version, overridden at link time with
// -ldflags "-X github.com/determined-ai/trialdispatcher/version.Version=...".
package version

// Version is the trial-dispatcher version reported to runners.
var Version = "0.3.0"
