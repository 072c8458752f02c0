// Package common holds process-wide helpers shared by the binaries: logger
// setup and version information.
package common

// PackageName tags logs and metrics emitted by this service.
const PackageName = "credman"

// Version is set at build time via -ldflags.
var Version = "dev"
