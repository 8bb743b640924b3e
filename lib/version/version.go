// Copyright 2026 The Otaforge Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build version information for otaforge
// binaries.
package version

import "fmt"

// Version is the build version, overridden at link time with
// -ldflags "-X github.com/otaforge/otaforge/lib/version.Version=...".
var Version = "dev"

// Info returns the version string.
func Info() string {
	return Version
}

// Print writes the standard "--version" line for the named binary.
func Print(binary string) {
	fmt.Printf("%s %s\n", binary, Info())
}
