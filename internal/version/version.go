/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package version provides build information.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is the current version of the smart-schedulers service.
// This is set at build time via ldflags:
//
//	-X github.com/friendsincode/smart_schedulers/internal/version.Version=X.Y.Z
var Version = "0.4.0"

// Commit is the VCS revision, filled from build info when not set via ldflags.
var Commit = ""

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	GoVersion string `json:"go_version"`
}

// Get returns the build information of the running binary.
func Get() Info {
	info := Info{Version: Version, Commit: Commit, GoVersion: runtime.Version()}
	if info.Commit == "" {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				if s.Key == "vcs.revision" {
					info.Commit = s.Value
					break
				}
			}
		}
	}
	return info
}

func (i Info) String() string {
	commit := i.Commit
	if len(commit) > 12 {
		commit = commit[:12]
	}
	if commit == "" {
		return fmt.Sprintf("smart-schedulers %s (%s)", i.Version, i.GoVersion)
	}
	return fmt.Sprintf("smart-schedulers %s %s (%s)", i.Version, commit, i.GoVersion)
}
