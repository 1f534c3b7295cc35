// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package build

import (
	"fmt"
	"log"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"
)

var (
	// Injected by the build
	Version = "unknown-dev"
	Host    = "unknown"
	User    = "unknown"
	Stamp   = "0"

	// Set by init()
	Date      time.Time
	IsRelease bool
	IsBeta    bool

	AllowedVersionExp = regexp.MustCompile(`^v\d+\.\d+\.\d+(-[a-z0-9]+)*(\.\d+)*(\+\d+-g[0-9a-f]+)?(-[^\s]+)?$`)
)

func init() {
	if Version != "unknown-dev" && !AllowedVersionExp.MatchString(Version) {
		log.Fatalf("Invalid version string %q;\n\tdoes not match regexp %v", Version, AllowedVersionExp)
	}
	setBuildData()
}

func setBuildData() {
	// A release is something like "v0.1.2", with an optional suffix of
	// letters and dot separated numbers like "-beta3.47". Anything with a
	// dash is some sort of beta.
	exp := regexp.MustCompile(`^v\d+\.\d+\.\d+(-[a-z]+[\d\.]+)?$`)
	IsRelease = exp.MatchString(Version)
	IsBeta = strings.Contains(Version, "-")

	stamp, _ := strconv.Atoi(Stamp)
	Date = time.Unix(int64(stamp), 0)
}

// LongVersion describes the build of program for logs and --version.
func LongVersion(program string) string {
	date := Date.UTC().Format("2006-01-02 15:04:05 MST")
	return fmt.Sprintf(`%s %s (%s %s-%s) %s@%s %s`, program, Version, runtime.Version(), runtime.GOOS, runtime.GOARCH, User, Host, date)
}
