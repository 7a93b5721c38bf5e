/* Copyright (c) Edgeless Systems GmbH

   This program is free software; you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation; version 2 of the License.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU General Public License for more details.

   You should have received a copy of the GNU General Public License
   along with this program; if not, write to the Free Software
   Foundation, Inc., 51 Franklin Street, Fifth Floor, Boston, MA  02110-1335  USA */

// Package compiler drives the external tools that produce and vouch for artifacts.
package compiler

import (
	"context"
	"fmt"
	"time"

	"github.com/edgelesssys/odsign/odsign/rt"
)

// ExitCode is the outcome of an odrefresh run.
type ExitCode int

// Needs to be kept in sync with odrefresh's exit codes (EX__MAX + n).
const (
	Okay                ExitCode = 0
	CompilationRequired ExitCode = 79
	CompilationSuccess  ExitCode = 80
	CompilationFailed   ExitCode = 81
	CleanupFailed       ExitCode = 82

	// Unexpected is reported if odrefresh could not be run to completion.
	Unexpected ExitCode = -1
)

func (c ExitCode) String() string {
	switch c {
	case Okay:
		return "Okay"
	case CompilationRequired:
		return "CompilationRequired"
	case CompilationSuccess:
		return "CompilationSuccess"
	case CompilationFailed:
		return "CompilationFailed"
	case CleanupFailed:
		return "CleanupFailed"
	}
	return fmt.Sprintf("Unexpected(%d)", int(c))
}

// ArtifactCompiler checks and (re)compiles the cached artifacts.
type ArtifactCompiler interface {
	// Check validates the current artifacts without compiling.
	Check(ctx context.Context) ExitCode
	// Compile compiles whatever is out of date, or everything if force is set.
	Compile(ctx context.Context, force bool) ExitCode
}

// Odrefresh is the ArtifactCompiler backed by the odrefresh binary.
type Odrefresh struct {
	runtime rt.Runtime
	path    string
	timeout time.Duration
}

// NewOdrefresh creates an Odrefresh running the binary at path. A zero timeout disables it.
func NewOdrefresh(runtime rt.Runtime, path string, timeout time.Duration) *Odrefresh {
	return &Odrefresh{runtime: runtime, path: path, timeout: timeout}
}

// Check validates the current artifacts without compiling.
func (o *Odrefresh) Check(ctx context.Context) ExitCode {
	return o.run(ctx, "--check")
}

// Compile compiles whatever is out of date, or everything if force is set.
func (o *Odrefresh) Compile(ctx context.Context, force bool) ExitCode {
	if force {
		return o.run(ctx, "--force-compile")
	}
	return o.run(ctx, "--compile")
}

func (o *Odrefresh) run(ctx context.Context, mode string) ExitCode {
	ctx, cancel := withTimeout(ctx, o.timeout)
	defer cancel()

	code, err := o.runtime.Run(ctx, []string{o.path, mode})
	if err != nil {
		rt.Log.WithError(err).WithField("mode", mode).Error("odrefresh did not complete")
		return Unexpected
	}
	status := ExitCode(code)
	rt.Log.WithField("mode", mode).WithField("status", status).Debug("odrefresh finished")
	return status
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
