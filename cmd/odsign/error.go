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

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/edgelesssys/odsign/odsign/core"
	"github.com/fatih/color"
)

const exitFailure = 1

func exit(err error) {
	fmt.Fprintln(os.Stderr, err)
	determineError(err) // Print more specific hints whenever we can detect the cause
	color.Red("odsign has exited unexpectedly (exit code: %d).", exitFailure)
	os.Exit(exitFailure)
}

func determineError(err error) {
	switch {
	case errors.Is(err, core.ErrMismatch):
		color.Red("The compiled artifacts on this device could not be verified and have been removed.")
		color.Red("They will be recompiled on the next boot.")
	case errors.Is(err, core.ErrToolFailure):
		color.Red("odrefresh failed. All compiled artifacts have been removed.")
	case errors.Is(err, core.ErrIO), errors.Is(err, core.ErrSerialization):
		color.Red("odsign could not access its key material or the artifacts. All compiled artifacts have been removed.")
	}
}
