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

package rt

import (
	"context"

	"golang.org/x/sys/unix"
)

// Access modes accepted by Runtime.Access.
const (
	AccessExists  = 0
	AccessRead    = unix.R_OK
	AccessExecute = unix.X_OK
)

// Runtime is the platform odsign runs on.
type Runtime interface {
	// IsEnclave tells the application if it is running in an enclave or not.
	IsEnclave() bool

	// GetProperty reads a system property, returning defaultValue if it is unset.
	GetProperty(name, defaultValue string) string

	// SetProperty sets a system property.
	SetProperty(name, value string) error

	// Access checks whether the calling process may access path with the given mode.
	Access(path string, mode uint32) error

	// Run executes argv and waits for it to finish. A process that ran to completion
	// yields its exit code and a nil error, whatever the code is. An error means the
	// process could not be started or was killed, e.g. because ctx expired.
	Run(ctx context.Context, argv []string) (int, error)
}

// GetBoolProperty interprets a property the way init does: "1", "y", "yes", "on" and
// "true" are true, "0", "n", "no", "off" and "false" are false, anything else is defaultValue.
func GetBoolProperty(r Runtime, name string, defaultValue bool) bool {
	switch r.GetProperty(name, "") {
	case "1", "y", "yes", "on", "true":
		return true
	case "0", "n", "no", "off", "false":
		return false
	}
	return defaultValue
}
