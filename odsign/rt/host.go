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
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

const outputWaitDelay = 5 * time.Second

// Host is the Runtime of a regular Linux host. Properties are kept as one file per
// property in a directory, which is how the boot scripts on our images exchange them.
type Host struct {
	Enclave     bool
	fs          afero.Afero
	propertyDir string
}

// NewHost creates a Host runtime storing properties below propertyDir.
func NewHost(fs afero.Afero, propertyDir string) *Host {
	return &Host{fs: fs, propertyDir: propertyDir}
}

// IsEnclave tells the application if it is running in an enclave or not.
func (h *Host) IsEnclave() bool {
	return h.Enclave
}

// GetProperty reads a system property, returning defaultValue if it is unset.
func (h *Host) GetProperty(name, defaultValue string) string {
	value, err := h.fs.ReadFile(filepath.Join(h.propertyDir, name))
	if err != nil {
		return defaultValue
	}
	return string(trimNewline(value))
}

// SetProperty sets a system property. The value becomes visible atomically.
func (h *Host) SetProperty(name, value string) error {
	if err := h.fs.MkdirAll(h.propertyDir, 0o755); err != nil {
		return err
	}
	tmp := filepath.Join(h.propertyDir, "."+name+".tmp")
	if err := h.fs.WriteFile(tmp, []byte(value), 0o644); err != nil {
		return fmt.Errorf("setting property %s: %w", name, err)
	}
	if err := h.fs.Rename(tmp, filepath.Join(h.propertyDir, name)); err != nil {
		return fmt.Errorf("setting property %s: %w", name, err)
	}
	return nil
}

// Access checks whether the calling process may access path with the given mode.
func (h *Host) Access(path string, mode uint32) error {
	return unix.Access(path, mode)
}

// Run executes argv, forwarding its output to the log.
func (h *Host) Run(ctx context.Context, argv []string) (int, error) {
	if len(argv) == 0 {
		return -1, errors.New("empty command line")
	}

	logger := Log.WithField("tool", filepath.Base(argv[0]))
	stdout := logger.WriterLevel(log.InfoLevel)
	defer stdout.Close()
	stderr := logger.WriterLevel(log.WarnLevel)
	defer stderr.Close()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Don't wait for grandchildren holding on to the output pipes once the tool is gone.
	cmd.WaitDelay = outputWaitDelay

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, fmt.Errorf("running %s: %w", argv[0], ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		return -1, fmt.Errorf("running %s: %w", argv[0], err)
	}
	if err != nil {
		return -1, fmt.Errorf("running %s: %w", argv[0], err)
	}
	return 0, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
