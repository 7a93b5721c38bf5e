//go:build !linux

package verity

import (
	"errors"

	"github.com/spf13/afero"
)

var errUnsupported = errors.New("fs-verity is only available on Linux")

// Kernel is the fs-verity Backend of the running kernel.
type Kernel struct{}

// NewKernel creates a Kernel backend.
func NewKernel(afero.Afero, string) *Kernel {
	return &Kernel{}
}

// Enable protects the file at path.
func (*Kernel) Enable(string) error {
	return errUnsupported
}

// Measure returns the hex encoded fs-verity digest of a protected file.
func (*Kernel) Measure(string) (string, error) {
	return "", errUnsupported
}

// AddKey adds a DER certificate to the .fs-verity keyring.
func (*Kernel) AddKey([]byte, string) error {
	return errUnsupported
}
