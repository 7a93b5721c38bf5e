package verity

import (
	"errors"
	"sync"

	"github.com/edgelesssys/odsign/odsign/manifest"
	"github.com/spf13/afero"
)

// BackendMock is a Backend that measures files in software. Every file counts as
// protected unless it is listed in Uncovered.
type BackendMock struct {
	Fs        afero.Fs
	Uncovered map[string]bool
	Keyring   map[string][]byte
	FailAdd   bool

	mutex sync.Mutex
}

// NewBackendMock creates a BackendMock reading files from fs.
func NewBackendMock(fs afero.Fs) *BackendMock {
	return &BackendMock{Fs: fs, Uncovered: map[string]bool{}, Keyring: map[string][]byte{}}
}

// Enable protects the file at path.
func (b *BackendMock) Enable(path string) error {
	if _, err := b.Fs.Stat(path); err != nil {
		return err
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.Uncovered, path)
	return nil
}

// Measure returns the SHA-256 of a protected file.
func (b *BackendMock) Measure(path string) (string, error) {
	b.mutex.Lock()
	uncovered := b.Uncovered[path]
	b.mutex.Unlock()
	if uncovered {
		return "", errors.New("no verity descriptor")
	}
	return manifest.FileDigest(b.Fs, path)
}

// AddKey adds a DER certificate to the keyring.
func (b *BackendMock) AddKey(der []byte, label string) error {
	if b.FailAdd {
		return errors.New("keyring is restricted")
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.Keyring[label] = append([]byte(nil), der...)
	return nil
}
