package rt

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/spf13/afero"
)

// RuntimeMock is a Runtime mock.
type RuntimeMock struct {
	Enclave    bool
	Properties map[string]string

	// Permissions grants access modes for paths. Paths not listed here are looked up
	// in Fs and are then readable but not executable.
	Permissions map[string]uint32
	Fs          afero.Fs

	// Exec is called by Run. A nil Exec makes every command exit with 0.
	Exec  func(argv []string) (int, error)
	Calls [][]string

	mutex sync.Mutex
}

// NewRuntimeMock creates a RuntimeMock that resolves unknown paths in fs.
func NewRuntimeMock(fs afero.Fs) *RuntimeMock {
	return &RuntimeMock{
		Properties:  map[string]string{},
		Permissions: map[string]uint32{},
		Fs:          fs,
	}
}

// IsEnclave tells the application if it is running in an enclave or not.
func (r *RuntimeMock) IsEnclave() bool {
	return r.Enclave
}

// GetProperty reads a system property, returning defaultValue if it is unset.
func (r *RuntimeMock) GetProperty(name, defaultValue string) string {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if value, ok := r.Properties[name]; ok {
		return value
	}
	return defaultValue
}

// SetProperty sets a system property.
func (r *RuntimeMock) SetProperty(name, value string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.Properties == nil {
		r.Properties = map[string]string{}
	}
	r.Properties[name] = value
	return nil
}

// Access checks whether the calling process may access path with the given mode.
func (r *RuntimeMock) Access(path string, mode uint32) error {
	if granted, ok := r.Permissions[path]; ok {
		if granted&mode != mode {
			return os.ErrPermission
		}
		return nil
	}
	if r.Fs == nil {
		return os.ErrNotExist
	}
	if _, err := r.Fs.Stat(path); err != nil {
		return err
	}
	if mode&AccessExecute != 0 {
		return os.ErrPermission
	}
	return nil
}

// Run records argv and hands it to Exec.
func (r *RuntimeMock) Run(ctx context.Context, argv []string) (int, error) {
	if len(argv) == 0 {
		return -1, errors.New("empty command line")
	}
	r.mutex.Lock()
	r.Calls = append(r.Calls, append([]string(nil), argv...))
	r.mutex.Unlock()
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	if r.Exec == nil {
		return 0, nil
	}
	return r.Exec(argv)
}
