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

package verity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// Needs to be kept in sync with include/uapi/linux/fsverity.h
const (
	fsIocEnableVerity  = 0x40806685
	fsIocMeasureVerity = 0xc0046686

	fsverityHashAlgSHA256 = 1
	fsverityBlockSize     = 4096
	fsverityMaxDigestSize = 64
)

type fsverityEnableArg struct {
	Version       uint32
	HashAlgorithm uint32
	BlockSize     uint32
	SaltSize      uint32
	SaltPtr       uint64
	SigSize       uint32
	_             uint32
	SigPtr        uint64
	_             [11]uint64
}

type fsverityDigest struct {
	Algorithm uint16
	Size      uint16
	Digest    [fsverityMaxDigestSize]byte
}

// Kernel is the fs-verity Backend of the running kernel.
type Kernel struct {
	fs           afero.Afero
	procKeysPath string
	keyringName  string
}

// NewKernel creates a Kernel backend. procKeysPath is usually /proc/keys.
func NewKernel(fs afero.Afero, procKeysPath string) *Kernel {
	return &Kernel{fs: fs, procKeysPath: procKeysPath, keyringName: ".fs-verity"}
}

// Enable protects the file at path.
func (k *Kernel) Enable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	arg := fsverityEnableArg{
		Version:       1,
		HashAlgorithm: fsverityHashAlgSHA256,
		BlockSize:     fsverityBlockSize,
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), fsIocEnableVerity, uintptr(unsafe.Pointer(&arg)))
	if errno != 0 && errno != unix.EEXIST {
		return errno
	}
	return nil
}

// Measure returns the hex encoded fs-verity digest of a protected file.
func (k *Kernel) Measure(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	digest := fsverityDigest{Size: fsverityMaxDigestSize}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), fsIocMeasureVerity, uintptr(unsafe.Pointer(&digest)))
	if errno != 0 {
		return "", errno
	}
	if digest.Size > fsverityMaxDigestSize {
		return "", fmt.Errorf("invalid digest size %d", digest.Size)
	}
	return hex.EncodeToString(digest.Digest[:digest.Size]), nil
}

// AddKey adds a DER certificate to the .fs-verity keyring.
func (k *Kernel) AddKey(der []byte, label string) error {
	ringID, err := k.findKeyring()
	if err != nil {
		return err
	}
	if _, err := unix.AddKey("asymmetric", label, der, ringID); err != nil {
		return err
	}
	return nil
}

func (k *Kernel) findKeyring() (int, error) {
	procKeys, err := k.fs.ReadFile(k.procKeysPath)
	if err != nil {
		return 0, err
	}
	id, ok := parseKeyringID(string(procKeys), k.keyringName)
	if !ok {
		return 0, errors.New("keyring " + k.keyringName + " not found")
	}
	return id, nil
}
