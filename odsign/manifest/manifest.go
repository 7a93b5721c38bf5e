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

// Package manifest persists signed digest manifests of compiled artifacts.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/edgelesssys/odsign/odsign/keystore"
	"github.com/spf13/afero"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrNoTrustedManifest is returned for every manifest that can't be trusted,
// whether it is missing, tampered with or malformed.
var ErrNoTrustedManifest = errors.New("no trusted manifest")

// ErrSerialization is returned if digests can't be encoded.
var ErrSerialization = errors.New("serialization failure")

// OdsignInfo is the serialized form of a manifest.
type OdsignInfo struct {
	FileHashes map[string]string `msgpack:"file_hashes"`
}

// MessageSigner signs arbitrary messages.
type MessageSigner interface {
	SignMessage(message []byte) ([]byte, error)
}

// Store is a manifest made of a data file and a detached signature file.
type Store struct {
	fs            afero.Afero
	dataPath      string
	signaturePath string
}

// NewStore creates a Store for the given files.
func NewStore(fs afero.Afero, dataPath, signaturePath string) *Store {
	return &Store{fs: fs, dataPath: dataPath, signaturePath: signaturePath}
}

// Persist serializes digests, replacing any previous manifest, and signs the bytes
// that ended up on disk.
func (s *Store) Persist(digests DigestMap, signer MessageSigner) error {
	data, err := Marshal(digests)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(filepath.Dir(s.dataPath), 0o700); err != nil {
		return err
	}
	if err := s.fs.WriteFile(s.dataPath, data, 0o600); err != nil {
		return fmt.Errorf("persisting digests in %s: %w", s.dataPath, err)
	}

	written, err := s.fs.ReadFile(s.dataPath)
	if err != nil {
		return fmt.Errorf("reading back %s: %w", s.dataPath, err)
	}
	signature, err := signer.SignMessage(written)
	if err != nil {
		return fmt.Errorf("signing %s: %w", s.dataPath, err)
	}
	if err := s.fs.WriteFile(s.signaturePath, signature, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", s.signaturePath, err)
	}
	return nil
}

// Load reads the manifest and returns its digests if the signature verifies under
// publicKeyDER. All failures wrap ErrNoTrustedManifest.
func (s *Store) Load(publicKeyDER []byte) (DigestMap, error) {
	signature, err := s.fs.ReadFile(s.signaturePath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrNoTrustedManifest, s.signaturePath, err)
	}
	data, err := s.fs.ReadFile(s.dataPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrNoTrustedManifest, s.dataPath, err)
	}

	if err := keystore.VerifySignature(publicKeyDER, data, signature); err != nil {
		return nil, fmt.Errorf("%w: %s does not match: %v", ErrNoTrustedManifest, s.signaturePath, err)
	}

	digests, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrNoTrustedManifest, s.dataPath, err)
	}
	return digests, nil
}

// Marshal serializes digests with sorted keys.
func Marshal(digests DigestMap) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(OdsignInfo{FileHashes: digests}); err != nil {
		return nil, fmt.Errorf("%w: serializing digests: %w", ErrSerialization, err)
	}
	return buf.Bytes(), nil
}

// Unmarshal parses data produced by Marshal.
func Unmarshal(data []byte) (DigestMap, error) {
	var info OdsignInfo
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields(true)
	if err := dec.Decode(&info); err != nil {
		return nil, err
	}
	digests := DigestMap{}
	for path, digest := range info.FileHashes {
		digests[path] = digest
	}
	return digests, nil
}
