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

// Package verity registers artifacts with fs-verity and checks their measurements.
package verity

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/edgelesssys/odsign/odsign/manifest"
	"github.com/edgelesssys/odsign/odsign/rt"
	"github.com/spf13/afero"
)

// Names of the manifest CompOs writes next to the artifacts it produced.
const (
	ComposInfoName          = "compos.info"
	ComposInfoSignatureName = "compos.info.signature"
)

// ErrNotCovered is returned for files that are not protected by the integrity mechanism.
var ErrNotCovered = errors.New("file not covered by fs-verity")

// Store implements IntegrityStore on top of a Backend.
type Store struct {
	fs      afero.Afero
	backend Backend
}

// NewStore creates a Store.
func NewStore(fs afero.Afero, backend Backend) *Store {
	return &Store{fs: fs, backend: backend}
}

// AddCertToKeyring registers the DER certificate at certPath under label.
func (s *Store) AddCertToKeyring(certPath, label string) error {
	der, err := s.fs.ReadFile(certPath)
	if err != nil {
		return err
	}
	if err := s.backend.AddKey(der, label); err != nil {
		return fmt.Errorf("adding %s to keyring as %s: %w", certPath, label, err)
	}
	return nil
}

// AddFilesRecursive enables protection for every regular file below dir and returns their measurements.
func (s *Store) AddFilesRecursive(dir string) (manifest.DigestMap, error) {
	digests := manifest.DigestMap{}
	err := manifest.Walk(s.fs, dir, nil, func(path string) error {
		if err := s.backend.Enable(path); err != nil {
			return fmt.Errorf("enabling fs-verity on %s: %w", path, err)
		}
		digest, err := s.backend.Measure(path)
		if err != nil {
			return fmt.Errorf("measuring %s: %w", path, err)
		}
		digests[path] = digest
		return nil
	})
	if err != nil {
		return nil, err
	}
	rt.Log.WithField("dir", dir).Infof("added %d files to fs-verity", len(digests))
	return digests, nil
}

// VerifyAllFilesCovered fails unless every regular file below dir is protected, and returns their measurements.
func (s *Store) VerifyAllFilesCovered(dir string) (manifest.DigestMap, error) {
	return s.measureAll(dir)
}

// VerifyAllFilesUsingExternalKey checks dir against the CompOs manifest in it. The
// manifest files are removed once they have served their purpose, so the directory
// only holds artifacts afterwards.
func (s *Store) VerifyAllFilesUsingExternalKey(dir string, publicKeyDER []byte) (manifest.DigestMap, error) {
	infoPath := filepath.Join(dir, ComposInfoName)
	signaturePath := filepath.Join(dir, ComposInfoSignatureName)

	trusted, err := manifest.NewStore(s.fs, infoPath, signaturePath).Load(publicKeyDER)
	if err != nil {
		return nil, err
	}
	digests, err := s.measureAll(dir, infoPath, signaturePath)
	if err != nil {
		return nil, err
	}
	if err := manifest.VerifyDigests(digests, trusted); err != nil {
		return nil, err
	}
	// every file CompOs vouched for must have made it here
	if len(digests) != len(trusted) {
		return nil, fmt.Errorf("%w: %d files signed by CompOs, %d present", manifest.ErrDigestMismatch, len(trusted), len(digests))
	}

	if err := s.fs.Remove(infoPath); err != nil {
		return nil, err
	}
	if err := s.fs.Remove(signaturePath); err != nil {
		return nil, err
	}
	return digests, nil
}

func (s *Store) measureAll(dir string, skip ...string) (manifest.DigestMap, error) {
	digests := manifest.DigestMap{}
	err := manifest.Walk(s.fs, dir, skip, func(path string) error {
		digest, err := s.backend.Measure(path)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrNotCovered, path, err)
		}
		digests[path] = digest
		return nil
	})
	if err != nil {
		return nil, err
	}
	return digests, nil
}
