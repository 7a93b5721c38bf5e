package core

import (
	"errors"
	"fmt"
	"os"

	"github.com/edgelesssys/odsign/odsign/manifest"
	"github.com/edgelesssys/odsign/odsign/rt"
)

// verifyArtifacts checks the live artifacts against the signed manifest of the last boot.
func (c *Core) verifyArtifacts() error {
	publicKey, err := c.key.PublicKeyDER()
	if err != nil {
		return fmt.Errorf("%w: retrieving signing public key: %w", ErrIO, err)
	}
	trusted, loadErr := c.manifest.Load(publicKey)
	// Verification doesn't need the key, so init can lock it down already.
	c.keyNoLongerNeeded()
	if loadErr != nil {
		return fmt.Errorf("%w: %w", ErrMismatch, loadErr)
	}

	var digests manifest.DigestMap
	if c.supportsFsVerity {
		digests, err = c.integrity.VerifyAllFilesCovered(c.cfg.ArtifactsDir)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMismatch, err)
		}
	} else {
		digests, err = manifest.ComputeDigests(c.fs, c.cfg.ArtifactsDir)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
	}

	if err := manifest.VerifyDigests(digests, trusted); err != nil {
		return fmt.Errorf("%w: %w", ErrMismatch, err)
	}
	rt.Log.WithField("files", len(digests)).Info("all artifact digests match")
	return nil
}

// signArtifacts measures freshly compiled artifacts and persists a signed manifest for them.
func (c *Core) signArtifacts() error {
	var digests manifest.DigestMap
	var err error
	if c.supportsFsVerity {
		digests, err = c.integrity.AddFilesRecursive(c.cfg.ArtifactsDir)
	} else {
		digests, err = manifest.ComputeDigests(c.fs, c.cfg.ArtifactsDir)
	}
	if err != nil {
		return fmt.Errorf("%w: measuring artifacts: %w", ErrIO, err)
	}

	if err := c.manifest.Persist(digests, c.key); err != nil {
		if errors.Is(err, manifest.ErrSerialization) {
			return fmt.Errorf("%w: %w", ErrSerialization, err)
		}
		return fmt.Errorf("%w: persisting digests: %w", ErrIO, err)
	}
	rt.Log.WithField("files", len(digests)).Info("signed artifact digests")
	return nil
}

// artifactsPresent reports whether the artifacts directory has content. It errs on
// the side of presence if the directory can't be inspected.
func (c *Core) artifactsPresent() bool {
	info, err := c.fs.Stat(c.cfg.ArtifactsDir)
	if err != nil {
		return !isNotExist(err)
	}
	if !info.IsDir() {
		return true
	}
	empty, err := c.fs.IsEmpty(c.cfg.ArtifactsDir)
	return err != nil || !empty
}

func (c *Core) directoryHasContent(dir string) bool {
	isDir, err := c.fs.IsDir(dir)
	if err != nil || !isDir {
		return false
	}
	empty, err := c.fs.IsEmpty(dir)
	return err == nil && !empty
}

func (c *Core) removeDirectory(dir string) error {
	exists, _ := c.fs.DirExists(dir)
	if err := c.fs.RemoveAll(dir); err != nil {
		rt.Log.WithError(err).WithField("dir", dir).Error("failed to remove directory")
		return fmt.Errorf("removing %s: %w", dir, err)
	}
	if exists {
		rt.Log.WithField("dir", dir).Info("removed directory")
	}
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
