package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// DigestMap maps the path of every regular file below a directory to the hex encoded
// digest of its contents.
type DigestMap map[string]string

// ErrDigestMismatch is returned by VerifyDigests.
var ErrDigestMismatch = errors.New("digest mismatch")

// ComputeDigests walks dir and digests every regular file in it. Files whose path
// is in skip are left out.
func ComputeDigests(fs afero.Fs, dir string, skip ...string) (DigestMap, error) {
	digests := DigestMap{}
	err := Walk(fs, dir, skip, func(path string) error {
		digest, err := FileDigest(fs, path)
		if err != nil {
			return fmt.Errorf("computing digest for %s: %w", path, err)
		}
		digests[path] = digest
		return nil
	})
	if err != nil {
		return nil, err
	}
	return digests, nil
}

// Walk calls fn for every regular file below dir except the paths in skip. Any
// traversal error aborts the walk.
func Walk(fs afero.Fs, dir string, skip []string, fn func(path string) error) error {
	err := afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		for _, skipped := range skip {
			if filepath.Clean(path) == filepath.Clean(skipped) {
				return nil
			}
		}
		return fn(path)
	})
	if err != nil {
		return fmt.Errorf("iterating %s: %w", dir, err)
	}
	return nil
}

// FileDigest returns the hex encoded SHA-256 digest of the file at path.
func FileDigest(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyDigests checks that every entry of digests is present in trusted with the
// same value. Entries only present in trusted are not checked: artifacts may be
// removed by the compiler between boots, and a missing file cannot be loaded anyway.
func VerifyDigests(digests, trusted DigestMap) error {
	for path, digest := range digests {
		trustedDigest, ok := trusted[path]
		if !ok {
			return fmt.Errorf("%w: no trusted digest for %s", ErrDigestMismatch, path)
		}
		if trustedDigest != digest {
			return fmt.Errorf("%w: %s", ErrDigestMismatch, path)
		}
	}
	return nil
}
