package verity

import (
	"github.com/edgelesssys/odsign/odsign/manifest"
)

// IntegrityStore puts files under the platform integrity mechanism and measures them.
type IntegrityStore interface {
	// AddCertToKeyring registers the DER certificate at certPath under label.
	AddCertToKeyring(certPath, label string) error
	// AddFilesRecursive enables protection for every regular file below dir and returns their measurements.
	AddFilesRecursive(dir string) (manifest.DigestMap, error)
	// VerifyAllFilesCovered fails unless every regular file below dir is protected, and returns their measurements.
	VerifyAllFilesCovered(dir string) (manifest.DigestMap, error)
	// VerifyAllFilesUsingExternalKey checks dir against the manifest shipped in it, which must be
	// signed by publicKeyDER, and returns the measurements of the covered files.
	VerifyAllFilesUsingExternalKey(dir string, publicKeyDER []byte) (manifest.DigestMap, error)
}

// Backend is the mechanism behind a Store.
type Backend interface {
	// Enable protects the file at path. Enabling a protected file is not an error.
	Enable(path string) error
	// Measure returns the hex encoded measurement of a protected file.
	Measure(path string) (string, error)
	// AddKey adds a DER certificate to the integrity keyring.
	AddKey(der []byte, label string) error
}
