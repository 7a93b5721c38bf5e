package core

import (
	"bytes"
	"fmt"

	"github.com/edgelesssys/odsign/odsign/certs"
	"github.com/edgelesssys/odsign/odsign/rt"
)

const rootCertLabel = "fsv_ods"

// verifyExistingRootCert checks that the root certificate on disk belongs to the signing key.
func (c *Core) verifyExistingRootCert() error {
	exists, err := c.fs.Exists(c.cfg.RootCertPath)
	if err != nil || !exists {
		return fmt.Errorf("%w: key certificate %s", ErrNotFound, c.cfg.RootCertPath)
	}

	trustedKey, err := c.key.PublicKeyDER()
	if err != nil {
		return fmt.Errorf("%w: retrieving signing public key: %w", ErrIO, err)
	}
	certKey, err := certs.ExtractPublicKey(c.fs, c.cfg.RootCertPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMismatch, err)
	}
	if !bytes.Equal(trustedKey, certKey) {
		return fmt.Errorf("%w: public key of existing certificate at %s does not match signing public key", ErrMismatch, c.cfg.RootCertPath)
	}
	return nil
}

// ensureRootCert makes sure a root certificate for the signing key exists and
// registers it with the fs-verity keyring.
func (c *Core) ensureRootCert() error {
	if err := c.verifyExistingRootCert(); err != nil {
		rt.Log.WithError(err).Warn("creating new root certificate")
		if err := certs.CreateSelfSigned(c.fs, c.key, c.cfg.RootCertPath); err != nil {
			return fmt.Errorf("%w: failed to create X509 certificate: %w", ErrIO, err)
		}
	} else {
		rt.Log.Info("found and verified existing root certificate")
	}

	if err := c.integrity.AddCertToKeyring(c.cfg.RootCertPath, rootCertLabel); err != nil {
		return fmt.Errorf("%w: failed to add certificate to fs-verity keyring: %w", ErrIO, err)
	}
	return nil
}
