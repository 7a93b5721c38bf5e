package core

import (
	"context"
	"fmt"

	"github.com/edgelesssys/odsign/odsign/certs"
	"github.com/edgelesssys/odsign/odsign/compiler"
	"github.com/edgelesssys/odsign/odsign/rt"
)

const (
	composSubjectCN = "CompOS"
	composCertLabel = "fsv_compos"
)

// extractPublicKeyFromLeafCert returns the subject public key of a certificate
// issued by the signing key for expectedCN.
func (c *Core) extractPublicKeyFromLeafCert(certPath, expectedCN string) ([]byte, error) {
	exists, err := c.fs.Exists(certPath)
	if err != nil || !exists {
		return nil, fmt.Errorf("%w: certificate %s", ErrNotFound, certPath)
	}

	trustedKey, err := c.key.PublicKeyDER()
	if err != nil {
		return nil, fmt.Errorf("%w: retrieving signing public key: %w", ErrIO, err)
	}
	info, err := certs.VerifyAndExtractInfo(c.fs, certPath, trustedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to verify certificate at %s: %w", ErrMismatch, certPath, err)
	}
	if info.SubjectCommonName != expectedCN {
		return nil, fmt.Errorf("%w: CN of existing certificate at %s is %q, should be %q",
			ErrMismatch, certPath, info.SubjectCommonName, expectedCN)
	}
	return info.SubjectPublicKey, nil
}

// verifyCompOsKey finds a CompOs public key that can be trusted. The pending instance
// takes precedence, then a key we certified on an earlier boot, then the current
// instance. The returned flag tells whether a certificate for the key is on disk.
func (c *Core) verifyCompOsKey(ctx context.Context) ([]byte, bool, error) {
	verified := c.compos.VerifyKey(ctx, compiler.Pending)
	if !verified {
		publicKey, err := c.extractPublicKeyFromLeafCert(c.cfg.CompOsCertPath, composSubjectCN)
		if err == nil {
			rt.Log.Info("found and verified existing CompOs public key certificate")
			return publicKey, true, nil
		}
		rt.Log.WithError(err).Info("no usable CompOs certificate")
		verified = c.compos.VerifyKey(ctx, compiler.Current)
	}
	if !verified {
		return nil, false, ErrNoCompOsKey
	}

	// A successful compos_verify_key leaves the verified key in the current instance.
	publicKey, err := c.fs.ReadFile(c.cfg.CompOsCurrentPublicKey)
	if err != nil {
		return nil, false, fmt.Errorf("%w: failed to read CompOs key: %w", ErrIO, err)
	}
	if len(publicKey) == 0 {
		return nil, false, fmt.Errorf("%w: CompOs key %s is empty", ErrNotFound, c.cfg.CompOsCurrentPublicKey)
	}

	err = certs.CreateLeaf(c.fs, certs.Subject{CommonName: composSubjectCN}, publicKey, c.key, c.cfg.RootCertPath, c.cfg.CompOsCertPath)
	if err != nil {
		rt.Log.WithError(err).Error("failed to create CompOs certificate")
		// a stale certificate must not vouch for a different key next boot
		if err := c.fs.Remove(c.cfg.CompOsCertPath); err != nil && !isNotExist(err) {
			rt.Log.WithError(err).Warn("failed to remove stale CompOs certificate")
		}
		return publicKey, false, nil
	}
	rt.Log.Info("verified CompOs key and signed certificate")
	return publicKey, true, nil
}

// addCompOsCertToKeyring verifies the CompOs key and registers its certificate.
func (c *Core) addCompOsCertToKeyring(ctx context.Context) ([]byte, error) {
	publicKey, haveCert, err := c.verifyCompOsKey(ctx)
	if err != nil {
		return nil, err
	}
	if !haveCert {
		rt.Log.Warn("CompOs key is not certified, artifacts are checked against the key only")
		return publicKey, nil
	}

	if err := c.integrity.AddCertToKeyring(c.cfg.CompOsCertPath, composCertLabel); err != nil {
		if err := c.fs.Remove(c.cfg.CompOsCertPath); err != nil {
			rt.Log.WithError(err).Warn("failed to remove CompOs certificate")
		}
		return nil, fmt.Errorf("%w: failed to add CompOs certificate to fs-verity keyring: %w", ErrIO, err)
	}
	return publicKey, nil
}

// checkCompOsPendingArtifacts decides whether artifacts compiled by CompOs can replace
// the current ones. It returns the artifact status and whether the digests of the
// live artifacts have been verified and persisted already.
func (c *Core) checkCompOsPendingArtifacts(ctx context.Context, composKey []byte) (compiler.ExitCode, bool) {
	if !c.directoryHasContent(c.cfg.CompOsPendingArtifactsDir) {
		return compiler.CompilationRequired, false
	}

	status := c.compiler.Check(ctx)
	if status != compiler.CompilationRequired {
		if status == compiler.Okay {
			rt.Log.Info("current artifacts are OK, deleting pending artifacts")
			_ = c.removeDirectory(c.cfg.CompOsPendingArtifactsDir)
		}
		return status, false
	}

	rt.Log.Info("current artifacts are out of date, switching to pending artifacts")
	_ = c.removeDirectory(c.cfg.ArtifactsDir)
	if err := c.fs.Rename(c.cfg.CompOsPendingArtifactsDir, c.cfg.ArtifactsDir); err != nil {
		rt.Log.WithError(err).Error("can't rename pending artifacts")
		_ = c.removeDirectory(c.cfg.CompOsPendingArtifactsDir)
		_ = c.removeDirectory(c.cfg.ArtifactsDir)
		return compiler.CompilationRequired, false
	}

	// Make sure we now have a valid set of artifacts.
	status = c.compiler.Check(ctx)
	if status != compiler.Okay {
		rt.Log.WithField("status", status).Warn("pending artifacts are not OK")
		return status, false
	}

	digests, err := c.integrity.VerifyAllFilesUsingExternalKey(c.cfg.ArtifactsDir, composKey)
	if err == nil {
		persistErr := c.manifest.Persist(digests, c.key)
		// Nothing left to sign, whatever the outcome.
		c.keyNoLongerNeeded()
		if persistErr == nil {
			rt.Log.Info("pending artifacts are valid, adopted them")
			return compiler.Okay, true
		}
		rt.Log.WithError(persistErr).Error("failed to persist digests of pending artifacts")
	} else {
		rt.Log.WithError(err).Error("failed to verify pending artifacts")
	}

	// Don't use the promoted artifacts.
	_ = c.removeDirectory(c.cfg.ArtifactsDir)
	return compiler.CompilationRequired, false
}
