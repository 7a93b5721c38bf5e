package compiler

import (
	"context"
	"time"

	"github.com/edgelesssys/odsign/odsign/rt"
)

// Instance selects a generation of CompOs key material.
type Instance int

// CompOs instances.
const (
	Current Instance = iota
	Pending
)

func (i Instance) String() string {
	if i == Pending {
		return "pending"
	}
	return "current"
}

// SecondaryVerifier asks CompOs to confirm that it owns a public key.
type SecondaryVerifier interface {
	// VerifyKey reports whether the key of the given instance has been confirmed.
	VerifyKey(ctx context.Context, instance Instance) bool
}

// ComposVerifyKey is the SecondaryVerifier backed by the compos_verify_key binary.
type ComposVerifyKey struct {
	runtime    rt.Runtime
	path       string
	publicKeys map[Instance]string
	timeout    time.Duration
}

// NewComposVerifyKey creates a ComposVerifyKey running the binary at path. The
// verifier is only started for instances whose public key file is readable.
func NewComposVerifyKey(runtime rt.Runtime, path, currentPublicKey, pendingPublicKey string, timeout time.Duration) *ComposVerifyKey {
	return &ComposVerifyKey{
		runtime: runtime,
		path:    path,
		publicKeys: map[Instance]string{
			Current: currentPublicKey,
			Pending: pendingPublicKey,
		},
		timeout: timeout,
	}
}

// VerifyKey starts a CompOs VM for the instance and lets it verify its key.
func (c *ComposVerifyKey) VerifyKey(ctx context.Context, instance Instance) bool {
	logger := rt.Log.WithField("instance", instance)
	if err := c.runtime.Access(c.publicKeys[instance], rt.AccessRead); err != nil {
		logger.WithError(err).Debug("no CompOs public key")
		return false
	}

	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	code, err := c.runtime.Run(ctx, []string{c.path, "--instance", instance.String()})
	if err != nil {
		logger.WithError(err).Error("compos_verify_key did not complete")
		return false
	}
	if code != 0 {
		logger.Errorf("%s returned %d", c.path, code)
		return false
	}
	return true
}
