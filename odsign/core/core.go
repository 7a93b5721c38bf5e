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

package core

import (
	"context"
	"crypto"
	"fmt"

	"github.com/edgelesssys/odsign/odsign/compiler"
	"github.com/edgelesssys/odsign/odsign/manifest"
	"github.com/edgelesssys/odsign/odsign/rt"
	"github.com/edgelesssys/odsign/odsign/verity"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
)

const (
	propApexUpdatable = "ro.apex.updatable"
	propBuildType     = "ro.build.type"
)

// SigningKey is odsign's own key. It signs certificates as a crypto.Signer and
// manifests via SignMessage.
type SigningKey interface {
	crypto.Signer
	PublicKeyDER() ([]byte, error)
	SignMessage(message []byte) ([]byte, error)
}

// KeyProvider hands out the signing key for this boot.
type KeyProvider func() (SigningKey, error)

// Core implements the on-device signing logic. A Core is used for a single Run.
type Core struct {
	state     state
	cfg       Config
	rt        rt.Runtime
	fs        afero.Afero
	getKey    KeyProvider
	integrity verity.IntegrityStore
	compiler  compiler.ArtifactCompiler
	compos    compiler.SecondaryVerifier
	status    BootStatusReporter
	manifest  *manifest.Store

	key              SigningKey
	supportsFsVerity bool
}

// The sequence of states a run goes through
type state int

const (
	stateUninitialized state = iota
	stateKeyLoaded
	stateRootTrusted
	stateArtifactsResolved
	stateVerified
	stateMax
)

func (c *Core) advanceState(newState state) {
	if !(c.state < newState && newState < stateMax) {
		panic(fmt.Errorf("cannot advance from %d to %d", c.state, newState))
	}
	c.state = newState
}

// NewCore creates a new Core object.
func NewCore(cfg Config, runtime rt.Runtime, fs afero.Afero, getKey KeyProvider, integrity verity.IntegrityStore,
	artifactCompiler compiler.ArtifactCompiler, compos compiler.SecondaryVerifier, status BootStatusReporter,
) *Core {
	return &Core{
		state:     stateUninitialized,
		cfg:       cfg,
		rt:        runtime,
		fs:        fs,
		getKey:    getKey,
		integrity: integrity,
		compiler:  artifactCompiler,
		compos:    compos,
		status:    status,
		manifest:  manifest.NewStore(fs, cfg.OdsignInfoPath, cfg.OdsignInfoSignaturePath),
	}
}

// Run decides whether the artifacts can be trusted this boot, compiling and signing
// new ones if needed. Unless Run completes successfully, all artifacts are removed
// and the boot status tells everybody not to use them.
func (c *Core) Run(ctx context.Context) error {
	guard := newRollbackGuard(c.rollback)
	defer guard.Fire()

	if !rt.GetBoolProperty(c.rt, propApexUpdatable, false) {
		rt.Log.Info("device doesn't support updatable APEX, exiting")
		return nil
	}

	if err := c.run(ctx); err != nil {
		rt.Log.WithError(err).Error("on-device signing failed")
		return err
	}
	rt.Log.Info("on-device signing done")

	guard.Disarm()
	c.reportSuccess()
	return nil
}

func (c *Core) run(ctx context.Context) error {
	key, err := c.getKey()
	if err != nil {
		return fmt.Errorf("%w: could not create keystore key: %w", ErrIO, err)
	}
	c.key = key
	c.advanceState(stateKeyLoaded)

	c.supportsFsVerity = c.rt.Access(c.cfg.FsVerityProcPath, rt.AccessExists) == nil
	if !c.supportsFsVerity {
		rt.Log.Info("device doesn't support fs-verity, falling back to full verification")
	}
	useCompOs := c.cfg.UseCompOs && c.supportsFsVerity && c.compOsPresent() && c.isDebugBuild()

	if c.supportsFsVerity {
		if err := c.ensureRootCert(); err != nil {
			return err
		}
		c.advanceState(stateRootTrusted)
	}

	status := compiler.CompilationRequired
	digestsVerified := false
	if useCompOs {
		composKey, err := c.addCompOsCertToKeyring(ctx)
		if err != nil {
			rt.Log.WithError(err).Warn("not using CompOs artifacts")
		} else {
			status, digestsVerified = c.checkCompOsPendingArtifacts(ctx, composKey)
		}
	}

	if status == compiler.CompilationRequired {
		status = c.compiler.Compile(ctx, c.cfg.ForceCompile)
	}
	c.advanceState(stateArtifactsResolved)

	switch status {
	case compiler.Okay:
		rt.Log.Info("odrefresh said artifacts are VALID")
		// If the artifacts dir exists, those are the artifacts that will be used.
		if !digestsVerified && c.artifactsPresent() {
			if err := c.verifyArtifacts(); err != nil {
				return err
			}
		}
	case compiler.CompilationSuccess, compiler.CompilationFailed:
		rt.Log.WithField("status", status).Info("odrefresh compiled artifacts")
		if err := c.signArtifacts(); err != nil {
			return err
		}
	case compiler.CleanupFailed:
		return fmt.Errorf("%w: odrefresh failed cleaning up existing artifacts", ErrToolFailure)
	default:
		return fmt.Errorf("%w: odrefresh exited unexpectedly, returned %v", ErrToolFailure, status)
	}

	c.advanceState(stateVerified)
	return nil
}

// rollback leaves the system in a state where no cached artifact is trusted.
// Abort reports a failed boot when odsign fails before Run could take over. It
// leaves the device in the same state as a failed Run.
func Abort(cfg Config, fs afero.Afero, status BootStatusReporter) {
	c := &Core{cfg: cfg, fs: fs, status: status}
	c.rollback()
}

func (c *Core) rollback() {
	rt.Log.Warn("removing all artifacts and reporting verification failure")

	var result *multierror.Error
	for _, dir := range []string{c.cfg.ArtifactsDir, c.cfg.CompOsPendingArtifactsDir} {
		if err := c.removeDirectory(dir); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := c.status.KeyNoLongerNeeded(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.status.VerificationDone(false); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.status.RequestNoRestart(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := result.ErrorOrNil(); err != nil {
		rt.Log.WithError(err).Error("rollback incomplete")
	}
}

func (c *Core) reportSuccess() {
	c.keyNoLongerNeeded()
	if err := c.status.VerificationDone(true); err != nil {
		rt.Log.WithError(err).Error("failed to report verification success")
	}
	if err := c.status.RequestNoRestart(); err != nil {
		rt.Log.WithError(err).Error("failed to stop service")
	}
}

func (c *Core) keyNoLongerNeeded() {
	if err := c.status.KeyNoLongerNeeded(); err != nil {
		rt.Log.WithError(err).Warn("failed to release signing key")
	}
}

func (c *Core) compOsPresent() bool {
	return c.rt.Access(c.cfg.CompOsVerifyPath, rt.AccessExecute) == nil &&
		c.rt.Access(c.cfg.KvmDevicePath, rt.AccessExists) == nil
}

func (c *Core) isDebugBuild() bool {
	buildType := c.rt.GetProperty(propBuildType, "")
	return buildType == "userdebug" || buildType == "eng"
}
