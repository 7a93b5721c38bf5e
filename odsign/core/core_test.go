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
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/edgelesssys/odsign/odsign/certs"
	"github.com/edgelesssys/odsign/odsign/compiler"
	"github.com/edgelesssys/odsign/odsign/keystore"
	"github.com/edgelesssys/odsign/odsign/manifest"
	"github.com/edgelesssys/odsign/odsign/rt"
	"github.com/edgelesssys/odsign/odsign/verity"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunNotApplicable(t *testing.T) {
	assert := assert.New(t)

	m := newCoreWithMocks(t)
	m.runtime.Properties[propApexUpdatable] = "false"

	assert.NoError(m.newCore().Run(context.Background()))
	assert.Empty(m.compiler.Compiles)
	assert.Zero(m.compiler.Checks)
	// nothing was trusted this boot
	assert.Equal("0", m.runtime.Properties[propVerificationSuccess])
	assert.Equal("1", m.runtime.Properties[propVerificationDone])
}

func TestRunFirstBoot(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	m := newCoreWithMocks(t)
	m.compiler.CompileResult = compiler.CompilationSuccess
	m.compiler.OnCompile = m.writeArtifacts

	require.NoError(m.newCore().Run(context.Background()))
	assert.Equal([]bool{false}, m.compiler.Compiles)
	m.assertSuccess()

	// root certificate is registered and vouches for the signing key
	certKey, err := certs.ExtractPublicKey(m.fs, m.cfg.RootCertPath)
	require.NoError(err)
	assert.Equal(m.publicKey(), certKey)
	rootCert, err := m.fs.ReadFile(m.cfg.RootCertPath)
	require.NoError(err)
	assert.Equal(rootCert, m.backend.Keyring[rootCertLabel])

	// manifest covers all artifacts
	trusted, err := manifest.NewStore(m.fs, m.cfg.OdsignInfoPath, m.cfg.OdsignInfoSignaturePath).Load(m.publicKey())
	require.NoError(err)
	expected, err := manifest.ComputeDigests(m.fs, m.cfg.ArtifactsDir)
	require.NoError(err)
	assert.Equal(expected, trusted)
	assert.Len(trusted, 3)
}

func TestRunSecondBoot(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	m := newCoreWithMocks(t)
	m.compiler.CompileResult = compiler.CompilationSuccess
	m.compiler.OnCompile = m.writeArtifacts
	require.NoError(m.newCore().Run(context.Background()))
	rootCert, err := m.fs.ReadFile(m.cfg.RootCertPath)
	require.NoError(err)

	m.reboot()
	m.compiler.CompileResult = compiler.Okay
	require.NoError(m.newCore().Run(context.Background()))
	m.assertSuccess()

	// existing root certificate is reused
	newRootCert, err := m.fs.ReadFile(m.cfg.RootCertPath)
	require.NoError(err)
	assert.Equal(rootCert, newRootCert)
	assert.True(m.artifactsExist())
}

func TestRunTamperedArtifact(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	m := newCoreWithMocks(t)
	m.compiler.CompileResult = compiler.CompilationSuccess
	m.compiler.OnCompile = m.writeArtifacts
	require.NoError(m.newCore().Run(context.Background()))

	m.reboot()
	m.compiler.CompileResult = compiler.Okay
	require.NoError(m.fs.WriteFile(filepath.Join(m.cfg.ArtifactsDir, "arm64", "boot.oat"), []byte("evil"), 0o644))

	err := m.newCore().Run(context.Background())
	assert.ErrorIs(err, ErrMismatch)
	assert.ErrorIs(err, manifest.ErrDigestMismatch)
	m.assertRolledBack()
}

func TestRunUnknownArtifact(t *testing.T) {
	require := require.New(t)

	m := newCoreWithMocks(t)
	m.compiler.CompileResult = compiler.CompilationSuccess
	m.compiler.OnCompile = m.writeArtifacts
	require.NoError(m.newCore().Run(context.Background()))

	m.reboot()
	m.compiler.CompileResult = compiler.Okay
	require.NoError(m.fs.WriteFile(filepath.Join(m.cfg.ArtifactsDir, "arm64", "extra.odex"), []byte("extra"), 0o644))

	assert.ErrorIs(t, m.newCore().Run(context.Background()), ErrMismatch)
	m.assertRolledBack()
}

func TestRunRemovedArtifactTolerated(t *testing.T) {
	require := require.New(t)

	m := newCoreWithMocks(t)
	m.compiler.CompileResult = compiler.CompilationSuccess
	m.compiler.OnCompile = m.writeArtifacts
	require.NoError(m.newCore().Run(context.Background()))

	m.reboot()
	m.compiler.CompileResult = compiler.Okay
	require.NoError(m.fs.Remove(filepath.Join(m.cfg.ArtifactsDir, "arm64", "boot.vdex")))

	require.NoError(m.newCore().Run(context.Background()))
	m.assertSuccess()
}

func TestRunUncoveredArtifact(t *testing.T) {
	require := require.New(t)

	m := newCoreWithMocks(t)
	m.compiler.CompileResult = compiler.CompilationSuccess
	m.compiler.OnCompile = m.writeArtifacts
	require.NoError(m.newCore().Run(context.Background()))

	m.reboot()
	m.compiler.CompileResult = compiler.Okay
	m.backend.Uncovered[filepath.Join(m.cfg.ArtifactsDir, "arm64", "boot.art")] = true

	err := m.newCore().Run(context.Background())
	assert.ErrorIs(t, err, verity.ErrNotCovered)
	m.assertRolledBack()
}

func TestRunMissingManifest(t *testing.T) {
	require := require.New(t)

	m := newCoreWithMocks(t)
	m.compiler.CompileResult = compiler.Okay
	m.writeArtifacts(false)

	err := m.newCore().Run(context.Background())
	require.Error(err)
	assert.ErrorIs(t, err, manifest.ErrNoTrustedManifest)
	m.assertRolledBack()
}

func TestRunOkayWithoutArtifacts(t *testing.T) {
	require := require.New(t)

	m := newCoreWithMocks(t)
	m.compiler.CompileResult = compiler.Okay

	// no manifest needed if there is nothing to trust
	require.NoError(m.newCore().Run(context.Background()))
	m.assertSuccess()

	require.NoError(m.fs.MkdirAll(m.cfg.ArtifactsDir, 0o755))
	m.reboot()
	require.NoError(m.newCore().Run(context.Background()))
	m.assertSuccess()
}

func TestRunWithoutFsVerity(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	m := newCoreWithMocks(t)
	delete(m.runtime.Permissions, m.cfg.FsVerityProcPath)
	m.compiler.CompileResult = compiler.CompilationSuccess
	m.compiler.OnCompile = m.writeArtifacts

	require.NoError(m.newCore().Run(context.Background()))
	m.assertSuccess()
	assert.Empty(m.backend.Keyring)
	exists, err := m.fs.Exists(m.cfg.RootCertPath)
	require.NoError(err)
	assert.False(exists)
	// CompOs needs fs-verity
	assert.Empty(m.compos.Calls)

	m.reboot()
	m.compiler.CompileResult = compiler.Okay
	require.NoError(m.newCore().Run(context.Background()))
	m.assertSuccess()

	m.reboot()
	require.NoError(m.fs.WriteFile(filepath.Join(m.cfg.ArtifactsDir, "boot.art"), []byte("evil"), 0o644))
	assert.ErrorIs(m.newCore().Run(context.Background()), ErrMismatch)
	m.assertRolledBack()
}

func TestRunCompilationFailed(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	m := newCoreWithMocks(t)
	m.compiler.CompileResult = compiler.CompilationFailed
	m.compiler.OnCompile = func(bool) {
		require.NoError(m.fs.MkdirAll(m.cfg.ArtifactsDir, 0o755))
		require.NoError(m.fs.WriteFile(filepath.Join(m.cfg.ArtifactsDir, "boot.art"), []byte("partial"), 0o644))
	}

	// whatever was produced is signed
	require.NoError(m.newCore().Run(context.Background()))
	m.assertSuccess()
	trusted, err := manifest.NewStore(m.fs, m.cfg.OdsignInfoPath, m.cfg.OdsignInfoSignaturePath).Load(m.publicKey())
	require.NoError(err)
	assert.Len(trusted, 1)
}

func TestRunForceCompile(t *testing.T) {
	m := newCoreWithMocks(t)
	m.cfg.ForceCompile = true
	m.compiler.CompileResult = compiler.CompilationSuccess
	m.compiler.OnCompile = m.writeArtifacts

	require.NoError(t, m.newCore().Run(context.Background()))
	assert.Equal(t, []bool{true}, m.compiler.Compiles)
}

func TestRunCompilerFailure(t *testing.T) {
	testCases := map[string]compiler.ExitCode{
		"cleanup failed":       compiler.CleanupFailed,
		"unexpected":           compiler.Unexpected,
		"unknown exit code":    compiler.ExitCode(3),
		"compilation required": compiler.CompilationRequired,
	}

	for name, status := range testCases {
		t.Run(name, func(t *testing.T) {
			m := newCoreWithMocks(t)
			m.compiler.CompileResult = status
			m.compiler.OnCompile = m.writeArtifacts

			assert.ErrorIs(t, m.newCore().Run(context.Background()), ErrToolFailure)
			m.assertRolledBack()
		})
	}
}

func TestAbort(t *testing.T) {
	assert := assert.New(t)

	m := newCoreWithMocks(t)
	m.writeArtifacts(false)
	m.writePendingArtifacts(m.key)
	status := &statusRecorder{}
	m.status = status

	Abort(m.cfg, m.fs, m.status)
	m.assertRolledBack()
	assert.Equal([]string{"key", "done:false", "stop"}, status.events)
	assert.Empty(m.compiler.Compiles)
}

func TestRunKeyFailure(t *testing.T) {
	m := newCoreWithMocks(t)
	m.getKey = func() (SigningKey, error) { return nil, errors.New("keystore unavailable") }

	assert.ErrorIs(t, m.newCore().Run(context.Background()), ErrIO)
	assert.Empty(t, m.compiler.Compiles)
	m.assertRolledBack()
}

func TestRunRootCertOfOtherKey(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	m := newCoreWithMocks(t)
	m.compiler.CompileResult = compiler.Okay
	otherKey, err := keystore.GetInstance(m.fs, m.runtime, filepath.Join(m.dir, "other.key"))
	require.NoError(err)
	require.NoError(certs.CreateSelfSigned(m.fs, otherKey, m.cfg.RootCertPath))

	require.NoError(m.newCore().Run(context.Background()))
	certKey, err := certs.ExtractPublicKey(m.fs, m.cfg.RootCertPath)
	require.NoError(err)
	assert.Equal(m.publicKey(), certKey)
}

func TestRunRootCertRegenerationFailure(t *testing.T) {
	require := require.New(t)

	m := newCoreWithMocks(t)
	otherKey, err := keystore.GetInstance(m.fs, m.runtime, filepath.Join(m.dir, "other.key"))
	require.NoError(err)
	require.NoError(certs.CreateSelfSigned(m.fs, otherKey, m.cfg.RootCertPath))
	m.writeArtifacts(false)
	m.writePendingArtifacts(m.key)
	m.fs = afero.Afero{Fs: readOnlyFileFs{Fs: m.fs.Fs, path: m.cfg.RootCertPath}}

	err = m.newCore().Run(context.Background())
	assert.ErrorIs(t, err, ErrIO)
	assert.Empty(t, m.compiler.Compiles)
	m.assertRolledBack()
}

func TestRunGarbageRootCert(t *testing.T) {
	m := newCoreWithMocks(t)
	m.compiler.CompileResult = compiler.Okay
	require.NoError(t, m.fs.WriteFile(m.cfg.RootCertPath, []byte("garbage"), 0o644))

	require.NoError(t, m.newCore().Run(context.Background()))
	certKey, err := certs.ExtractPublicKey(m.fs, m.cfg.RootCertPath)
	require.NoError(t, err)
	assert.Equal(t, m.publicKey(), certKey)
}

func TestRunKeyringFailure(t *testing.T) {
	m := newCoreWithMocks(t)
	m.backend.FailAdd = true
	m.compiler.CompileResult = compiler.CompilationSuccess
	m.compiler.OnCompile = m.writeArtifacts

	assert.ErrorIs(t, m.newCore().Run(context.Background()), ErrIO)
	assert.Empty(t, m.compiler.Compiles)
	m.assertRolledBack()
}

func TestRunReportsOnce(t *testing.T) {
	testCases := map[string]struct {
		compileResult compiler.ExitCode
		expected      []string
	}{
		"success": {
			compileResult: compiler.CompilationSuccess,
			expected:      []string{"key", "done:true", "stop"},
		},
		"failure": {
			compileResult: compiler.CleanupFailed,
			expected:      []string{"key", "done:false", "stop"},
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			m := newCoreWithMocks(t)
			recorder := &statusRecorder{}
			m.status = recorder
			m.compiler.CompileResult = tc.compileResult
			m.compiler.OnCompile = m.writeArtifacts

			_ = m.newCore().Run(context.Background())
			assert.Equal(t, tc.expected, recorder.events)
		})
	}
}

func TestRollbackRemovesAllArtifacts(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	m := newCoreWithMocks(t)
	m.writeArtifacts(false)
	m.writePendingArtifacts(m.key)

	core := m.newCore()
	core.rollback()
	m.assertRolledBack()

	// best effort on errors
	require.NoError(m.fs.MkdirAll(m.cfg.ArtifactsDir, 0o755))
	m.status = &statusRecorder{err: errors.New("property service down")}
	core = m.newCore()
	core.rollback()
	assert.False(m.artifactsExist())
	assert.Equal([]string{"key", "done:false", "stop"}, m.status.(*statusRecorder).events)
}

func TestAdvanceState(t *testing.T) {
	assert := assert.New(t)

	core := &Core{}
	core.advanceState(stateKeyLoaded)
	core.advanceState(stateArtifactsResolved)
	assert.Panics(func() { core.advanceState(stateRootTrusted) })
	assert.Panics(func() { core.advanceState(stateMax) })
}

type coreMocks struct {
	t   *testing.T
	dir string

	cfg      Config
	fs       afero.Afero
	runtime  *rt.RuntimeMock
	backend  *verity.BackendMock
	store    verity.IntegrityStore
	compiler *compiler.CompilerMock
	compos   *compiler.VerifierMock
	status   BootStatusReporter
	key      *keystore.Key
	getKey   KeyProvider
}

// newCoreWithMocks sets up a userdebug device with fs-verity and CompOs in a temp dir.
func newCoreWithMocks(t *testing.T) *coreMocks {
	dir := t.TempDir()
	fs := afero.Afero{Fs: afero.NewOsFs()}

	cfg := DefaultConfig()
	cfg.SigningKeyPath = filepath.Join(dir, "odsign", "signing.key")
	cfg.RootCertPath = filepath.Join(dir, "odsign", "key.cert")
	cfg.CompOsCertPath = filepath.Join(dir, "odsign", "compos_key.cert")
	cfg.OdsignInfoPath = filepath.Join(dir, "odsign", "odsign.info")
	cfg.OdsignInfoSignaturePath = filepath.Join(dir, "odsign", "odsign.info.signature")
	cfg.ArtifactsDir = filepath.Join(dir, "art", "dalvik-cache")
	cfg.CompOsPendingArtifactsDir = filepath.Join(dir, "art", "compos-pending")
	cfg.CompOsCurrentPublicKey = filepath.Join(dir, "compos", "current", "key.pubkey")
	cfg.CompOsPendingPublicKey = filepath.Join(dir, "compos", "pending", "key.pubkey")
	cfg.OdrefreshPath = filepath.Join(dir, "bin", "odrefresh")
	cfg.CompOsVerifyPath = filepath.Join(dir, "bin", "compos_verify_key")
	cfg.FsVerityProcPath = filepath.Join(dir, "proc", "verity")
	cfg.KvmDevicePath = filepath.Join(dir, "dev", "kvm")

	runtime := rt.NewRuntimeMock(fs.Fs)
	runtime.Properties[propApexUpdatable] = "true"
	runtime.Properties[propBuildType] = "userdebug"
	runtime.Permissions[cfg.FsVerityProcPath] = rt.AccessRead
	runtime.Permissions[cfg.CompOsVerifyPath] = rt.AccessRead | rt.AccessExecute
	runtime.Permissions[cfg.KvmDevicePath] = rt.AccessRead

	key, err := keystore.GetInstance(fs, runtime, cfg.SigningKeyPath)
	require.NoError(t, err)

	backend := verity.NewBackendMock(fs.Fs)
	m := &coreMocks{
		t:        t,
		dir:      dir,
		cfg:      cfg,
		fs:       fs,
		runtime:  runtime,
		backend:  backend,
		store:    verity.NewStore(fs, backend),
		compiler: &compiler.CompilerMock{},
		compos:   &compiler.VerifierMock{Confirmed: map[compiler.Instance]bool{}},
		status:   NewPropertyReporter(runtime),
		key:      key,
	}
	m.getKey = func() (SigningKey, error) { return m.key, nil }
	return m
}

func (m *coreMocks) newCore() *Core {
	return NewCore(m.cfg, m.runtime, m.fs, m.getKey, m.store, m.compiler, m.compos, m.status)
}

// reboot forgets everything that doesn't survive a reboot.
func (m *coreMocks) reboot() {
	for _, name := range []string{propKeyDone, propVerificationDone, propVerificationSuccess, propStopService} {
		delete(m.runtime.Properties, name)
	}
	m.backend.Keyring = map[string][]byte{}
	m.compiler.Compiles = nil
	m.compiler.Checks = 0
	m.compos.Calls = nil
}

func (m *coreMocks) writeArtifacts(bool) {
	for name, content := range map[string]string{
		"boot.art":        "image",
		"arm64/boot.oat":  "oat",
		"arm64/boot.vdex": "vdex",
	} {
		path := filepath.Join(m.cfg.ArtifactsDir, name)
		require.NoError(m.t, m.fs.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(m.t, m.fs.WriteFile(path, []byte(content), 0o644))
	}
}

// writePendingArtifacts writes artifacts as CompOs would, with a manifest signed by
// signer that refers to the paths the artifacts will have once promoted.
func (m *coreMocks) writePendingArtifacts(signer manifest.MessageSigner) {
	digests := manifest.DigestMap{}
	for name, content := range map[string]string{
		"boot.art":       "compos image",
		"arm64/boot.oat": "compos oat",
	} {
		path := filepath.Join(m.cfg.CompOsPendingArtifactsDir, name)
		require.NoError(m.t, m.fs.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(m.t, m.fs.WriteFile(path, []byte(content), 0o644))
		digest, err := manifest.FileDigest(m.fs, path)
		require.NoError(m.t, err)
		digests[filepath.Join(m.cfg.ArtifactsDir, name)] = digest
	}
	store := manifest.NewStore(m.fs,
		filepath.Join(m.cfg.CompOsPendingArtifactsDir, verity.ComposInfoName),
		filepath.Join(m.cfg.CompOsPendingArtifactsDir, verity.ComposInfoSignatureName))
	require.NoError(m.t, store.Persist(digests, signer))
}

func (m *coreMocks) publicKey() []byte {
	der, err := m.key.PublicKeyDER()
	require.NoError(m.t, err)
	return der
}

func (m *coreMocks) artifactsExist() bool {
	_, err := m.fs.Stat(m.cfg.ArtifactsDir)
	return !os.IsNotExist(err)
}

func (m *coreMocks) pendingArtifactsExist() bool {
	_, err := m.fs.Stat(m.cfg.CompOsPendingArtifactsDir)
	return !os.IsNotExist(err)
}

func (m *coreMocks) assertSuccess() {
	assert := assert.New(m.t)
	assert.Equal("1", m.runtime.Properties[propKeyDone])
	assert.Equal("1", m.runtime.Properties[propVerificationSuccess])
	assert.Equal("1", m.runtime.Properties[propVerificationDone])
	assert.Equal("odsign", m.runtime.Properties[propStopService])
}

func (m *coreMocks) assertRolledBack() {
	assert := assert.New(m.t)
	assert.False(m.artifactsExist())
	assert.False(m.pendingArtifactsExist())
	if _, ok := m.status.(*PropertyReporter); ok {
		assert.Equal("1", m.runtime.Properties[propKeyDone])
		assert.Equal("0", m.runtime.Properties[propVerificationSuccess])
		assert.Equal("1", m.runtime.Properties[propVerificationDone])
		assert.Equal("odsign", m.runtime.Properties[propStopService])
	}
}

// statusRecorder records boot status reports, collapsing repeated key releases.
type statusRecorder struct {
	events []string
	err    error
}

func (s *statusRecorder) KeyNoLongerNeeded() error {
	if len(s.events) == 0 || s.events[len(s.events)-1] != "key" {
		s.events = append(s.events, "key")
	}
	return s.err
}

func (s *statusRecorder) VerificationDone(success bool) error {
	if success {
		s.events = append(s.events, "done:true")
	} else {
		s.events = append(s.events, "done:false")
	}
	return s.err
}

func (s *statusRecorder) RequestNoRestart() error {
	s.events = append(s.events, "stop")
	return s.err
}

// readOnlyFileFs refuses to open path for writing.
type readOnlyFileFs struct {
	afero.Fs
	path string
}

func (r readOnlyFileFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if name == r.path && flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		return nil, os.ErrPermission
	}
	return r.Fs.OpenFile(name, flag, perm)
}
