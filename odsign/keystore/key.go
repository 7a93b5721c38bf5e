package keystore

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/edgelesssys/ego/ecrypto"
	"github.com/edgelesssys/odsign/odsign/rt"
	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/sigstore/sigstore/pkg/signature"
	"github.com/spf13/afero"
)

// sealedKeyAdditionalData binds the sealed blob to its purpose.
var sealedKeyAdditionalData = []byte("odsign signing key")

// Key is the persistent signing key of odsign. It is loaded once per boot.
type Key struct {
	priv   *ecdsa.PrivateKey
	signer *signature.ECDSASignerVerifier
}

// GetInstance loads the signing key blob at path, or generates and stores a new key
// if none exists yet. Inside an enclave the blob is sealed with the product key.
func GetInstance(fs afero.Afero, runtime rt.Runtime, path string) (*Key, error) {
	priv, err := loadKey(fs, runtime, path)
	if errors.Is(err, os.ErrNotExist) {
		rt.Log.WithField("path", path).Info("no signing key found, generating a new one")
		priv, err = newKey(fs, runtime, path)
	}
	if err != nil {
		return nil, err
	}
	return newKeyFromPrivate(priv)
}

func newKeyFromPrivate(priv *ecdsa.PrivateKey) (*Key, error) {
	signer, err := signature.LoadECDSASignerVerifier(priv, crypto.SHA256)
	if err != nil {
		return nil, err
	}
	return &Key{priv: priv, signer: signer}, nil
}

// Public returns the public key. Together with Sign, Key implements crypto.Signer.
func (k *Key) Public() crypto.PublicKey {
	return k.priv.Public()
}

// Sign signs a digest.
func (k *Key) Sign(rand io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return k.priv.Sign(rand, digest, opts)
}

// PublicKeyDER returns the PKIX DER encoding of the public key.
func (k *Key) PublicKeyDER() ([]byte, error) {
	return cryptoutils.MarshalPublicKeyToDER(k.priv.Public())
}

// SignMessage hashes and signs message.
func (k *Key) SignMessage(message []byte) ([]byte, error) {
	return k.signer.SignMessage(bytes.NewReader(message))
}

// VerifySignature checks sig over message with a PKIX DER encoded public key.
func VerifySignature(publicKeyDER, message, sig []byte) error {
	pub, err := x509.ParsePKIXPublicKey(publicKeyDER)
	if err != nil {
		return fmt.Errorf("parsing public key: %w", err)
	}
	verifier, err := signature.LoadVerifier(pub, crypto.SHA256)
	if err != nil {
		return err
	}
	return verifier.VerifySignature(bytes.NewReader(sig), bytes.NewReader(message))
}

func loadKey(fs afero.Afero, runtime rt.Runtime, path string) (*ecdsa.PrivateKey, error) {
	blob, err := fs.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if runtime.IsEnclave() {
		blob, err = ecrypto.Unseal(blob, sealedKeyAdditionalData)
		if err != nil {
			return nil, fmt.Errorf("unsealing signing key: %w", err)
		}
	}

	priv, err := cryptoutils.UnmarshalPEMToPrivateKey(blob, cryptoutils.SkipPassword)
	if err != nil {
		return nil, fmt.Errorf("parsing signing key: %w", err)
	}
	ecPriv, ok := priv.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key at %s has unsupported type %T", path, priv)
	}
	return ecPriv, nil
}

func newKey(fs afero.Afero, runtime rt.Runtime, path string) (*ecdsa.PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	blob, err := cryptoutils.MarshalPrivateKeyToPEM(priv)
	if err != nil {
		return nil, err
	}
	if runtime.IsEnclave() {
		blob, err = ecrypto.SealWithProductKey(blob, sealedKeyAdditionalData)
		if err != nil {
			return nil, fmt.Errorf("sealing signing key: %w", err)
		}
	}

	if err := fs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := fs.WriteFile(path, blob, 0o600); err != nil {
		return nil, err
	}
	return priv, nil
}
