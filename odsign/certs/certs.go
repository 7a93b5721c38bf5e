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

// Package certs creates and checks the DER certificates odsign hands to the
// integrity keyring.
package certs

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sigstore/sigstore/pkg/cryptoutils"
	"github.com/spf13/afero"
)

const (
	rootOrganization = "Android"
	rootCommonName   = "ODS"
	validity         = 20 * 365 * 24 * time.Hour
)

// Subject is the subject of a leaf certificate.
type Subject struct {
	CommonName   string
	Organization string
}

// Info is what VerifyAndExtractInfo learns from a verified certificate.
type Info struct {
	SubjectCommonName string
	SubjectPublicKey  []byte
}

// ErrNoCertificate is returned if a certificate file could not be parsed.
var ErrNoCertificate = errors.New("no valid certificate")

// CreateSelfSigned creates a CA certificate for the signer's public key, signed by the
// signer itself, and writes it to outPath.
func CreateSelfSigned(fs afero.Afero, signer crypto.Signer, outPath string) error {
	serial, err := cryptoutils.GenerateSerialNumber()
	if err != nil {
		return err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{rootOrganization}, CommonName: rootCommonName},
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	cert, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return fmt.Errorf("creating self-signed certificate: %w", err)
	}
	return writeCert(fs, outPath, cert)
}

// CreateLeaf creates a certificate for publicKeyDER, issued by the certificate at
// issuerCertPath and signed by signer, and writes it to outPath.
func CreateLeaf(fs afero.Afero, subject Subject, publicKeyDER []byte, signer crypto.Signer, issuerCertPath, outPath string) error {
	issuer, err := readCert(fs, issuerCertPath)
	if err != nil {
		return err
	}
	pub, err := x509.ParsePKIXPublicKey(publicKeyDER)
	if err != nil {
		return fmt.Errorf("parsing subject public key: %w", err)
	}
	serial, err := cryptoutils.GenerateSerialNumber()
	if err != nil {
		return err
	}

	name := pkix.Name{CommonName: subject.CommonName}
	if subject.Organization != "" {
		name.Organization = []string{subject.Organization}
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               name,
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	cert, err := x509.CreateCertificate(rand.Reader, template, issuer, pub, signer)
	if err != nil {
		return fmt.Errorf("creating leaf certificate: %w", err)
	}
	return writeCert(fs, outPath, cert)
}

// ExtractPublicKey returns the PKIX DER encoded public key of the certificate at certPath.
func ExtractPublicKey(fs afero.Afero, certPath string) ([]byte, error) {
	cert, err := readCert(fs, certPath)
	if err != nil {
		return nil, err
	}
	return cert.RawSubjectPublicKeyInfo, nil
}

// VerifyAndExtractInfo checks that the certificate at certPath was signed by the
// holder of trustedPublicKeyDER and returns its subject.
func VerifyAndExtractInfo(fs afero.Afero, certPath string, trustedPublicKeyDER []byte) (Info, error) {
	cert, err := readCert(fs, certPath)
	if err != nil {
		return Info{}, err
	}
	trusted, err := x509.ParsePKIXPublicKey(trustedPublicKeyDER)
	if err != nil {
		return Info{}, fmt.Errorf("parsing trusted public key: %w", err)
	}

	// Only the key matters, so the issuer is a synthetic CA carrying it.
	issuer := &x509.Certificate{
		Version:               3,
		PublicKey:             trusted,
		PublicKeyAlgorithm:    publicKeyAlgorithm(trusted),
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	if err := cert.CheckSignatureFrom(issuer); err != nil {
		return Info{}, fmt.Errorf("verifying %s: %w", certPath, err)
	}

	return Info{
		SubjectCommonName: cert.Subject.CommonName,
		SubjectPublicKey:  cert.RawSubjectPublicKeyInfo,
	}, nil
}

func publicKeyAlgorithm(pub crypto.PublicKey) x509.PublicKeyAlgorithm {
	switch pub.(type) {
	case *ecdsa.PublicKey:
		return x509.ECDSA
	case *rsa.PublicKey:
		return x509.RSA
	case ed25519.PublicKey:
		return x509.Ed25519
	}
	return x509.UnknownPublicKeyAlgorithm
}

func readCert(fs afero.Afero, path string) (*x509.Certificate, error) {
	der, err := fs.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w at %s: %v", ErrNoCertificate, path, err)
	}
	return cert, nil
}

func writeCert(fs afero.Afero, path string, der []byte) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return fs.WriteFile(path, der, 0o644)
}
