// Copyright (C) 2026 The Hearth Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package tlsutil handles the self signed certificates instances exchange
// over signaling and pin on their tunnels.
package tlsutil

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"
)

var (
	ErrNoCertificate   = errors.New("no certificate presented")
	ErrPinningMismatch = errors.New("certificate does not match pinned certificate")
)

// GenerateCertificate creates a new self signed ECDSA P-384 certificate in
// memory.
func GenerateCertificate(commonName string) (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: commonName,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Date(2049, 12, 31, 23, 59, 59, 0, time.UTC),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{commonName},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create cert: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse cert: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}

// NewCertificate generates a certificate and saves it as PEM to certFile
// and keyFile.
func NewCertificate(certFile, keyFile, commonName string) (tls.Certificate, error) {
	cert, err := GenerateCertificate(commonName)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return tls.Certificate{}, fmt.Errorf("save cert: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(cert.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("save key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("save key: %w", err)
	}

	return tls.LoadX509KeyPair(certFile, keyFile)
}

// LoadOrGenerate loads the key pair, creating it first if the certificate
// file does not exist.
func LoadOrGenerate(certFile, keyFile, commonName string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if errors.Is(err, os.ErrNotExist) {
		return NewCertificate(certFile, keyFile, commonName)
	}
	return cert, err
}

// EncodeCertificate returns the base64 encoded DER form of the leaf
// certificate, as carried in signaling messages.
func EncodeCertificate(cert tls.Certificate) string {
	if len(cert.Certificate) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(cert.Certificate[0])
}

// DecodeCertificate reverses EncodeCertificate, verifying that the result
// parses as an X.509 certificate.
func DecodeCertificate(s string) ([]byte, error) {
	der, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding certificate: %w", err)
	}
	if _, err := x509.ParseCertificate(der); err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}
	return der, nil
}

// DeviceID is the identifier an instance announces for itself: the hex
// SHA-256 of its certificate, truncated to 32 characters.
func DeviceID(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:16])
}

// PinnedClientConfig returns a client TLS config presenting own and
// accepting only a server certificate equal to peerDER.
func PinnedClientConfig(own tls.Certificate, peerDER []byte, nextProtos ...string) *tls.Config {
	return &tls.Config{
		Certificates:       []tls.Certificate{own},
		InsecureSkipVerify: true, // verified by pinning below
		MinVersion:         tls.VersionTLS13,
		NextProtos:         nextProtos,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return VerifyPinned(rawCerts, peerDER)
		},
	}
}

// PinnedServerConfig returns a server TLS config requiring a client
// certificate that known accepts.
func PinnedServerConfig(own tls.Certificate, known func(der []byte) bool, nextProtos ...string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{own},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS13,
		NextProtos:   nextProtos,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrNoCertificate
			}
			if !known(rawCerts[0]) {
				return ErrPinningMismatch
			}
			return nil
		},
	}
}

func VerifyPinned(rawCerts [][]byte, pinned []byte) error {
	if len(rawCerts) == 0 {
		return ErrNoCertificate
	}
	if !bytes.Equal(rawCerts[0], pinned) {
		return ErrPinningMismatch
	}
	return nil
}
