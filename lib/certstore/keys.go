/*
Copyright 2024 EdgeGate, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package certstore owns the gateway's CA key material and the
// keystore and device certificates persisted on disk.
package certstore

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"

	"github.com/gravitational/trace"
)

// KeyAlgorithm selects the CA key type.
type KeyAlgorithm string

const (
	RSA2048   KeyAlgorithm = "RSA_2048"
	RSA4096   KeyAlgorithm = "RSA_4096"
	ECDSAP256 KeyAlgorithm = "ECDSA_P256"
	ECDSAP384 KeyAlgorithm = "ECDSA_P384"
)

// DefaultKeyAlgorithm is used when the configuration does not name a
// CA key type.
const DefaultKeyAlgorithm = RSA2048

// ParseKeyAlgorithm validates a configured CA key type.
func ParseKeyAlgorithm(s string) (KeyAlgorithm, error) {
	switch KeyAlgorithm(s) {
	case RSA2048, RSA4096, ECDSAP256, ECDSAP384:
		return KeyAlgorithm(s), nil
	case "":
		return DefaultKeyAlgorithm, nil
	}
	return "", trace.BadParameter("unsupported CA key type %q", s)
}

// CAKeyPair is the current certificate authority: its key type, the
// private key, and the self-signed certificate.
type CAKeyPair struct {
	Algorithm   KeyAlgorithm
	Signer      crypto.Signer
	Certificate *x509.Certificate
}

// NewRSAKeyPair generates a 2048-bit RSA key.
func NewRSAKeyPair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return key, nil
}

// NewECKeyPair generates a NIST P-256 key.
func NewECKeyPair() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return key, nil
}

// NewKeyPair generates a private key for the given algorithm.
func NewKeyPair(alg KeyAlgorithm) (crypto.Signer, error) {
	switch alg {
	case RSA2048:
		return NewRSAKeyPair()
	case RSA4096:
		key, err := rsa.GenerateKey(rand.Reader, 4096)
		return key, trace.Wrap(err)
	case ECDSAP256:
		return NewECKeyPair()
	case ECDSAP384:
		key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		return key, trace.Wrap(err)
	}
	return nil, trace.BadParameter("unsupported CA key type %q", alg)
}
