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

package certstore

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"os"
	"path/filepath"
	"sync"

	"github.com/edgegate/edgegate/lib/ca"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/pavlo-v-chernykh/keystore-go/v4"
	"github.com/sirupsen/logrus"
)

const (
	// keystoreFile is the name of the CA keystore inside the work
	// directory.
	keystoreFile = "ca.jks"
	// caPEMFile is a plain-text copy of the current CA certificate
	// kept next to the keystore.
	caPEMFile = "ca.pem"
	// keyAlias is the private key entry alias inside the keystore.
	keyAlias = "ca-key"
	// deviceCertDir holds the content-addressed client certificates.
	deviceCertDir = "devices"

	x509EntryType = "X509"
)

// Config configures a Store.
type Config struct {
	// Directory is the work directory holding the keystore and device
	// certificates.
	Directory string
	// CommonName overrides the subject CN of generated CAs.
	CommonName string
	// Clock is used for certificate validity windows.
	Clock clockwork.Clock
	// Log is a component logger.
	Log logrus.FieldLogger
}

// CheckAndSetDefaults checks and sets the defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Directory == "" {
		return trace.BadParameter("missing work directory")
	}
	if c.CommonName == "" {
		c.CommonName = ca.DefaultCommonName
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logrus.WithField(trace.Component, "certstore")
	}
	return nil
}

// Store owns the CA key material and its on-disk keystore, plus the
// content-addressed device certificate directory. Exactly one current
// CA exists at a time.
type Store struct {
	cfg Config

	mu         sync.RWMutex
	current    *CAKeyPair
	passphrase string

	// writeMu serializes device certificate writes.
	writeMu sync.Mutex
}

// NewStore creates a Store rooted at cfg.Directory. Call Init before
// any other method.
func NewStore(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{cfg: cfg}, nil
}

// Init opens the keystore with the given passphrase. A missing
// keystore, or one the passphrase cannot decrypt, is replaced with a
// fresh keystore holding a newly generated RSA-2048 CA. I/O failures
// other than "file absent" are returned as errors.
func (s *Store) Init(passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passphrase = passphrase

	raw, err := os.ReadFile(s.keystorePath())
	if err != nil {
		if !os.IsNotExist(err) {
			return trace.ConvertSystemError(err)
		}
		s.cfg.Log.Info("No CA keystore found, generating a new certificate authority.")
		return trace.Wrap(s.generateAndPersistLocked(DefaultKeyAlgorithm))
	}

	pair, err := s.loadKeystore(raw, passphrase)
	if err != nil {
		s.cfg.Log.WithError(err).Warn("Unable to open CA keystore, replacing it with a new certificate authority.")
		return trace.Wrap(s.generateAndPersistLocked(DefaultKeyAlgorithm))
	}
	s.current = pair
	return nil
}

// CurrentCA returns the current CA key pair.
func (s *Store) CurrentCA() (*CAKeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil, trace.NotFound("certificate authority is not initialized")
	}
	return s.current, nil
}

// GenerateCA replaces the current CA with a newly generated one of the
// given key type and persists it under the current passphrase.
func (s *Store) GenerateCA(alg KeyAlgorithm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return trace.Wrap(s.generateAndPersistLocked(alg))
}

// SetCA installs an externally supplied CA (custom CA mode) and
// persists it to the keystore.
func (s *Store) SetCA(signer crypto.Signer, cert *x509.Certificate) error {
	alg, err := algorithmOf(signer)
	if err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pair := &CAKeyPair{Algorithm: alg, Signer: signer, Certificate: cert}
	if err := s.persistLocked(pair); err != nil {
		return trace.Wrap(err)
	}
	s.current = pair
	return nil
}

func (s *Store) generateAndPersistLocked(alg KeyAlgorithm) error {
	signer, err := NewKeyPair(alg)
	if err != nil {
		return trace.Wrap(err)
	}
	cert, err := ca.GenerateCA(signer, s.cfg.CommonName, s.cfg.Clock.Now(), ca.DefaultCAValidity)
	if err != nil {
		return trace.Wrap(err)
	}
	pair := &CAKeyPair{Algorithm: alg, Signer: signer, Certificate: cert}
	if err := s.persistLocked(pair); err != nil {
		return trace.Wrap(err)
	}
	s.current = pair
	return nil
}

func (s *Store) persistLocked(pair *CAKeyPair) error {
	keyDER, err := x509.MarshalPKCS8PrivateKey(pair.Signer)
	if err != nil {
		return trace.Wrap(err)
	}

	ks := keystore.New()
	err = ks.SetPrivateKeyEntry(keyAlias, keystore.PrivateKeyEntry{
		CreationTime: s.cfg.Clock.Now(),
		PrivateKey:   keyDER,
		CertificateChain: []keystore.Certificate{{
			Type:    x509EntryType,
			Content: pair.Certificate.Raw,
		}},
	}, []byte(s.passphrase))
	if err != nil {
		return trace.Wrap(err)
	}

	var buf bytes.Buffer
	if err := ks.Store(&buf, []byte(s.passphrase)); err != nil {
		return trace.Wrap(err)
	}
	if err := os.MkdirAll(s.cfg.Directory, 0o700); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := atomicWrite(s.keystorePath(), buf.Bytes(), 0o600); err != nil {
		return trace.Wrap(err)
	}
	pemText := ca.EncodeCertificatePEM(pair.Certificate)
	if err := atomicWrite(filepath.Join(s.cfg.Directory, caPEMFile), []byte(pemText), 0o644); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func (s *Store) loadKeystore(raw []byte, passphrase string) (*CAKeyPair, error) {
	ks := keystore.New()
	if err := ks.Load(bytes.NewReader(raw), []byte(passphrase)); err != nil {
		return nil, trace.Wrap(err)
	}
	entry, err := ks.GetPrivateKeyEntry(keyAlias, []byte(passphrase))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(entry.CertificateChain) == 0 {
		return nil, trace.BadParameter("keystore entry %q has no certificate", keyAlias)
	}
	key, err := x509.ParsePKCS8PrivateKey(entry.PrivateKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, trace.BadParameter("unsupported CA key type %T", key)
	}
	cert, err := x509.ParseCertificate(entry.CertificateChain[0].Content)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	alg, err := algorithmOf(signer)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &CAKeyPair{Algorithm: alg, Signer: signer, Certificate: cert}, nil
}

// StoreDeviceCertificateIfAbsent writes pem under the content-addressed
// path for id. A second write with the same id is a no-op and keeps
// the first content.
func (s *Store) StoreDeviceCertificateIfAbsent(id, pem string) error {
	if id == "" {
		return trace.BadParameter("missing certificate id")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	path := s.certificateIDToPath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return trace.ConvertSystemError(err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return trace.ConvertSystemError(err)
	}
	defer f.Close()
	if _, err := f.WriteString(pem); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// LoadDeviceCertificate reads the PEM stored for id.
func (s *Store) LoadDeviceCertificate(id string) (string, error) {
	if id == "" {
		return "", trace.BadParameter("missing certificate id")
	}
	raw, err := os.ReadFile(s.certificateIDToPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", trace.NotFound("certificate %q is not stored", id)
		}
		return "", trace.ConvertSystemError(err)
	}
	return string(raw), nil
}

func (s *Store) keystorePath() string {
	return filepath.Join(s.cfg.Directory, keystoreFile)
}

// certificateIDToPath shards device certificates into subdirectories
// by the first two characters of their id.
func (s *Store) certificateIDToPath(id string) string {
	prefix := id
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(s.cfg.Directory, deviceCertDir, prefix, id+".pem")
}

func algorithmOf(signer crypto.Signer) (KeyAlgorithm, error) {
	switch key := signer.(type) {
	case *rsa.PrivateKey:
		if key.N.BitLen() >= 4096 {
			return RSA4096, nil
		}
		return RSA2048, nil
	case *ecdsa.PrivateKey:
		if key.Curve == elliptic.P384() {
			return ECDSAP384, nil
		}
		return ECDSAP256, nil
	}
	return "", trace.BadParameter("unsupported CA key type %T", signer)
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}
