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

// Package ca produces the X.509 v3 certificates issued by the gateway:
// the self-signed certificate authority and the short-lived server and
// client leaves handed to subscribers.
package ca

import (
	"crypto"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"net"
	"time"

	"github.com/edgegate/edgegate/lib/utils"

	"github.com/gravitational/trace"
)

// DefaultCommonName is the subject CN used when the configuration does
// not override it.
const DefaultCommonName = "EdgeGate Core CA"

// DefaultCAValidity is how long a generated CA certificate remains
// valid.
const DefaultCAValidity = 5 * 365 * 24 * time.Hour

// serialBits is the size of generated certificate serial numbers.
const serialBits = 160

// SubjectName returns the fixed X.500 name used for every certificate
// this authority produces, with the given common name.
func SubjectName(commonName string) pkix.Name {
	return pkix.Name{
		Country:            []string{"US"},
		Organization:       []string{"EdgeGate, Inc."},
		OrganizationalUnit: []string{"EdgeGate"},
		Province:           []string{"California"},
		Locality:           []string{"San Francisco"},
		CommonName:         commonName,
	}
}

// NewSerialNumber draws a random 160-bit serial number. Collisions are
// treated as impossible.
func NewSerialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), serialBits)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return serial, nil
}

// subjectKeyID computes the SHA-1 key identifier over the subject
// public key info, the conventional form for SKI/AKI extensions.
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil, trace.Wrap(err)
	}
	sum := sha1.Sum(spki.PublicKey.RightAlign())
	return sum[:], nil
}

// GenerateCA builds a self-signed CA certificate for signer, valid
// from now for the given duration.
func GenerateCA(signer crypto.Signer, commonName string, now time.Time, validity time.Duration) (*x509.Certificate, error) {
	if commonName == "" {
		commonName = DefaultCommonName
	}
	if validity <= 0 {
		validity = DefaultCAValidity
	}
	serial, err := NewSerialNumber()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ski, err := subjectKeyID(signer.Public())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	subject := SubjectName(commonName)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		Issuer:                subject,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          ski,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return cert, nil
}

// IssueParams are the inputs for issuing a leaf certificate.
type IssueParams struct {
	// CACert is the issuing certificate.
	CACert *x509.Certificate
	// CASigner holds the CA private key.
	CASigner crypto.Signer
	// PublicKey is the subject's public key.
	PublicKey crypto.PublicKey
	// CommonName is the subject CN.
	CommonName string
	// NotBefore and NotAfter bound the validity window.
	NotBefore time.Time
	NotAfter  time.Time
	// SubjectAlternativeNames lists hosts for the SAN extension, only
	// honored for server certificates. Items that parse as IP literals
	// become iPAddress entries, the rest dNSName entries. Duplicates
	// are dropped keeping the first occurrence.
	SubjectAlternativeNames []string
}

func (p *IssueParams) check() error {
	if p.CACert == nil || p.CASigner == nil {
		return trace.BadParameter("missing certificate authority")
	}
	if p.PublicKey == nil {
		return trace.BadParameter("missing subject public key")
	}
	if p.CommonName == "" {
		return trace.BadParameter("missing common name")
	}
	if !p.NotAfter.After(p.NotBefore) {
		return trace.BadParameter("certificate validity window is empty")
	}
	return nil
}

// IssueServerCertificate issues a TLS server leaf with the serverAuth
// extended key usage and a SAN built from params.SubjectAlternativeNames.
func IssueServerCertificate(params IssueParams) (*x509.Certificate, error) {
	template, err := leafTemplate(params, x509.ExtKeyUsageServerAuth)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for _, host := range utils.Deduplicate(params.SubjectAlternativeNames) {
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}
	return sign(template, params)
}

// IssueClientCertificate issues a TLS client leaf with the clientAuth
// extended key usage and no SAN.
func IssueClientCertificate(params IssueParams) (*x509.Certificate, error) {
	template, err := leafTemplate(params, x509.ExtKeyUsageClientAuth)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return sign(template, params)
}

func leafTemplate(params IssueParams, eku x509.ExtKeyUsage) (*x509.Certificate, error) {
	if err := params.check(); err != nil {
		return nil, trace.Wrap(err)
	}
	serial, err := NewSerialNumber()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ski, err := subjectKeyID(params.PublicKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &x509.Certificate{
		SerialNumber:          serial,
		Subject:               SubjectName(params.CommonName),
		NotBefore:             params.NotBefore,
		NotAfter:              params.NotAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{eku},
		BasicConstraintsValid: true,
		IsCA:                  false,
		SubjectKeyId:          ski,
	}, nil
}

func sign(template *x509.Certificate, params IssueParams) (*x509.Certificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, template, params.CACert, params.PublicKey, params.CASigner)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return cert, nil
}
