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

package iot

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/gravitational/trace"
)

// CertificateID derives the stable local id of a device certificate:
// the lowercase hex SHA-256 of the PEM bytes. Equal PEMs yield equal
// ids.
func CertificateID(certificatePEM string) string {
	sum := sha256.Sum256([]byte(certificatePEM))
	return hex.EncodeToString(sum[:])
}

// Certificate is a device certificate presented to the gateway: the
// PEM text, the derived local id, and the id the cloud assigned to it
// once known.
type Certificate struct {
	pem string
	id  string

	mu               sync.RWMutex
	iotCertificateID string
}

// NewCertificate derives a Certificate from its PEM text.
func NewCertificate(certificatePEM string) (*Certificate, error) {
	if certificatePEM == "" {
		return nil, trace.BadParameter("certificate PEM is empty")
	}
	return &Certificate{
		pem: certificatePEM,
		id:  CertificateID(certificatePEM),
	}, nil
}

// PEM returns the certificate PEM text.
func (c *Certificate) PEM() string { return c.pem }

// ID returns the local content-derived id.
func (c *Certificate) ID() string { return c.id }

// IoTCertificateID returns the cloud-assigned id, if known.
func (c *Certificate) IoTCertificateID() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.iotCertificateID, c.iotCertificateID != ""
}

// SetIoTCertificateID records the cloud-assigned id.
func (c *Certificate) SetIoTCertificateID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.iotCertificateID = id
}
