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
	"crypto/rand"

	"github.com/gravitational/trace"
)

// passphraseLength is the exact length of generated keystore
// passphrases.
const passphraseLength = 16

// GenerateRandomPassphrase draws 16 random bytes and maps each into
// the printable ASCII range, so the result is always exactly 16
// printable characters.
func GenerateRandomPassphrase() (string, error) {
	raw := make([]byte, passphraseLength)
	if _, err := rand.Read(raw); err != nil {
		return "", trace.Wrap(err)
	}
	out := make([]byte, passphraseLength)
	for i, b := range raw {
		out[i] = byteToASCIIChar(b)
	}
	return string(out), nil
}

// byteToASCIIChar maps any byte into the closed range [0x20, 0x7E].
// The high bit is cleared first so the modulus never sees a negative
// value in signed-byte terms.
func byteToASCIIChar(b byte) byte {
	const low, high = 0x20, 0x7E
	return (b&0x7F)%(high-low) + low
}
