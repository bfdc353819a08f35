// forgecache is a distributed, content-addressed, incrementally cached build execution engine.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package distribution

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/pbkdf2"
)

const (
	macKeySize    = 32
	macIterations = 100000
)

// SignatureHeader carries the hex-encoded HMAC over the request body.
const SignatureHeader = "X-Forgecache-Signature"

// Signer derives a per-build session MAC key from a configured shared
// secret via PBKDF2, the same derivation pkg/crypto.Encryptor uses for
// its AES key, applied here to HMAC-sign envelopes instead of encrypting
// them. Attach and Heartbeat calls are signed so a worker cannot be
// impersonated, or have its reported resource facts tampered with, on an
// untrusted network.
type Signer struct {
	key []byte
}

// NewSigner derives a Signer's key from sharedSecret, salted by
// buildSessionID so keys do not carry over between builds.
func NewSigner(sharedSecret, buildSessionID string) (*Signer, error) {
	if sharedSecret == "" {
		return nil, errors.New("distribution: shared secret must not be empty")
	}
	salt := sha256.Sum256([]byte("forgecache-distribution-" + buildSessionID))
	key := pbkdf2.Key([]byte(sharedSecret), salt[:], macIterations, macKeySize, sha256.New)
	return &Signer{key: key}, nil
}

// Sign returns the hex-encoded HMAC-SHA256 of body.
func (s *Signer) Sign(body []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the correct MAC for body.
func (s *Signer) Verify(body []byte, signature string) bool {
	expected := s.Sign(body)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}
