// Scribe is an audio transcription service.
// Copyright (C) 2025  Matthew Burns
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

package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyPrefix marks scribe API key secrets so they are recognizable in
// Authorization headers and in leaked-credential scans.
const KeyPrefix = "scr_"

// GenerateKey creates a new API key secret and the hash stored for it.
// The secret is returned exactly once; only the hash is persisted.
func GenerateKey() (secret, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate key material: %w", err)
	}
	secret = KeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	return secret, HashKey(secret), nil
}

// HashKey derives the stored lookup hash for an API key secret.
// SHA-256 keeps per-request verification cheap; the secret itself has
// 256 bits of entropy so no slow hash is needed.
func HashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// LooksLikeKey reports whether a bearer credential is shaped like a
// scribe API key secret.
func LooksLikeKey(secret string) bool {
	return strings.HasPrefix(secret, KeyPrefix) && len(secret) > len(KeyPrefix)
}
