/*
Copyright 2024 The Local PKD Authors

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

package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

// FileHash is the canonical content digest: 64 lowercase hex characters of
// SHA-256.
type FileHash string

// NewFileHash validates and canonicalizes a digest string.
func NewFileHash(s string) (FileHash, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 64 {
		return "", errors.Errorf("file hash must be 64 hex characters, got %d", len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", errors.Wrap(err, "file hash is not hex")
	}
	return FileHash(s), nil
}

// HashBytes digests content into the canonical form.
func HashBytes(b []byte) FileHash {
	sum := sha256.Sum256(b)
	return FileHash(hex.EncodeToString(sum[:]))
}

func (h FileHash) String() string { return string(h) }
