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
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// UploadID identifies one ingest attempt. Opaque 128-bit token, rendered as
// a lowercase hyphenated UUID.
type UploadID string

// VerificationID identifies one PA verification run.
type VerificationID string

func NewUploadID() UploadID             { return UploadID(uuid.NewString()) }
func NewVerificationID() VerificationID { return VerificationID(uuid.NewString()) }

// ParseUploadID validates the textual form of an upload id.
func ParseUploadID(s string) (UploadID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", errors.Wrapf(err, "invalid upload id %q", s)
	}
	return UploadID(s), nil
}

func ParseVerificationID(s string) (VerificationID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", errors.Wrapf(err, "invalid verification id %q", s)
	}
	return VerificationID(s), nil
}

func (id UploadID) String() string       { return string(id) }
func (id VerificationID) String() string { return string(id) }
