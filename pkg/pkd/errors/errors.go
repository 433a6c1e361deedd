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

package errors

import (
	"errors"
	"fmt"
)

// Class groups error codes by origin. It decides the HTTP status family and
// whether a PA error is fatal for the overall verdict.
type Class string

const (
	Input        Class = "INPUT"
	Format       Class = "FORMAT"
	Crypto       Class = "CRYPTO"
	Policy       Class = "POLICY"
	Resource     Class = "RESOURCE"
	Timeout      Class = "TIMEOUT"
	Integrity    Class = "INTEGRITY"
	Availability Class = "AVAILABILITY"
)

// Severity of an error within a PA run. Critical errors fail the run,
// warnings are recorded but may still leave the verdict VALID.
type Severity string

const (
	Critical Severity = "CRITICAL"
	Warning  Severity = "WARNING"
)

type Code string

const (
	BadDigest              Code = "BAD_DIGEST"
	MalformedName          Code = "MALFORMED_NAME"
	UnknownFormat          Code = "UNKNOWN_FORMAT"
	LdifFraming            Code = "LDIF_FRAMING_ERROR"
	DERParse               Code = "DER_PARSE_ERROR"
	CMSParse               Code = "CMS_PARSE_ERROR"
	ChainInvalid           Code = "CHAIN_VALIDATION_FAILED"
	SodSignatureInvalid    Code = "SOD_SIGNATURE_INVALID"
	MLSignatureInvalid     Code = "ML_SIGNATURE_INVALID"
	DuplicateUpload        Code = "DUPLICATE_UPLOAD"
	IllegalStateTransition Code = "ILLEGAL_STATE_TRANSITION"
	WrongProcessingMode    Code = "BAD_REQUEST"
	LdapUnreachable        Code = "LDAP_UNREACHABLE"
	PoolExhausted          Code = "CONNECTION_POOL_EXHAUSTED"
	FileIO                 Code = "FILE_IO_ERROR"
	StageTimeout           Code = "STAGE_TIMEOUT"
	LdapTimeout            Code = "LDAP_TIMEOUT"
	DGHashMismatch         Code = "DG_HASH_MISMATCH"
	DGHashMissing          Code = "DG_HASH_MISSING"
	CrlInvalid             Code = "CRL_INVALID"
	CertificateRevoked     Code = "CERTIFICATE_REVOKED"
	CscaNotFound           Code = "CSCA_NOT_FOUND"
	CrlUnavailable         Code = "CRL_UNAVAILABLE"
	Cancelled              Code = "CANCELLED"
	Internal               Code = "INTERNAL_ERROR"
)

var classOf = map[Code]Class{
	BadDigest:              Input,
	MalformedName:          Input,
	UnknownFormat:          Input,
	LdifFraming:            Format,
	DERParse:               Format,
	CMSParse:               Format,
	ChainInvalid:           Crypto,
	SodSignatureInvalid:    Crypto,
	MLSignatureInvalid:     Crypto,
	DuplicateUpload:        Policy,
	IllegalStateTransition: Policy,
	WrongProcessingMode:    Policy,
	LdapUnreachable:        Resource,
	PoolExhausted:          Resource,
	FileIO:                 Resource,
	StageTimeout:           Timeout,
	LdapTimeout:            Timeout,
	DGHashMismatch:         Integrity,
	CrlInvalid:             Integrity,
	CertificateRevoked:     Integrity,
	DGHashMissing:          Availability,
	CscaNotFound:           Availability,
	CrlUnavailable:         Availability,
	Cancelled:              Policy,
	Internal:               Resource,
}

// severityOf lists the codes that only warn during PA; everything else is
// critical.
var severityOf = map[Code]Severity{
	DGHashMissing:  Warning,
	CrlUnavailable: Warning,
}

// Error is the typed error carried across stage and HTTP boundaries. It
// marshals to the {code, message} body of the ingest surface.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Class() Class {
	if c, ok := classOf[e.Code]; ok {
		return c
	}
	return Resource
}

func (e *Error) Severity() Severity {
	if s, ok := severityOf[e.Code]; ok {
		return s
	}
	return Critical
}

// New builds a typed error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a typed code to an underlying error.
func Wrap(err error, code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the typed code from an error chain, or INTERNAL_ERROR.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
