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

import "time"

// CrlCheckStatus is the outcome of checking one certificate against its
// issuer's CRL.
type CrlCheckStatus string

const (
	CrlCheckValid       CrlCheckStatus = "VALID"
	CrlCheckRevoked     CrlCheckStatus = "REVOKED"
	CrlCheckUnavailable CrlCheckStatus = "CRL_UNAVAILABLE"
	CrlCheckExpired     CrlCheckStatus = "CRL_EXPIRED"
	CrlCheckInvalid     CrlCheckStatus = "CRL_INVALID"
)

// CrlCheckSeverity folds the status into SUCCESS / WARNING / FAILURE.
type CrlCheckSeverity string

const (
	CrlSeveritySuccess CrlCheckSeverity = "SUCCESS"
	CrlSeverityWarning CrlCheckSeverity = "WARNING"
	CrlSeverityFailure CrlCheckSeverity = "FAILURE"
)

// CrlCheckResult carries the revocation decision for one certificate.
type CrlCheckResult struct {
	Status       CrlCheckStatus `json:"status"`
	SerialHex    string         `json:"serial,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	RevokedAt    time.Time      `json:"revokedAt,omitempty"`
	Detail       string         `json:"detail,omitempty"`
}

func (r CrlCheckResult) Severity() CrlCheckSeverity {
	switch r.Status {
	case CrlCheckValid:
		return CrlSeveritySuccess
	case CrlCheckRevoked, CrlCheckInvalid:
		return CrlSeverityFailure
	default:
		return CrlSeverityWarning
	}
}

// PAStatus is the overall verdict of a Passive Authentication run.
type PAStatus string

const (
	PAValid   PAStatus = "VALID"
	PAInvalid PAStatus = "INVALID"
	PAError   PAStatus = "ERROR"
)

// DGResult reports the hash comparison of one data group.
type DGResult struct {
	DG          string `json:"dg"`
	ExpectedHex string `json:"expected"`
	ActualHex   string `json:"actual,omitempty"`
	Valid       bool   `json:"valid"`
	Missing     bool   `json:"missing,omitempty"`
}

// PAStepError is a typed error recorded during a PA run.
type PAStepError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// PassportDataRecord is the append-only audit record of one PA verification.
type PassportDataRecord struct {
	ID             VerificationID
	IssuingCountry CountryCode
	DocumentNumber string
	SodBytes       []byte
	DscSubject     DistinguishedName
	DscSerialHex   string
	CscaSubject    DistinguishedName
	Status         PAStatus
	ChainValid     bool
	SodValid       bool
	CrlResult      CrlCheckResult
	DGResults      []DGResult
	Errors         []PAStepError
	RequestedBy    string
	CallerIP       string
	UserAgent      string
	StartedAt      time.Time
	Duration       time.Duration
}
