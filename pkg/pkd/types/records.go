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
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// CertificateType distinguishes trust roots from document signers.
type CertificateType string

const (
	CertCSCA CertificateType = "CSCA"
	CertDSC  CertificateType = "DSC"
)

// CertificateRecord is one certificate extracted from an LDIF entry or a
// Master List. DER bytes are authoritative; everything else is derived.
type CertificateRecord struct {
	Der         []byte
	Subject     DistinguishedName
	Issuer      DistinguishedName
	SerialHex   string
	NotBefore   time.Time
	NotAfter    time.Time
	Fingerprint FileHash
	Type        CertificateType
	Country     CountryCode
	Pem         string

	cert *x509.Certificate
}

// NewCertificateRecord derives a record from DER bytes. The certificate is
// classified CSCA when self-signed with the CA basic constraint, DSC
// otherwise. A missing country yields an empty code, not an error; the
// caller records a per-entry error and keeps the record.
func NewCertificateRecord(der []byte) (CertificateRecord, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return CertificateRecord{}, errors.Wrap(err, "parsing certificate DER")
	}

	subject := NewDN(cert.Subject.String())
	issuer := NewDN(cert.Issuer.String())

	certType := CertDSC
	if subject.Normalized() == issuer.Normalized() && cert.IsCA {
		certType = CertCSCA
	}

	country, err := subject.Country()
	if err != nil {
		country, _ = issuer.Country()
	}

	return CertificateRecord{
		Der:         der,
		Subject:     subject,
		Issuer:      issuer,
		SerialHex:   strings.ToUpper(cert.SerialNumber.Text(16)),
		NotBefore:   cert.NotBefore.UTC(),
		NotAfter:    cert.NotAfter.UTC(),
		Fingerprint: HashBytes(der),
		Type:        certType,
		Country:     country,
		Pem:         string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		cert:        cert,
	}, nil
}

// Certificate returns the parsed form, reparsing if the record was rebuilt
// from storage.
func (r *CertificateRecord) Certificate() (*x509.Certificate, error) {
	if r.cert != nil {
		return r.cert, nil
	}
	cert, err := x509.ParseCertificate(r.Der)
	if err != nil {
		return nil, errors.Wrap(err, "reparsing certificate DER")
	}
	r.cert = cert
	return cert, nil
}

// RevokedEntry is one serial on a CRL.
type RevokedEntry struct {
	SerialHex string
	Reason    string
	RevokedAt time.Time
}

// CRLRecord is one certificate revocation list extracted from an LDIF entry.
type CRLRecord struct {
	Der         []byte
	Issuer      DistinguishedName
	Country     CountryCode
	ThisUpdate  time.Time
	NextUpdate  time.Time
	Revoked     []RevokedEntry
	Number      string
	Fingerprint FileHash

	crl *x509.RevocationList
}

var crlReasons = map[int]string{
	0: "UNSPECIFIED", 1: "KEY_COMPROMISE", 2: "CA_COMPROMISE",
	3: "AFFILIATION_CHANGED", 4: "SUPERSEDED", 5: "CESSATION_OF_OPERATION",
	6: "CERTIFICATE_HOLD", 8: "REMOVE_FROM_CRL", 9: "PRIVILEGE_WITHDRAWN",
	10: "AA_COMPROMISE",
}

// NewCRLRecord derives a record from DER bytes.
func NewCRLRecord(der []byte) (CRLRecord, error) {
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return CRLRecord{}, errors.Wrap(err, "parsing CRL DER")
	}

	issuer := NewDN(crl.Issuer.String())
	country, _ := issuer.Country()

	revoked := make([]RevokedEntry, 0, len(crl.RevokedCertificateEntries))
	for _, e := range crl.RevokedCertificateEntries {
		reason := crlReasons[e.ReasonCode]
		if reason == "" {
			reason = "UNSPECIFIED"
		}
		revoked = append(revoked, RevokedEntry{
			SerialHex: strings.ToUpper(e.SerialNumber.Text(16)),
			Reason:    reason,
			RevokedAt: e.RevocationTime.UTC(),
		})
	}

	number := ""
	if crl.Number != nil {
		number = crl.Number.String()
	}

	return CRLRecord{
		Der:         der,
		Issuer:      issuer,
		Country:     country,
		ThisUpdate:  crl.ThisUpdate.UTC(),
		NextUpdate:  crl.NextUpdate.UTC(),
		Revoked:     revoked,
		Number:      number,
		Fingerprint: HashBytes(der),
		crl:         crl,
	}, nil
}

// RevocationList returns the parsed form, reparsing if needed.
func (r *CRLRecord) RevocationList() (*x509.RevocationList, error) {
	if r.crl != nil {
		return r.crl, nil
	}
	crl, err := x509.ParseRevocationList(r.Der)
	if err != nil {
		return nil, errors.Wrap(err, "reparsing CRL DER")
	}
	r.crl = crl
	return crl, nil
}

// FindRevoked returns the revoked entry for a serial, if listed.
func (r *CRLRecord) FindRevoked(serialHex string) (RevokedEntry, bool) {
	for _, e := range r.Revoked {
		if e.SerialHex == strings.ToUpper(serialHex) {
			return e, true
		}
	}
	return RevokedEntry{}, false
}

// ParseErrorType classifies a per-entry parse failure.
type ParseErrorType string

const (
	ErrEntryCertificate ParseErrorType = "CERTIFICATE"
	ErrEntryCrl         ParseErrorType = "CRL"
	ErrEntryCountry     ParseErrorType = "COUNTRY"
	ErrEntryFraming     ParseErrorType = "FRAMING"
)

// ParseError locates a non-fatal problem inside a parsed file.
type ParseError struct {
	Type     ParseErrorType `json:"type"`
	Location string         `json:"location"` // line number or DN
	Message  string         `json:"message"`
}

func (e ParseError) String() string {
	return fmt.Sprintf("%s at %s: %s", e.Type, e.Location, e.Message)
}

// ParseStatistics summarizes a parse run.
type ParseStatistics struct {
	TotalProcessed int           `json:"totalProcessed"`
	Certificates   int           `json:"certificates"`
	Crls           int           `json:"crls"`
	Errors         int           `json:"errors"`
	Duration       time.Duration `json:"duration"`
	SuccessRate    float64       `json:"successRate"`
}

// ParsedFile is the immutable output of one parse stage run.
type ParsedFile struct {
	UploadID     UploadID
	Certificates []CertificateRecord
	Crls         []CRLRecord
	Errors       []ParseError
	Stats        ParseStatistics
}

// ComputeStats fills the derived statistics from the record sequences.
func (p *ParsedFile) ComputeStats(duration time.Duration) {
	total := len(p.Certificates) + len(p.Crls)
	p.Stats = ParseStatistics{
		TotalProcessed: total,
		Certificates:   len(p.Certificates),
		Crls:           len(p.Crls),
		Errors:         len(p.Errors),
		Duration:       duration,
	}
	if total+len(p.Errors) > 0 {
		p.Stats.SuccessRate = float64(total) / float64(total+len(p.Errors))
	}
}

// MasterList is a verified CMS Master List envelope. The contained CSCAs are
// re-emitted as CertificateRecords by the parser; the envelope is persisted
// once.
type MasterList struct {
	UploadID           UploadID
	Country            CountryCode
	Version            int
	SignerSubject      DistinguishedName
	SignatureAlgorithm string
	Raw                []byte
	CscaCount          int
}

// UploadedFile is the aggregate root of one ingest attempt.
type UploadedFile struct {
	ID               UploadID
	FileName         string
	Size             int64
	Hash             FileHash
	Format           FileFormat
	Collection       string
	Version          string
	Path             string
	ExpectedChecksum string
	Mode             ProcessingMode
	Status           UploadStatus
	DuplicateOf      UploadID
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
