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

// Package validate runs per-record checks over a parsed batch: temporal
// bounds, required extensions, DSC chain verification, and CRL
// cross-reference.
package validate

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	pkderrors "github.com/iland112/local-pkd-sub009/pkg/pkd/errors"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/event"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/output/log"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
)

// Reason tags one failed check on a record.
type Reason string

const (
	ReasonExpired        Reason = "EXPIRED"
	ReasonNotYetValid    Reason = "NOT_YET_VALID"
	ReasonBadExtensions  Reason = "MISSING_REQUIRED_EXTENSIONS"
	ReasonChainFailed    Reason = "CHAIN_VALIDATION_FAILED"
	ReasonNoIssuer       Reason = "ISSUER_NOT_FOUND"
	ReasonRevoked        Reason = "REVOKED"
	ReasonCrlExpired     Reason = "CRL_EXPIRED"
	ReasonBadCrlSig      Reason = "CRL_SIGNATURE_INVALID"
)

// CertFinding is the verdict for one certificate, insertion-ordered.
type CertFinding struct {
	Record  types.CertificateRecord
	Reasons []Reason
}

// CrlFinding is the verdict for one CRL.
type CrlFinding struct {
	Record  types.CRLRecord
	Reasons []Reason
}

// Result partitions a batch into valid and invalid sequences, preserving
// insertion order within each.
type Result struct {
	ValidCertificates   []types.CertificateRecord
	InvalidCertificates []CertFinding
	ValidCrls           []types.CRLRecord
	InvalidCrls         []CrlFinding
}

// Counts returns the summary used for progress frames and history.
func (r *Result) Counts() map[string]int {
	return map[string]int{
		"validCertificates":   len(r.ValidCertificates),
		"invalidCertificates": len(r.InvalidCertificates),
		"validCrls":           len(r.ValidCrls),
		"invalidCrls":         len(r.InvalidCrls),
	}
}

// CscaSource resolves trust roots outside the current batch. Implemented by
// the LDAP reader.
type CscaSource interface {
	FindCscaBySubjectDN(ctx context.Context, dn types.DistinguishedName, country types.CountryCode) (*x509.Certificate, error)
}

// Validator checks parsed records. now is a seam for tests.
type Validator struct {
	bus   *event.Bus
	cscas CscaSource
	now   func() time.Time
}

func New(bus *event.Bus, cscas CscaSource) *Validator {
	return &Validator{bus: bus, cscas: cscas, now: time.Now}
}

// Run validates every record of the batch. Per-record failures never abort
// the run; cancellation between records does.
func (v *Validator) Run(ctx context.Context, upload *types.UploadedFile, parsed *types.ParsedFile) (*Result, error) {
	result := &Result{}
	total := len(parsed.Certificates) + len(parsed.Crls)
	done := 0

	// Index the batch's CSCAs by normalized subject for chain checks, and
	// CRLs by normalized issuer for cross-reference.
	cscaBySubject := map[string]*types.CertificateRecord{}
	for i := range parsed.Certificates {
		rec := &parsed.Certificates[i]
		if rec.Type == types.CertCSCA {
			cscaBySubject[rec.Subject.Normalized()] = rec
		}
	}
	crlByIssuer := map[string]*types.CRLRecord{}
	for i := range parsed.Crls {
		rec := &parsed.Crls[i]
		crlByIssuer[rec.Issuer.Normalized()] = rec
	}

	progress := func() {
		done++
		if total > 0 && done%100 == 0 {
			v.bus.StageUpdate(upload.ID, types.StageValidation,
				float64(done)/float64(total),
				fmt.Sprintf("validated %d/%d records", done, total), result.Counts())
		}
	}

	for i := range parsed.Certificates {
		if err := ctx.Err(); err != nil {
			return nil, pkderrors.Wrap(err, pkderrors.Cancelled, "validation cancelled at record %d", done)
		}
		rec := parsed.Certificates[i]
		reasons := v.checkCertificate(ctx, &rec, cscaBySubject, crlByIssuer)
		if len(reasons) == 0 {
			result.ValidCertificates = append(result.ValidCertificates, rec)
		} else {
			result.InvalidCertificates = append(result.InvalidCertificates, CertFinding{Record: rec, Reasons: reasons})
		}
		progress()
	}

	for i := range parsed.Crls {
		if err := ctx.Err(); err != nil {
			return nil, pkderrors.Wrap(err, pkderrors.Cancelled, "validation cancelled at record %d", done)
		}
		rec := parsed.Crls[i]
		reasons := v.checkCrl(&rec, cscaBySubject)
		if len(reasons) == 0 {
			result.ValidCrls = append(result.ValidCrls, rec)
		} else {
			result.InvalidCrls = append(result.InvalidCrls, CrlFinding{Record: rec, Reasons: reasons})
		}
		progress()
	}

	log.Entry(ctx).Infof("validation of %s: %d/%d certificates valid, %d/%d CRLs valid",
		upload.FileName,
		len(result.ValidCertificates), len(parsed.Certificates),
		len(result.ValidCrls), len(parsed.Crls))
	return result, nil
}

func (v *Validator) checkCertificate(ctx context.Context, rec *types.CertificateRecord,
	cscaBySubject map[string]*types.CertificateRecord, crlByIssuer map[string]*types.CRLRecord) []Reason {
	var reasons []Reason
	now := v.now()

	if now.Before(rec.NotBefore) {
		reasons = append(reasons, ReasonNotYetValid)
	}
	if now.After(rec.NotAfter) {
		reasons = append(reasons, ReasonExpired)
	}

	cert, err := rec.Certificate()
	if err != nil {
		return append(reasons, ReasonBadExtensions)
	}

	switch rec.Type {
	case types.CertCSCA:
		if !cert.IsCA || cert.KeyUsage&x509.KeyUsageCertSign == 0 {
			reasons = append(reasons, ReasonBadExtensions)
		}
	case types.CertDSC:
		if len(cert.ExtKeyUsage) == 0 && len(cert.UnknownExtKeyUsage) == 0 {
			reasons = append(reasons, ReasonBadExtensions)
		}
		if cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
			reasons = append(reasons, ReasonBadExtensions)
		}
		if r := v.checkChain(ctx, rec, cert, cscaBySubject); r != "" {
			reasons = append(reasons, r)
		}
		if crl, ok := crlByIssuer[rec.Issuer.Normalized()]; ok {
			if _, revoked := crl.FindRevoked(rec.SerialHex); revoked {
				reasons = append(reasons, ReasonRevoked)
			}
		}
	}
	return dedupe(reasons)
}

// checkChain finds the issuing CSCA in the batch, then LDAP, and verifies
// the DSC signature with its public key.
func (v *Validator) checkChain(ctx context.Context, rec *types.CertificateRecord, cert *x509.Certificate,
	cscaBySubject map[string]*types.CertificateRecord) Reason {
	var issuer *x509.Certificate

	if batchCsca, ok := cscaBySubject[rec.Issuer.Normalized()]; ok {
		issuer, _ = batchCsca.Certificate()
	}
	if issuer == nil && v.cscas != nil {
		found, err := v.cscas.FindCscaBySubjectDN(ctx, rec.Issuer, rec.Country)
		if err == nil {
			issuer = found
		}
	}
	if issuer == nil {
		return ReasonNoIssuer
	}
	if err := cert.CheckSignatureFrom(issuer); err != nil {
		return ReasonChainFailed
	}
	return ""
}

func (v *Validator) checkCrl(rec *types.CRLRecord, cscaBySubject map[string]*types.CertificateRecord) []Reason {
	var reasons []Reason
	now := v.now()

	if now.Before(rec.ThisUpdate) || (!rec.NextUpdate.IsZero() && now.After(rec.NextUpdate)) {
		reasons = append(reasons, ReasonCrlExpired)
	}

	// Signature verification runs when the issuer is in the batch; otherwise
	// it is deferred to PA time.
	if issuerRec, ok := cscaBySubject[rec.Issuer.Normalized()]; ok {
		issuer, err := issuerRec.Certificate()
		if err == nil {
			crl, err := rec.RevocationList()
			if err != nil || crl.CheckSignatureFrom(issuer) != nil {
				reasons = append(reasons, ReasonBadCrlSig)
			}
		}
	}
	return reasons
}

func dedupe(reasons []Reason) []Reason {
	seen := map[Reason]bool{}
	var out []Reason
	for _, r := range reasons {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}
