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

// Package pa implements Passive Authentication of ePassport chip reads:
// SOD signature, DSC trust chain against the CSCA directory, CRL-based
// revocation with a two-tier cache, and data-group hash verification.
package pa

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/iland112/local-pkd-sub009/pkg/pkd/constants"
	pkderrors "github.com/iland112/local-pkd-sub009/pkg/pkd/errors"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/output/log"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
)

// CscaSource resolves the trust root for a DSC.
type CscaSource interface {
	FindCscaBySubjectDN(ctx context.Context, dn types.DistinguishedName, country types.CountryCode) (*x509.Certificate, error)
}

// Recorder persists verification records. Append-only.
type Recorder interface {
	SavePA(rec *types.PassportDataRecord) error
}

// Request is one PA verification call.
type Request struct {
	IssuingCountry string
	DocumentNumber string
	SodBytes       []byte
	DataGroups     map[string][]byte // "DG1".. "DG16" -> raw bytes
	RequestedBy    string
	CallerIP       string
	UserAgent      string
}

// Verifier runs the PA algorithm. It reads only LDAP and the CRL cache,
// never the history store.
type Verifier struct {
	cscas    CscaSource
	crls     *CrlCache
	recorder Recorder
	now      func() time.Time
}

func NewVerifier(cscas CscaSource, crls *CrlCache, recorder Recorder) *Verifier {
	return &Verifier{cscas: cscas, crls: crls, recorder: recorder, now: time.Now}
}

// Verify executes the full PA sequence and persists the record. It always
// returns a record, with status ERROR when a step failed unexpectedly.
func (v *Verifier) Verify(ctx context.Context, req Request) *types.PassportDataRecord {
	start := v.now()
	rec := &types.PassportDataRecord{
		ID:             types.NewVerificationID(),
		DocumentNumber: req.DocumentNumber,
		SodBytes:       req.SodBytes,
		RequestedBy:    req.RequestedBy,
		CallerIP:       req.CallerIP,
		UserAgent:      req.UserAgent,
		StartedAt:      start.UTC(),
	}
	ctx = log.WithEventContext(ctx, constants.Verify, rec.ID.String())

	v.verify(ctx, req, rec)
	rec.Duration = v.now().Sub(start)

	if v.recorder != nil {
		if err := v.recorder.SavePA(rec); err != nil {
			log.Entry(ctx).Errorf("persisting PA record %s: %v", rec.ID, err)
		}
	}
	return rec
}

func (v *Verifier) verify(ctx context.Context, req Request, rec *types.PassportDataRecord) {
	sod, err := ParseSOD(req.SodBytes)
	if err != nil {
		v.fail(rec, err)
		rec.Status = types.PAError
		return
	}
	rec.DscSubject = sod.DscSubject
	rec.DscSerialHex = sod.DscSerialHex

	country, err := v.country(req, sod)
	if err != nil {
		v.fail(rec, pkderrors.Wrap(err, pkderrors.MalformedName, "no usable issuing country"))
		rec.Status = types.PAError
		return
	}
	rec.IssuingCountry = country

	// trust chain: CSCA fetched by the DSC's issuer DN
	csca, err := v.cscas.FindCscaBySubjectDN(ctx, sod.DscIssuer, country)
	if err != nil {
		v.fail(rec, err)
	} else {
		rec.CscaSubject = types.NewDN(csca.Subject.String())
		if err := sod.DSC.CheckSignatureFrom(csca); err != nil {
			v.fail(rec, pkderrors.Wrap(err, pkderrors.ChainInvalid, "DSC signature does not verify with CSCA key"))
		} else {
			rec.ChainValid = true
		}
	}

	// revocation: REVOKED and a CRL failing signature verification are
	// failures, an absent or stale CRL only warns
	rec.CrlResult = v.checkCrl(ctx, sod, csca, country)
	switch rec.CrlResult.Status {
	case types.CrlCheckRevoked:
		rec.ChainValid = false
		rec.Errors = append(rec.Errors, types.PAStepError{
			Code:     string(pkderrors.CertificateRevoked),
			Message:  fmt.Sprintf("DSC serial %s revoked (%s)", rec.CrlResult.SerialHex, rec.CrlResult.Reason),
			Severity: string(pkderrors.Critical),
		})
	case types.CrlCheckInvalid:
		rec.Errors = append(rec.Errors, types.PAStepError{
			Code:     string(pkderrors.CrlInvalid),
			Message:  rec.CrlResult.Detail,
			Severity: string(pkderrors.Critical),
		})
	}

	// SOD signature against the DSC certificate
	if err := sod.VerifySignature(); err != nil {
		v.fail(rec, err)
	} else {
		rec.SodValid = true
	}

	rec.DGResults = v.checkDataGroups(sod, req.DataGroups, rec)

	rec.Status = v.verdict(rec)
}

func (v *Verifier) country(req Request, sod *SOD) (types.CountryCode, error) {
	if req.IssuingCountry != "" {
		return types.NewCountryCode(req.IssuingCountry)
	}
	return sod.Country()
}

// checkCrl runs the two-tier cache lookup and evaluates the CRL against the
// DSC. CSCA may be nil when the trust-root lookup failed; signature
// verification is then skipped and only the listing is consulted.
func (v *Verifier) checkCrl(ctx context.Context, sod *SOD, csca *x509.Certificate, country types.CountryCode) types.CrlCheckResult {
	crl, err := v.crls.Get(ctx, sod.DscIssuer, country)
	if err != nil || crl == nil {
		detail := "no CRL published for issuer"
		if err != nil {
			detail = err.Error()
		}
		return types.CrlCheckResult{Status: types.CrlCheckUnavailable, Detail: detail}
	}

	if csca != nil {
		parsed, err := crl.RevocationList()
		if err != nil || parsed.CheckSignatureFrom(csca) != nil {
			return types.CrlCheckResult{Status: types.CrlCheckInvalid, Detail: "CRL signature does not verify with CSCA key"}
		}
	}

	now := v.now()
	if !crl.NextUpdate.IsZero() && now.After(crl.NextUpdate) {
		return types.CrlCheckResult{
			Status: types.CrlCheckExpired,
			Detail: fmt.Sprintf("CRL nextUpdate %s is in the past", crl.NextUpdate.Format(time.RFC3339)),
		}
	}

	if entry, revoked := crl.FindRevoked(sod.DscSerialHex); revoked {
		return types.CrlCheckResult{
			Status:    types.CrlCheckRevoked,
			SerialHex: entry.SerialHex,
			Reason:    entry.Reason,
			RevokedAt: entry.RevokedAt,
		}
	}
	return types.CrlCheckResult{Status: types.CrlCheckValid}
}

// checkDataGroups hashes every caller-supplied DG with the SOD-declared
// algorithm and compares byte-wise against the LDSSecurityObject values.
func (v *Verifier) checkDataGroups(sod *SOD, groups map[string][]byte, rec *types.PassportDataRecord) []types.DGResult {
	numbers := make([]int, 0, len(sod.DGHashes))
	for n := range sod.DGHashes {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	var results []types.DGResult
	for _, n := range numbers {
		expected := sod.DGHashes[n]
		name := fmt.Sprintf("DG%d", n)
		res := types.DGResult{DG: name, ExpectedHex: hex.EncodeToString(expected)}

		data, ok := groups[name]
		if !ok {
			res.Missing = true
			rec.Errors = append(rec.Errors, types.PAStepError{
				Code:     string(pkderrors.DGHashMissing),
				Message:  name + " not supplied by caller",
				Severity: string(pkderrors.Warning),
			})
			results = append(results, res)
			continue
		}

		h := sod.DigestAlg.New()
		h.Write(data)
		actual := h.Sum(nil)
		res.ActualHex = hex.EncodeToString(actual)
		res.Valid = bytes.Equal(actual, expected)
		if !res.Valid {
			rec.Errors = append(rec.Errors, types.PAStepError{
				Code:     string(pkderrors.DGHashMismatch),
				Message:  fmt.Sprintf("%s hash mismatch (%s)", name, sod.DigestAlgName),
				Severity: string(pkderrors.Critical),
			})
		}
		results = append(results, res)
	}
	return results
}

// verdict folds the step results: VALID iff chain, SOD signature, the CRL
// check, and all provided DG hashes verify with no critical errors.
func (v *Verifier) verdict(rec *types.PassportDataRecord) types.PAStatus {
	for _, e := range rec.Errors {
		if e.Severity == string(pkderrors.Critical) {
			return types.PAInvalid
		}
	}
	if !rec.ChainValid || !rec.SodValid {
		return types.PAInvalid
	}
	if rec.CrlResult.Severity() == types.CrlSeverityFailure {
		return types.PAInvalid
	}
	for _, dg := range rec.DGResults {
		if !dg.Missing && !dg.Valid {
			return types.PAInvalid
		}
	}
	return types.PAValid
}

// fail records a step error with the severity of its code.
func (v *Verifier) fail(rec *types.PassportDataRecord, err error) {
	var stepErr *pkderrors.Error
	code := pkderrors.Internal
	severity := pkderrors.Critical
	if e, ok := err.(*pkderrors.Error); ok {
		stepErr = e
		code = e.Code
		severity = e.Severity()
	}
	msg := err.Error()
	if stepErr != nil {
		msg = stepErr.Message
	}
	rec.Errors = append(rec.Errors, types.PAStepError{
		Code:     string(code),
		Message:  msg,
		Severity: string(severity),
	})
}
