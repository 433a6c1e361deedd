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

package pa

import (
	"context"
	"crypto/x509"
	"testing"
	"time"

	pkderrors "github.com/iland112/local-pkd-sub009/pkg/pkd/errors"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
	"github.com/iland112/local-pkd-sub009/testutil"
)

type fakeCscas struct {
	cert *x509.Certificate
}

func (f *fakeCscas) FindCscaBySubjectDN(ctx context.Context, dn types.DistinguishedName, country types.CountryCode) (*x509.Certificate, error) {
	if f.cert == nil {
		return nil, pkderrors.New(pkderrors.CscaNotFound, "no CSCA under %s", dn)
	}
	return f.cert, nil
}

type fakeRecorder struct {
	saved []*types.PassportDataRecord
}

func (r *fakeRecorder) SavePA(rec *types.PassportDataRecord) error {
	r.saved = append(r.saved, rec)
	return nil
}

// paFixture mints a CSCA, a DSC, and a SOD over the given data groups, and
// wires a verifier whose CRL tier revokes the listed serials.
type paFixture struct {
	verifier *Verifier
	recorder *fakeRecorder
	cache    *CrlCache
	sod      []byte
}

func newPAFixture(t *testutil.T, groups map[int][]byte, revoked []int64) *paFixture {
	ca := t.NewCA("CSCA DE", "DE")
	dscDer, key := t.IssueDSC(ca, "DS 1", "DE", 77)

	crlRec, err := types.NewCRLRecord(t.IssueCRL(ca, revoked, time.Now().Add(time.Hour)))
	t.CheckNoError(err)

	recorder := &fakeRecorder{}
	cache := NewCrlCache(nil, &liveCrlSource{crl: &crlRec}, time.Minute, time.Hour)
	verifier := NewVerifier(&fakeCscas{cert: ca.Cert}, cache, recorder)
	return &paFixture{
		verifier: verifier,
		recorder: recorder,
		cache:    cache,
		sod:      wrap77(mintSOD(t, dscDer, key, groups)),
	}
}

func TestVerifyValidPassport(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		groups := map[int][]byte{1: []byte("dg1"), 2: []byte("dg2")}
		f := newPAFixture(t, groups, nil)
		defer f.cache.Stop()

		rec := f.verifier.Verify(context.Background(), Request{
			SodBytes:   f.sod,
			DataGroups: map[string][]byte{"DG1": []byte("dg1"), "DG2": []byte("dg2")},
		})

		t.CheckDeepEqual(types.PAValid, rec.Status)
		t.CheckTrue(rec.ChainValid)
		t.CheckTrue(rec.SodValid)
		t.CheckDeepEqual(types.CrlCheckValid, rec.CrlResult.Status)
		t.CheckDeepEqual(types.CountryCode("DE"), rec.IssuingCountry)
		t.CheckDeepEqual(2, len(rec.DGResults))
		t.CheckDeepEqual(0, len(rec.Errors))
		// the record is persisted regardless of outcome
		t.CheckDeepEqual(1, len(f.recorder.saved))
	})
}

func TestVerifyRevokedDsc(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		f := newPAFixture(t, map[int][]byte{1: []byte("dg1")}, []int64{77})
		defer f.cache.Stop()

		rec := f.verifier.Verify(context.Background(), Request{
			SodBytes:   f.sod,
			DataGroups: map[string][]byte{"DG1": []byte("dg1")},
		})

		t.CheckDeepEqual(types.PAInvalid, rec.Status)
		t.CheckFalse(rec.ChainValid)
		t.CheckDeepEqual(types.CrlCheckRevoked, rec.CrlResult.Status)
		t.CheckDeepEqual("4D", rec.CrlResult.SerialHex)
	})
}

func TestVerifyDGHashMismatch(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		f := newPAFixture(t, map[int][]byte{1: []byte("dg1")}, nil)
		defer f.cache.Stop()

		rec := f.verifier.Verify(context.Background(), Request{
			SodBytes:   f.sod,
			DataGroups: map[string][]byte{"DG1": []byte("tampered")},
		})

		t.CheckDeepEqual(types.PAInvalid, rec.Status)
		t.CheckTrue(rec.ChainValid)
		t.CheckTrue(rec.SodValid)
		t.CheckDeepEqual(1, len(rec.DGResults))
		t.CheckFalse(rec.DGResults[0].Valid)
		if len(rec.Errors) != 1 {
			t.Fatalf("expected 1 step error, got %d", len(rec.Errors))
		}
		t.CheckDeepEqual(string(pkderrors.DGHashMismatch), rec.Errors[0].Code)
	})
}

func TestVerifyMissingDGIsWarning(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		f := newPAFixture(t, map[int][]byte{1: []byte("dg1"), 2: []byte("dg2")}, nil)
		defer f.cache.Stop()

		rec := f.verifier.Verify(context.Background(), Request{
			SodBytes:   f.sod,
			DataGroups: map[string][]byte{"DG1": []byte("dg1")},
		})

		// an uncollected data group degrades the verdict to a warning only
		t.CheckDeepEqual(types.PAValid, rec.Status)
		t.CheckDeepEqual(2, len(rec.DGResults))
		t.CheckTrue(rec.DGResults[1].Missing)
		if len(rec.Errors) != 1 {
			t.Fatalf("expected 1 step error, got %d", len(rec.Errors))
		}
		t.CheckDeepEqual(string(pkderrors.Warning), rec.Errors[0].Severity)
	})
}

func TestVerifyInvalidCrlSignature(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		ca := t.NewCA("CSCA DE", "DE")
		impostor := t.NewCA("CSCA DE", "DE")
		dscDer, key := t.IssueDSC(ca, "DS 1", "DE", 5)

		// the CRL on offer for the issuer is signed by a different key
		crlRec, err := types.NewCRLRecord(t.IssueCRL(impostor, nil, time.Now().Add(time.Hour)))
		t.CheckNoError(err)
		cache := NewCrlCache(nil, &liveCrlSource{crl: &crlRec}, time.Minute, time.Hour)
		defer cache.Stop()
		verifier := NewVerifier(&fakeCscas{cert: ca.Cert}, cache, &fakeRecorder{})

		rec := verifier.Verify(context.Background(), Request{
			SodBytes:   mintSOD(t, dscDer, key, map[int][]byte{1: []byte("dg1")}),
			DataGroups: map[string][]byte{"DG1": []byte("dg1")},
		})

		t.CheckDeepEqual(types.PAInvalid, rec.Status)
		t.CheckDeepEqual(types.CrlCheckInvalid, rec.CrlResult.Status)
		t.CheckDeepEqual(types.CrlSeverityFailure, rec.CrlResult.Severity())
		t.CheckTrue(rec.ChainValid)
		t.CheckTrue(rec.SodValid)
		if len(rec.Errors) != 1 {
			t.Fatalf("expected 1 step error, got %d", len(rec.Errors))
		}
		t.CheckDeepEqual(string(pkderrors.CrlInvalid), rec.Errors[0].Code)
		t.CheckDeepEqual(string(pkderrors.Critical), rec.Errors[0].Severity)
	})
}

func TestVerifyCscaNotFound(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		ca := t.NewCA("CSCA DE", "DE")
		dscDer, key := t.IssueDSC(ca, "DS 1", "DE", 3)
		cache := NewCrlCache(nil, &liveCrlSource{}, time.Minute, time.Hour)
		defer cache.Stop()
		verifier := NewVerifier(&fakeCscas{}, cache, &fakeRecorder{})

		rec := verifier.Verify(context.Background(), Request{
			SodBytes:   mintSOD(t, dscDer, key, map[int][]byte{1: []byte("dg1")}),
			DataGroups: map[string][]byte{"DG1": []byte("dg1")},
		})

		t.CheckDeepEqual(types.PAInvalid, rec.Status)
		t.CheckFalse(rec.ChainValid)
		t.CheckTrue(rec.SodValid)
		t.CheckDeepEqual(types.CrlCheckUnavailable, rec.CrlResult.Status)
	})
}

func TestVerifyCrlUnavailableStaysValid(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		ca := t.NewCA("CSCA DE", "DE")
		dscDer, key := t.IssueDSC(ca, "DS 1", "DE", 4)
		cache := NewCrlCache(nil, &liveCrlSource{}, time.Minute, time.Hour)
		defer cache.Stop()
		verifier := NewVerifier(&fakeCscas{cert: ca.Cert}, cache, &fakeRecorder{})

		rec := verifier.Verify(context.Background(), Request{
			SodBytes:   mintSOD(t, dscDer, key, map[int][]byte{1: []byte("dg1")}),
			DataGroups: map[string][]byte{"DG1": []byte("dg1")},
		})

		t.CheckDeepEqual(types.PAValid, rec.Status)
		t.CheckDeepEqual(types.CrlCheckUnavailable, rec.CrlResult.Status)
	})
}

func TestVerifyUnparseableSod(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		recorder := &fakeRecorder{}
		cache := NewCrlCache(nil, &liveCrlSource{}, time.Minute, time.Hour)
		defer cache.Stop()
		verifier := NewVerifier(&fakeCscas{}, cache, recorder)

		rec := verifier.Verify(context.Background(), Request{SodBytes: []byte{0x01, 0x02}})

		t.CheckDeepEqual(types.PAError, rec.Status)
		t.CheckDeepEqual(1, len(recorder.saved))
	})
}

func TestVerifyCountryOverride(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		f := newPAFixture(t, map[int][]byte{1: []byte("dg1")}, nil)
		defer f.cache.Stop()

		rec := f.verifier.Verify(context.Background(), Request{
			IssuingCountry: "D",
			SodBytes:       f.sod,
			DataGroups:     map[string][]byte{"DG1": []byte("dg1")},
		})

		// an unusable override is an error, not a silent fallback
		t.CheckDeepEqual(types.PAError, rec.Status)
	})
}
