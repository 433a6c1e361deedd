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

package validate

import (
	"context"
	"crypto/x509"
	"testing"
	"time"

	pkderrors "github.com/iland112/local-pkd-sub009/pkg/pkd/errors"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/event"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
	"github.com/iland112/local-pkd-sub009/testutil"
)

type fakeCscaSource struct {
	cert *x509.Certificate
}

func (f *fakeCscaSource) FindCscaBySubjectDN(ctx context.Context, dn types.DistinguishedName, country types.CountryCode) (*x509.Certificate, error) {
	if f.cert == nil {
		return nil, pkderrors.New(pkderrors.CscaNotFound, "no CSCA for %s", dn)
	}
	return f.cert, nil
}

func record(t *testutil.T, der []byte) types.CertificateRecord {
	rec, err := types.NewCertificateRecord(der)
	t.CheckNoError(err)
	return rec
}

func crlRecord(t *testutil.T, der []byte) types.CRLRecord {
	rec, err := types.NewCRLRecord(der)
	t.CheckNoError(err)
	return rec
}

func batchUpload() *types.UploadedFile {
	return &types.UploadedFile{ID: types.NewUploadID(), FileName: "batch.ldif"}
}

func TestValidateChainWithinBatch(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		ca := t.NewCA("CSCA DE", "DE")
		dscDer, _ := t.IssueDSC(ca, "DSC 1", "DE", 100)

		parsed := &types.ParsedFile{Certificates: []types.CertificateRecord{
			record(t, ca.Der),
			record(t, dscDer),
		}}

		v := New(event.NewBus(), &fakeCscaSource{})
		result, err := v.Run(context.Background(), batchUpload(), parsed)

		t.CheckNoError(err)
		t.CheckDeepEqual(2, len(result.ValidCertificates))
		t.CheckDeepEqual(0, len(result.InvalidCertificates))
	})
}

func TestValidateChainViaLdapFallback(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		ca := t.NewCA("CSCA FR", "FR")
		dscDer, _ := t.IssueDSC(ca, "DSC 2", "FR", 7)

		// batch contains only the DSC; the CSCA is resolved via the source
		parsed := &types.ParsedFile{Certificates: []types.CertificateRecord{record(t, dscDer)}}

		v := New(event.NewBus(), &fakeCscaSource{cert: ca.Cert})
		result, err := v.Run(context.Background(), batchUpload(), parsed)

		t.CheckNoError(err)
		t.CheckDeepEqual(1, len(result.ValidCertificates))
	})
}

func TestValidateIssuerNotFound(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		ca := t.NewCA("CSCA NL", "NL")
		dscDer, _ := t.IssueDSC(ca, "DSC 3", "NL", 8)

		parsed := &types.ParsedFile{Certificates: []types.CertificateRecord{record(t, dscDer)}}

		v := New(event.NewBus(), &fakeCscaSource{})
		result, err := v.Run(context.Background(), batchUpload(), parsed)

		t.CheckNoError(err)
		if len(result.InvalidCertificates) != 1 {
			t.Fatalf("expected 1 invalid certificate, got %d", len(result.InvalidCertificates))
		}
		t.CheckDeepEqual([]Reason{ReasonNoIssuer}, result.InvalidCertificates[0].Reasons)
	})
}

func TestValidateWrongIssuerKey(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		ca := t.NewCA("CSCA AT", "AT")
		other := t.NewCA("CSCA AT", "AT")
		dscDer, _ := t.IssueDSC(ca, "DSC 4", "AT", 9)

		// an impostor CSCA with the same subject but a different key
		parsed := &types.ParsedFile{Certificates: []types.CertificateRecord{
			record(t, other.Der),
			record(t, dscDer),
		}}

		v := New(event.NewBus(), &fakeCscaSource{})
		result, err := v.Run(context.Background(), batchUpload(), parsed)

		t.CheckNoError(err)
		if len(result.InvalidCertificates) != 1 {
			t.Fatalf("expected 1 invalid certificate, got %d", len(result.InvalidCertificates))
		}
		t.CheckDeepEqual([]Reason{ReasonChainFailed}, result.InvalidCertificates[0].Reasons)
	})
}

func TestValidateRevokedDscInBatch(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		ca := t.NewCA("CSCA IT", "IT")
		dscDer, _ := t.IssueDSC(ca, "DSC 5", "IT", 55)
		crlDer := t.IssueCRL(ca, []int64{55}, time.Now().Add(time.Hour))

		parsed := &types.ParsedFile{
			Certificates: []types.CertificateRecord{record(t, ca.Der), record(t, dscDer)},
			Crls:         []types.CRLRecord{crlRecord(t, crlDer)},
		}

		v := New(event.NewBus(), &fakeCscaSource{})
		result, err := v.Run(context.Background(), batchUpload(), parsed)

		t.CheckNoError(err)
		if len(result.InvalidCertificates) != 1 {
			t.Fatalf("expected the revoked DSC to be invalid")
		}
		t.CheckDeepEqual([]Reason{ReasonRevoked}, result.InvalidCertificates[0].Reasons)
		// the CRL itself verifies against the batch CSCA
		t.CheckDeepEqual(1, len(result.ValidCrls))
	})
}

func TestValidateExpiredCertificate(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		ca := t.NewCA("CSCA ES", "ES")

		parsed := &types.ParsedFile{Certificates: []types.CertificateRecord{record(t, ca.Der)}}

		v := New(event.NewBus(), &fakeCscaSource{})
		v.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
		result, err := v.Run(context.Background(), batchUpload(), parsed)

		t.CheckNoError(err)
		if len(result.InvalidCertificates) != 1 {
			t.Fatalf("expected the expired CSCA to be invalid")
		}
		t.CheckDeepEqual([]Reason{ReasonExpired}, result.InvalidCertificates[0].Reasons)
	})
}

func TestValidateStaleCrl(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		ca := t.NewCA("CSCA PL", "PL")
		crlDer := t.IssueCRL(ca, nil, time.Now().Add(time.Minute))

		parsed := &types.ParsedFile{
			Certificates: []types.CertificateRecord{record(t, ca.Der)},
			Crls:         []types.CRLRecord{crlRecord(t, crlDer)},
		}

		v := New(event.NewBus(), &fakeCscaSource{})
		v.now = func() time.Time { return time.Now().Add(time.Hour) }
		result, err := v.Run(context.Background(), batchUpload(), parsed)

		t.CheckNoError(err)
		if len(result.InvalidCrls) != 1 {
			t.Fatalf("expected the stale CRL to be invalid")
		}
		t.CheckDeepEqual([]Reason{ReasonCrlExpired}, result.InvalidCrls[0].Reasons)
	})
}

func TestValidateCancellation(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		ca := t.NewCA("CSCA SE", "SE")
		parsed := &types.ParsedFile{Certificates: []types.CertificateRecord{record(t, ca.Der)}}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		v := New(event.NewBus(), &fakeCscaSource{})
		_, err := v.Run(ctx, batchUpload(), parsed)

		t.CheckError(true, err)
		t.CheckTrue(pkderrors.IsCode(err, pkderrors.Cancelled))
	})
}
