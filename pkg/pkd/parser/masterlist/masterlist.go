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

// Package masterlist parses CMS-signed ICAO Master Lists: the SignedData
// envelope is verified against a configured trust anchor, then the inner
// CscaMasterList SET OF certificates is emitted as CSCA records.
package masterlist

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.mozilla.org/pkcs7"

	pkderrors "github.com/iland112/local-pkd-sub009/pkg/pkd/errors"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/event"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/output/log"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
)

// cscaMasterList is the eContent of a Master List per ICAO 9303 Part 12:
//
//	CscaMasterList ::= SEQUENCE {
//	    version   INTEGER,
//	    certList  SET OF Certificate }
type cscaMasterList struct {
	Version  int
	CertList []asn1.RawValue `asn1:"set"`
}

// Sink receives the verified envelope for persistence.
type Sink interface {
	SaveMasterList(ml *types.MasterList) error
}

// Parser verifies and unpacks Master List uploads.
type Parser struct {
	bus    *event.Bus
	sink   Sink
	anchor *x509.Certificate
}

// New builds the parser. anchor may be nil, in which case signer chains are
// only checked against certificates embedded in the envelope.
func New(bus *event.Bus, sink Sink, anchor *x509.Certificate) *Parser {
	return &Parser{bus: bus, sink: sink, anchor: anchor}
}

// LoadTrustAnchor reads the configured PEM trust anchor (e.g. the UN CSCA).
func LoadTrustAnchor(path string) (*x509.Certificate, error) {
	if path == "" {
		return nil, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading trust anchor %s", path)
	}
	block, _ := pem.Decode(buf)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.Errorf("trust anchor %s is not a PEM certificate", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing trust anchor %s", path)
	}
	return cert, nil
}

// Parse verifies the CMS envelope and emits every contained CSCA. On
// signature failure the parse aborts with ML_SIGNATURE_INVALID and no
// records are emitted.
func (p *Parser) Parse(ctx context.Context, upload *types.UploadedFile, r io.Reader, size int64) (*types.ParsedFile, error) {
	start := time.Now()

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, pkderrors.Wrap(err, pkderrors.FileIO, "reading master list blob")
	}

	p.bus.StageUpdate(upload.ID, types.StageParsing, 0.05, "parsing CMS envelope", nil)

	p7, err := pkcs7.Parse(raw)
	if err != nil {
		return nil, pkderrors.Wrap(err, pkderrors.CMSParse, "parsing CMS SignedData")
	}

	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, pkderrors.New(pkderrors.CMSParse, "master list has no single signer certificate")
	}

	if err := p.verifySignature(p7); err != nil {
		return nil, err
	}

	p.bus.StageUpdate(upload.ID, types.StageParsing, 0.2, "signature verified, decoding certificate set", nil)

	var ml cscaMasterList
	if _, err := asn1.Unmarshal(p7.Content, &ml); err != nil {
		return nil, pkderrors.Wrap(err, pkderrors.CMSParse, "decoding CscaMasterList eContent")
	}

	parsed := &types.ParsedFile{UploadID: upload.ID}
	for i, rawCert := range ml.CertList {
		if err := ctx.Err(); err != nil {
			return nil, pkderrors.Wrap(err, pkderrors.Cancelled, "master list parse cancelled")
		}
		rec, err := types.NewCertificateRecord(rawCert.FullBytes)
		if err != nil {
			parsed.Errors = append(parsed.Errors, types.ParseError{
				Type:     types.ErrEntryCertificate,
				Location: fmt.Sprintf("certList[%d]", i),
				Message:  err.Error(),
			})
			continue
		}
		// Master Lists carry CSCAs including link certificates; the type
		// is forced regardless of the self-signed heuristic.
		rec.Type = types.CertCSCA
		parsed.Certificates = append(parsed.Certificates, rec)

		if (i+1)%50 == 0 {
			fraction := 0.2 + 0.8*float64(i+1)/float64(len(ml.CertList))
			p.bus.StageUpdate(upload.ID, types.StageParsing, fraction,
				fmt.Sprintf("decoded %d/%d CSCAs", i+1, len(ml.CertList)), nil)
		}
	}

	signerDN := types.NewDN(signer.Subject.String())
	country, _ := signerDN.Country()

	aggregate := &types.MasterList{
		UploadID:           upload.ID,
		Country:            country,
		Version:            ml.Version,
		SignerSubject:      signerDN,
		SignatureAlgorithm: signer.SignatureAlgorithm.String(),
		Raw:                raw,
		CscaCount:          len(ml.CertList),
	}
	if p.sink != nil {
		if err := p.sink.SaveMasterList(aggregate); err != nil {
			return nil, errors.Wrap(err, "persisting master list")
		}
	}

	parsed.ComputeStats(time.Since(start))
	log.Entry(ctx).Infof("master list of %s: %d CSCAs, signer %s", country, len(ml.CertList), signerDN)
	return parsed, nil
}

// verifySignature checks the SignerInfo against the signer certificate and,
// when an anchor is configured, validates the signer chain against it.
func (p *Parser) verifySignature(p7 *pkcs7.PKCS7) error {
	if p.anchor == nil {
		if err := p7.Verify(); err != nil {
			return pkderrors.Wrap(err, pkderrors.MLSignatureInvalid, "master list signature does not verify")
		}
		return nil
	}
	pool := x509.NewCertPool()
	pool.AddCert(p.anchor)
	if err := p7.VerifyWithChain(pool); err != nil {
		return pkderrors.Wrap(err, pkderrors.MLSignatureInvalid,
			"master list signature does not verify against trust anchor %s", p.anchor.Subject.String())
	}
	return nil
}
