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

// Package ldif parses ICAO PKD LDIF dumps into certificate and CRL records,
// one entry at a time.
package ldif

import (
	"context"
	"fmt"
	"io"
	"time"

	pkderrors "github.com/iland112/local-pkd-sub009/pkg/pkd/errors"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/event"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/output/log"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
)

const (
	attrUserCertificate = "userCertificate;binary"
	attrCrl             = "certificateRevocationList;binary"
)

// Parser streams LDIF entries into typed records, publishing parse progress
// by byte offset.
type Parser struct {
	bus *event.Bus
}

func New(bus *event.Bus) *Parser {
	return &Parser{bus: bus}
}

// Parse consumes the LDIF stream entry by entry. Per-entry decode failures
// are recorded and skipped; a framing error is fatal. Cancellation is
// observed between entries.
func (p *Parser) Parse(ctx context.Context, upload *types.UploadedFile, r io.Reader, size int64) (*types.ParsedFile, error) {
	start := time.Now()
	parsed := &types.ParsedFile{UploadID: upload.ID}
	scanner := NewScanner(r)

	lastProgress := time.Time{}
	entries := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, pkderrors.Wrap(err, pkderrors.Cancelled, "parse cancelled after %d entries", entries)
		}

		entry, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// malformed framing is fatal
			return nil, pkderrors.Wrap(err, pkderrors.LdifFraming, "reading LDIF entry")
		}
		entries++
		p.consumeEntry(entry, parsed)

		// byte offset drives the numerator; at most ten frames a second
		if size > 0 && time.Since(lastProgress) >= 100*time.Millisecond {
			lastProgress = time.Now()
			fraction := float64(scanner.Offset()) / float64(size)
			p.bus.StageUpdate(upload.ID, types.StageParsing, fraction,
				fmt.Sprintf("parsed %d entries", entries),
				map[string]int{
					"certificates": len(parsed.Certificates),
					"crls":         len(parsed.Crls),
					"errors":       len(parsed.Errors),
				})
		}
	}

	parsed.ComputeStats(time.Since(start))
	log.Entry(ctx).Infof("LDIF parse of %s: %d certificates, %d CRLs, %d errors",
		upload.FileName, len(parsed.Certificates), len(parsed.Crls), len(parsed.Errors))
	return parsed, nil
}

// consumeEntry extracts certificate and CRL records from one LDIF entry.
func (p *Parser) consumeEntry(entry *Entry, parsed *types.ParsedFile) {
	dn := types.NewDN(entry.DN)
	location := entry.DN
	if location == "" {
		location = fmt.Sprintf("line %d", entry.Line)
	}

	for _, der := range entry.Values(attrUserCertificate) {
		rec, err := types.NewCertificateRecord(der)
		if err != nil {
			parsed.Errors = append(parsed.Errors, types.ParseError{
				Type: types.ErrEntryCertificate, Location: location, Message: err.Error(),
			})
			continue
		}
		p.fillCountry(&rec.Country, dn, location, parsed)
		parsed.Certificates = append(parsed.Certificates, rec)
	}

	for _, der := range entry.Values(attrCrl) {
		rec, err := types.NewCRLRecord(der)
		if err != nil {
			parsed.Errors = append(parsed.Errors, types.ParseError{
				Type: types.ErrEntryCrl, Location: location, Message: err.Error(),
			})
			continue
		}
		if rec.Country == "" {
			if cc, err := dn.Country(); err == nil {
				rec.Country = cc
			}
		}
		parsed.Crls = append(parsed.Crls, rec)
	}
}

// fillCountry prefers the country already derived from the certificate
// subject, then the entry DN. A record without a country is kept with an
// error noted.
func (p *Parser) fillCountry(country *types.CountryCode, dn types.DistinguishedName, location string, parsed *types.ParsedFile) {
	if *country != "" {
		return
	}
	if cc, err := dn.Country(); err == nil {
		*country = cc
		return
	}
	parsed.Errors = append(parsed.Errors, types.ParseError{
		Type:     types.ErrEntryCountry,
		Location: location,
		Message:  "no country code in certificate subject or entry DN",
	})
}
