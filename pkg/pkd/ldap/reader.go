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

package ldap

import (
	"context"
	"crypto/x509"

	ldapv3 "github.com/go-ldap/ldap/v3"

	pkderrors "github.com/iland112/local-pkd-sub009/pkg/pkd/errors"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/output/log"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
)

// Reader resolves CSCAs and CRLs from the DIT for Passive Authentication.
// It may address a different endpoint than the writer (read proxy vs.
// single master).
type Reader struct {
	pool *Pool
	base string
}

func NewReader(pool *Pool, base string) *Reader {
	return &Reader{pool: pool, base: base}
}

// FindCscaBySubjectDN searches o=csca,c=<CC> for the subject, trying the DN
// variants in order: verbatim, RFC 2253 normalized, reversed RDNs.
func (r *Reader) FindCscaBySubjectDN(ctx context.Context, dn types.DistinguishedName, country types.CountryCode) (*x509.Certificate, error) {
	der, err := r.findBinary(ctx, KindCsca, dn, country)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, pkderrors.Wrap(err, pkderrors.DERParse, "stored CSCA for %s is not valid DER", dn)
	}
	return cert, nil
}

// FindCrlByCsca searches o=crl,c=<CC> for the CRL issued by the CSCA.
// Multiple hits are an anomaly; the first is used.
func (r *Reader) FindCrlByCsca(ctx context.Context, cscaSubject types.DistinguishedName, country types.CountryCode) (*types.CRLRecord, error) {
	der, err := r.findBinary(ctx, KindCrl, cscaSubject, country)
	if err != nil {
		return nil, err
	}
	rec, err := types.NewCRLRecord(der)
	if err != nil {
		return nil, pkderrors.Wrap(err, pkderrors.DERParse, "stored CRL for %s is not valid DER", cscaSubject)
	}
	return &rec, nil
}

func (r *Reader) findBinary(ctx context.Context, kind ObjectKind, dn types.DistinguishedName, country types.CountryCode) ([]byte, error) {
	conn, err := r.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	broken := false
	defer func() { r.pool.Put(conn, broken) }()

	base := ContainerDN(r.base, kind, country)
	attr := kind.binaryAttribute()

	for _, variant := range dn.Variants() {
		search := ldapv3.NewSearchRequest(base, ldapv3.ScopeWholeSubtree, ldapv3.NeverDerefAliases,
			0, 0, false, EntryFilter(kind, variant), []string{attr}, nil)

		res, err := conn.Search(search)
		if err != nil {
			if ldapv3.IsErrorWithCode(err, ldapv3.LDAPResultNoSuchObject) {
				continue
			}
			if isConnectionError(err) {
				broken = true
				return nil, pkderrors.Wrap(err, pkderrors.LdapUnreachable, "searching %s", base)
			}
			return nil, pkderrors.Wrap(err, pkderrors.LdapUnreachable, "searching %s", base)
		}
		if len(res.Entries) == 0 {
			continue
		}
		if len(res.Entries) > 1 {
			log.Entry(ctx).Warnf("%d entries for %s under %s, using the first", len(res.Entries), variant, base)
		}
		value := res.Entries[0].GetRawAttributeValue(attr)
		if len(value) > 0 {
			return value, nil
		}
	}

	code := pkderrors.CscaNotFound
	if kind == KindCrl {
		code = pkderrors.CrlUnavailable
	}
	return nil, pkderrors.New(code, "no %s entry for %s under c=%s", kind, dn, country)
}
