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

// Package ldap materializes parsed records in the ICAO 9303 Part 12 DIT and
// resolves CSCAs and CRLs for Passive Authentication.
package ldap

import (
	"fmt"

	ldapv3 "github.com/go-ldap/ldap/v3"

	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
)

// ObjectKind selects the DIT container and object class of an entry.
type ObjectKind string

const (
	KindCsca ObjectKind = "csca"
	KindDsc  ObjectKind = "dsc"
	KindCrl  ObjectKind = "crl"
)

func (k ObjectKind) objectClass() string {
	if k == KindCrl {
		return "cRLDistributionPoint"
	}
	return "pkdDownload"
}

func (k ObjectKind) binaryAttribute() string {
	if k == KindCrl {
		return "certificateRevocationList;binary"
	}
	return "userCertificate;binary"
}

// PkdBase prepends the ICAO download tree to the site base DN.
func PkdBase(siteBase string) string {
	return "dc=data,dc=download,dc=pkd," + siteBase
}

// CountryDN is the c=<CC> container under the pkd base.
func CountryDN(pkdBase string, country types.CountryCode) string {
	return fmt.Sprintf("c=%s,%s", country, pkdBase)
}

// ContainerDN is the o=<kind>,c=<CC> container.
func ContainerDN(pkdBase string, kind ObjectKind, country types.CountryCode) string {
	return fmt.Sprintf("o=%s,%s", kind, CountryDN(pkdBase, country))
}

// EntryDN builds the bind-time DN of a record. The cn value is the raw
// subject or issuer DN string; commas inside it are handled by RFC 4514
// escaping.
func EntryDN(pkdBase string, kind ObjectKind, country types.CountryCode, cn string) string {
	return fmt.Sprintf("cn=%s,%s", ldapv3.EscapeDN(cn), ContainerDN(pkdBase, kind, country))
}

// EntryFilter builds the lookup filter for a stored record. RFC 4515 escapes
// parentheses, asterisk, backslash, and NUL in the value; it does not touch
// commas or equals.
func EntryFilter(kind ObjectKind, cn string) string {
	return fmt.Sprintf("(&(objectClass=%s)(cn=%s))", kind.objectClass(), ldapv3.EscapeFilter(cn))
}
