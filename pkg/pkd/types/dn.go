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
	"strings"
)

// DistinguishedName preserves the verbatim DN string while exposing the
// lookup variants LDAP searches try in order: verbatim, RFC 2253 normalized
// spacing, and the reversed RDN sequence.
type DistinguishedName struct {
	raw string
}

func NewDN(raw string) DistinguishedName {
	return DistinguishedName{raw: strings.TrimSpace(raw)}
}

func (d DistinguishedName) String() string { return d.raw }
func (d DistinguishedName) IsZero() bool   { return d.raw == "" }

// RDNs splits the DN at unescaped commas. Escapes are preserved inside the
// returned components.
func (d DistinguishedName) RDNs() []string {
	var rdns []string
	var cur strings.Builder
	escaped := false
	for _, r := range d.raw {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			cur.WriteRune(r)
			escaped = true
		case r == ',':
			rdns = append(rdns, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		rdns = append(rdns, strings.TrimSpace(cur.String()))
	}
	return rdns
}

// Normalized renders the DN in RFC 2253 style: no spaces around separators,
// attribute types uppercased.
func (d DistinguishedName) Normalized() string {
	rdns := d.RDNs()
	out := make([]string, 0, len(rdns))
	for _, rdn := range rdns {
		out = append(out, normalizeRDN(rdn))
	}
	return strings.Join(out, ",")
}

// Reversed renders the normalized DN with the RDN sequence inverted. PKD
// participants disagree on RDN order; lookups try both directions.
func (d DistinguishedName) Reversed() string {
	rdns := d.RDNs()
	out := make([]string, 0, len(rdns))
	for i := len(rdns) - 1; i >= 0; i-- {
		out = append(out, normalizeRDN(rdns[i]))
	}
	return strings.Join(out, ",")
}

// Variants returns the lookup candidates in the order they are tried.
// Duplicates are removed while preserving order.
func (d DistinguishedName) Variants() []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range []string{d.raw, d.Normalized(), d.Reversed()} {
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// AttributeValue returns the value of the first RDN with the given type,
// case-insensitive on the type.
func (d DistinguishedName) AttributeValue(attrType string) string {
	for _, rdn := range d.RDNs() {
		typ, val, ok := splitRDN(rdn)
		if ok && strings.EqualFold(typ, attrType) {
			return val
		}
	}
	return ""
}

// Country extracts the C= RDN as a CountryCode, mapping alpha-3 forms.
func (d DistinguishedName) Country() (CountryCode, error) {
	return NewCountryCode(d.AttributeValue("C"))
}

func normalizeRDN(rdn string) string {
	typ, val, ok := splitRDN(rdn)
	if !ok {
		return rdn
	}
	return strings.ToUpper(typ) + "=" + val
}

func splitRDN(rdn string) (string, string, bool) {
	idx := strings.Index(rdn, "=")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(rdn[:idx]), strings.TrimSpace(rdn[idx+1:]), true
}
