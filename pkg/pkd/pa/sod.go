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
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"strings"

	"go.mozilla.org/pkcs7"

	pkderrors "github.com/iland112/local-pkd-sub009/pkg/pkd/errors"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
)

// ldsSecurityObject is the eContent of a SOD per ICAO 9303 Part 10.
type ldsSecurityObject struct {
	Version       int
	HashAlgorithm pkix.AlgorithmIdentifier
	DGHashes      []dataGroupHash
	// present in v1 security objects only
	VersionInfo asn1.RawValue `asn1:"optional"`
}

type dataGroupHash struct {
	Number int
	Value  []byte
}

// signedDataEnvelope mirrors just enough of the CMS SignedData layout to
// reach the first SignerInfo's algorithm identifiers, which go.mozilla.org/
// pkcs7 does not export.
type signedDataEnvelope struct {
	ContentType asn1.ObjectIdentifier
	Content     struct {
		Version          int
		DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
		ContentInfo      asn1.RawValue
		Certificates     asn1.RawValue `asn1:"optional,tag:0"`
		CRLs             asn1.RawValue `asn1:"optional,tag:1"`
		SignerInfos      []signerInfoHeader `asn1:"set"`
	} `asn1:"explicit,tag:0"`
}

type signerInfoHeader struct {
	Version                   int
	IssuerAndSerial           asn1.RawValue
	DigestAlgorithm           pkix.AlgorithmIdentifier
	AuthenticatedAttributes   asn1.RawValue `asn1:"optional,tag:0"`
	DigestEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedDigest           []byte
	Rest                      asn1.RawValue `asn1:"optional"`
}

var digestOIDNames = map[string]string{
	"1.3.14.3.2.26":          "SHA1",
	"2.16.840.1.101.3.4.2.4": "SHA224",
	"2.16.840.1.101.3.4.2.1": "SHA256",
	"2.16.840.1.101.3.4.2.2": "SHA384",
	"2.16.840.1.101.3.4.2.3": "SHA512",
}

var digestOIDHashes = map[string]crypto.Hash{
	"1.3.14.3.2.26":          crypto.SHA1,
	"2.16.840.1.101.3.4.2.4": crypto.SHA224,
	"2.16.840.1.101.3.4.2.1": crypto.SHA256,
	"2.16.840.1.101.3.4.2.2": crypto.SHA384,
	"2.16.840.1.101.3.4.2.3": crypto.SHA512,
}

var encryptionOIDNames = map[string]string{
	"1.2.840.113549.1.1.1":  "RSA",
	"1.2.840.113549.1.1.5":  "RSAwithSHA1",
	"1.2.840.113549.1.1.10": "RSA-PSS",
	"1.2.840.113549.1.1.11": "RSAwithSHA256",
	"1.2.840.113549.1.1.12": "RSAwithSHA384",
	"1.2.840.113549.1.1.13": "RSAwithSHA512",
	"1.2.840.10045.2.1":     "ECDSA",
	"1.2.840.10045.4.1":     "ECDSAwithSHA1",
	"1.2.840.10045.4.3.2":   "ECDSAwithSHA256",
	"1.2.840.10045.4.3.3":   "ECDSAwithSHA384",
	"1.2.840.10045.4.3.4":   "ECDSAwithSHA512",
}

// SOD is a parsed Document Security Object.
type SOD struct {
	Raw           []byte // after unwrapping, the CMS SignedData bytes
	DSC           *x509.Certificate
	DscSubject    types.DistinguishedName
	DscIssuer     types.DistinguishedName
	DscSerialHex  string
	LDSVersion    int
	DigestAlg     crypto.Hash
	DigestAlgName string
	SigAlgName    string
	DGHashes      map[int][]byte

	p7 *pkcs7.PKCS7
}

// UnwrapSOD peels the optional ICAO application tag 0x77 by TLV length;
// anything else is used as-is.
func UnwrapSOD(der []byte) ([]byte, error) {
	if len(der) == 0 {
		return nil, pkderrors.New(pkderrors.CMSParse, "empty SOD")
	}
	if der[0] != 0x77 {
		return der, nil
	}
	contentOff, contentLen, err := tlvHeader(der)
	if err != nil {
		return nil, pkderrors.Wrap(err, pkderrors.CMSParse, "unwrapping SOD application tag")
	}
	return der[contentOff : contentOff+contentLen], nil
}

// tlvHeader returns the content offset and length of the outermost TLV.
func tlvHeader(der []byte) (int, int, error) {
	if len(der) < 2 {
		return 0, 0, pkderrors.New(pkderrors.CMSParse, "truncated TLV")
	}
	// high-tag-number form is not used by the SOD wrapper
	idx := 1
	first := der[idx]
	idx++
	var length int
	switch {
	case first < 0x80:
		length = int(first)
	default:
		n := int(first & 0x7f)
		if n == 0 || n > 4 || idx+n > len(der) {
			return 0, 0, pkderrors.New(pkderrors.CMSParse, "bad TLV length form")
		}
		for i := 0; i < n; i++ {
			length = length<<8 | int(der[idx])
			idx++
		}
	}
	if idx+length > len(der) {
		return 0, 0, pkderrors.New(pkderrors.CMSParse, "TLV length exceeds input")
	}
	return idx, length, nil
}

// ParseSOD unwraps and decodes a SOD: CMS envelope, DSC certificate, LDS
// security object, and the algorithm names used for reporting. The SOD
// digestAlgorithm wins over a signature-algorithm-encoded digest.
func ParseSOD(der []byte) (*SOD, error) {
	raw, err := UnwrapSOD(der)
	if err != nil {
		return nil, err
	}

	p7, err := pkcs7.Parse(raw)
	if err != nil {
		return nil, pkderrors.Wrap(err, pkderrors.CMSParse, "parsing SOD SignedData")
	}
	if len(p7.Certificates) == 0 {
		return nil, pkderrors.New(pkderrors.CMSParse, "SOD carries no DSC certificate")
	}
	// the first certificate of the CMS certificates field is the DSC
	dsc := p7.Certificates[0]

	var lds ldsSecurityObject
	if _, err := asn1.Unmarshal(p7.Content, &lds); err != nil {
		return nil, pkderrors.Wrap(err, pkderrors.CMSParse, "decoding LDSSecurityObject")
	}

	digestOID := lds.HashAlgorithm.Algorithm.String()
	hash, ok := digestOIDHashes[digestOID]
	if !ok {
		return nil, pkderrors.New(pkderrors.CMSParse, "unsupported SOD digest algorithm %s", digestOID)
	}

	dgHashes := map[int][]byte{}
	for _, dg := range lds.DGHashes {
		dgHashes[dg.Number] = dg.Value
	}

	sod := &SOD{
		Raw:           raw,
		DSC:           dsc,
		DscSubject:    types.NewDN(dsc.Subject.String()),
		DscIssuer:     types.NewDN(dsc.Issuer.String()),
		DscSerialHex:  strings.ToUpper(dsc.SerialNumber.Text(16)),
		LDSVersion:    lds.Version,
		DigestAlg:     hash,
		DigestAlgName: digestOIDNames[digestOID],
		SigAlgName:    signatureAlgorithmName(raw),
		DGHashes:      dgHashes,
		p7:            p7,
	}
	return sod, nil
}

// VerifySignature checks the CMS SignerInfo against the DSC certificate.
func (s *SOD) VerifySignature() error {
	if err := s.p7.Verify(); err != nil {
		return pkderrors.Wrap(err, pkderrors.SodSignatureInvalid, "SOD signature does not verify against DSC")
	}
	return nil
}

// Country derives the issuing country from the DSC subject, falling back to
// its issuer.
func (s *SOD) Country() (types.CountryCode, error) {
	if cc, err := s.DscSubject.Country(); err == nil {
		return cc, nil
	}
	return s.DscIssuer.Country()
}

// signatureAlgorithmName combines the SignerInfo digest and encryption OIDs
// into the conventional <digest>with<encryption> name. Best effort; an
// undecodable envelope yields UNKNOWN.
func signatureAlgorithmName(raw []byte) string {
	var env signedDataEnvelope
	if _, err := asn1.Unmarshal(raw, &env); err != nil || len(env.Content.SignerInfos) == 0 {
		return "UNKNOWN"
	}
	si := env.Content.SignerInfos[0]
	enc := encryptionOIDNames[si.DigestEncryptionAlgorithm.Algorithm.String()]
	digest := digestOIDNames[si.DigestAlgorithm.Algorithm.String()]
	switch {
	case enc == "" && digest == "":
		return "UNKNOWN"
	case enc == "RSA" || enc == "ECDSA":
		return digest + "with" + enc
	case enc == "":
		return digest
	case strings.Contains(enc, "with"):
		return enc
	default:
		return digest + "with" + enc
	}
}
