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
	"bytes"
	"strings"

	pkderrors "github.com/iland112/local-pkd-sub009/pkg/pkd/errors"
)

// MRZInfo is the decoded TD3 machine readable zone of DG1.
type MRZInfo struct {
	DocumentCode   string `json:"documentCode"`
	IssuingState   string `json:"issuingState"`
	PrimaryID      string `json:"primaryIdentifier"`
	SecondaryID    string `json:"secondaryIdentifier"`
	DocumentNumber string `json:"documentNumber"`
	Nationality    string `json:"nationality"`
	DateOfBirth    string `json:"dateOfBirth"` // YYMMDD
	Sex            string `json:"sex"`
	DateOfExpiry   string `json:"dateOfExpiry"` // YYMMDD
	PersonalNumber string `json:"personalNumber,omitempty"`

	DocumentNumberCheckOK bool `json:"documentNumberCheckOk"`
	DateOfBirthCheckOK    bool `json:"dateOfBirthCheckOk"`
	DateOfExpiryCheckOK   bool `json:"dateOfExpiryCheckOk"`
	PersonalNumberCheckOK bool `json:"personalNumberCheckOk"`
	CompositeCheckOK      bool `json:"compositeCheckOk"`
}

const td3LineLen = 44

// ParseDG1 decodes a DG1 data group (or bare 88-char MRZ text) as a TD3
// machine readable zone and verifies the ICAO 9303 check digits.
func ParseDG1(data []byte) (*MRZInfo, error) {
	mrz, err := extractMRZ(data)
	if err != nil {
		return nil, err
	}
	line1, line2 := mrz[:td3LineLen], mrz[td3LineLen:]

	info := &MRZInfo{
		DocumentCode: strings.TrimRight(line1[0:2], "<"),
		IssuingState: strings.TrimRight(line1[2:5], "<"),
	}
	primary, secondary := splitNames(line1[5:44])
	info.PrimaryID = primary
	info.SecondaryID = secondary

	info.DocumentNumber = strings.TrimRight(line2[0:9], "<")
	info.Nationality = strings.TrimRight(line2[10:13], "<")
	info.DateOfBirth = line2[13:19]
	info.Sex = strings.TrimRight(line2[20:21], "<")
	info.DateOfExpiry = line2[21:27]
	info.PersonalNumber = strings.TrimRight(line2[28:42], "<")

	info.DocumentNumberCheckOK = checkDigit(line2[0:9]) == line2[9]
	info.DateOfBirthCheckOK = checkDigit(line2[13:19]) == line2[19]
	info.DateOfExpiryCheckOK = checkDigit(line2[21:27]) == line2[27]
	// a filler check digit (<) over an empty personal number is allowed
	info.PersonalNumberCheckOK = checkDigit(line2[28:42]) == line2[42] ||
		(info.PersonalNumber == "" && line2[42] == '<')
	composite := line2[0:10] + line2[13:20] + line2[21:43]
	info.CompositeCheckOK = checkDigit(composite) == line2[43]

	return info, nil
}

// extractMRZ accepts either a DG1 TLV (tag 0x61 wrapping a 0x5F1F element)
// or the bare 88 characters, with or without a line break.
func extractMRZ(data []byte) (string, error) {
	if len(data) > 0 && data[0] == 0x61 {
		off, length, err := tlvHeader(data)
		if err != nil {
			return "", pkderrors.Wrap(err, pkderrors.DERParse, "unwrapping DG1")
		}
		inner := data[off : off+length]
		// 5F 1F <len> <mrz>
		idx := bytes.Index(inner, []byte{0x5f, 0x1f})
		if idx < 0 {
			return "", pkderrors.New(pkderrors.DERParse, "DG1 carries no MRZ element")
		}
		rest := inner[idx+2:]
		if len(rest) == 0 {
			return "", pkderrors.New(pkderrors.DERParse, "truncated MRZ element")
		}
		mrzLen := int(rest[0])
		rest = rest[1:]
		if mrzLen > len(rest) {
			return "", pkderrors.New(pkderrors.DERParse, "MRZ element length exceeds DG1")
		}
		data = rest[:mrzLen]
	}

	text := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' {
			return -1
		}
		return r
	}, string(data))

	if len(text) != 2*td3LineLen {
		return "", pkderrors.New(pkderrors.DERParse, "MRZ is %d characters, TD3 requires %d", len(text), 2*td3LineLen)
	}
	for _, r := range text {
		if !(r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '<') {
			return "", pkderrors.New(pkderrors.DERParse, "MRZ contains invalid character %q", r)
		}
	}
	return text, nil
}

// splitNames separates the TD3 name field at the << delimiter and turns
// single fillers into spaces.
func splitNames(field string) (string, string) {
	field = strings.TrimRight(field, "<")
	primary, secondary, found := strings.Cut(field, "<<")
	primary = strings.ReplaceAll(primary, "<", " ")
	if !found {
		return primary, ""
	}
	return primary, strings.ReplaceAll(secondary, "<", " ")
}

var mrzWeights = [3]int{7, 3, 1}

// checkDigit computes the ICAO 9303 check digit over a field: 7-3-1
// weighting, A=10..Z=35, filler counts zero.
func checkDigit(field string) byte {
	sum := 0
	for i := 0; i < len(field); i++ {
		c := field[i]
		var v int
		switch {
		case c >= '0' && c <= '9':
			v = int(c - '0')
		case c >= 'A' && c <= 'Z':
			v = int(c-'A') + 10
		}
		sum += v * mrzWeights[i%3]
	}
	return byte('0' + sum%10)
}
