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

	"github.com/pkg/errors"
)

// CountryCode is an ISO 3166-1 alpha-2 code, uppercase.
type CountryCode string

// alpha3to2 maps the alpha-3 forms that show up in PKD distinguished names
// to their alpha-2 equivalents. Unknown alpha-3 codes fail closed.
var alpha3to2 = map[string]string{
	"AUS": "AU", "AUT": "AT", "BEL": "BE", "BGR": "BG", "BRA": "BR",
	"CAN": "CA", "CHE": "CH", "CHN": "CN", "CZE": "CZ", "DEU": "DE",
	"DNK": "DK", "ESP": "ES", "EST": "EE", "FIN": "FI", "FRA": "FR",
	"GBR": "GB", "GRC": "GR", "HKG": "HK", "HRV": "HR", "HUN": "HU",
	"IND": "IN", "IRL": "IE", "ISL": "IS", "ISR": "IL", "ITA": "IT",
	"JPN": "JP", "KOR": "KR", "LTU": "LT", "LUX": "LU", "LVA": "LV",
	"MAC": "MO", "MEX": "MX", "MLT": "MT", "NLD": "NL", "NOR": "NO",
	"NZL": "NZ", "PHL": "PH", "POL": "PL", "PRT": "PT", "ROU": "RO",
	"RUS": "RU", "SGP": "SG", "SVK": "SK", "SVN": "SI", "SWE": "SE",
	"THA": "TH", "TUR": "TR", "TWN": "TW", "UKR": "UA", "USA": "US",
	"VNM": "VN", "ZAF": "ZA",
	// ICAO itself signs the UN master list.
	"UNO": "UN",
}

// NewCountryCode accepts alpha-2 input, mapping common alpha-3 forms through
// a fixed table. Anything else is rejected.
func NewCountryCode(s string) (CountryCode, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	switch len(s) {
	case 2:
		if !isAlpha(s) {
			return "", errors.Errorf("invalid country code %q", s)
		}
		return CountryCode(s), nil
	case 3:
		if cc, ok := alpha3to2[s]; ok {
			return CountryCode(cc), nil
		}
		return "", errors.Errorf("unknown alpha-3 country code %q", s)
	default:
		return "", errors.Errorf("invalid country code %q", s)
	}
}

func isAlpha(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func (c CountryCode) String() string { return string(c) }
