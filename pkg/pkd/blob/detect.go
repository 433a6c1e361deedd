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

package blob

import (
	"bytes"
	"strings"

	pkderrors "github.com/iland112/local-pkd-sub009/pkg/pkd/errors"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
)

// oidSignedData is the DER encoding of OID 1.2.840.113549.1.7.2 (CMS
// signedData), looked for in the header region of the blob.
var oidSignedData = []byte{0x06, 0x09, 0x2a, 0x86, 0x48, 0x86, 0xf7, 0x0d, 0x01, 0x07, 0x02}

// DetectFormat decides the artifact format from the file name suffix and a
// small magic-byte check. The two must agree; a .ldif upload whose content is
// a CMS blob is rejected.
func DetectFormat(name string, head []byte) (types.FileFormat, error) {
	lower := strings.ToLower(name)

	switch {
	case strings.HasSuffix(lower, ".ldif"):
		if !looksLikeLdif(head) {
			return "", pkderrors.New(pkderrors.UnknownFormat, "%s does not contain LDIF content", name)
		}
		return ldifVariant(lower), nil
	case strings.HasSuffix(lower, ".ml"), strings.HasSuffix(lower, ".mls"), strings.HasSuffix(lower, ".bin"):
		if !looksLikeCms(head) {
			return "", pkderrors.New(pkderrors.UnknownFormat, "%s does not contain a CMS SignedData", name)
		}
		return types.MasterListCms, nil
	}

	// No recognized suffix: fall back to content sniffing.
	if looksLikeCms(head) {
		return types.MasterListCms, nil
	}
	if looksLikeLdif(head) {
		return ldifVariant(lower), nil
	}
	return "", pkderrors.New(pkderrors.UnknownFormat, "cannot detect format of %s", name)
}

func ldifVariant(lower string) types.FileFormat {
	csca := strings.Contains(lower, "csca")
	delta := strings.Contains(lower, "delta")
	switch {
	case csca && delta:
		return types.CscaDeltaLdif
	case csca:
		return types.CscaCompleteLdif
	case delta:
		return types.EmrtdDeltaLdif
	default:
		return types.EmrtdCompleteLdif
	}
}

// looksLikeLdif accepts content beginning with "dn:" or "version:", skipping
// leading comment and blank lines.
func looksLikeLdif(head []byte) bool {
	for _, line := range bytes.Split(head, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		return bytes.HasPrefix(line, []byte("dn:")) || bytes.HasPrefix(line, []byte("version:"))
	}
	return false
}

// looksLikeCms accepts a DER SEQUENCE whose header region carries the
// signedData OID.
func looksLikeCms(head []byte) bool {
	if len(head) == 0 || head[0] != 0x30 {
		return false
	}
	region := head
	if len(region) > 32 {
		region = region[:32]
	}
	return bytes.Contains(region, oidSignedData)
}
