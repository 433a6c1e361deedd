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

	pkderrors "github.com/iland112/local-pkd-sub009/pkg/pkd/errors"
)

// FaceImage is the facial image extracted from DG2 along with its detected
// encoding.
type FaceImage struct {
	Format string // "JPEG" or "JPEG2000"
	Data   []byte
}

var (
	jpegMagic     = []byte{0xff, 0xd8, 0xff}
	jpeg2000Magic = []byte{0x00, 0x00, 0x00, 0x0c, 0x6a, 0x50}
)

// minImageOffset skips the CBEFF and facial record headers so a JPEG marker
// inside header fields cannot be mistaken for the image start.
const minImageOffset = 20

// ParseDG2 locates the facial image inside a DG2 data group. The ISO 19794-5
// facial record header is skipped by scanning for the image magic rather
// than walking the nested BER structure, which varies between encoders.
func ParseDG2(data []byte) (*FaceImage, error) {
	if len(data) < minImageOffset {
		return nil, pkderrors.New(pkderrors.DERParse, "DG2 too short to hold an image")
	}

	search := data[minImageOffset:]
	jpeg := bytes.Index(search, jpegMagic)
	jp2 := bytes.Index(search, jpeg2000Magic)

	switch {
	case jpeg >= 0 && (jp2 < 0 || jpeg < jp2):
		return &FaceImage{Format: "JPEG", Data: data[minImageOffset+jpeg:]}, nil
	case jp2 >= 0:
		return &FaceImage{Format: "JPEG2000", Data: data[minImageOffset+jp2:]}, nil
	default:
		return nil, pkderrors.New(pkderrors.DERParse, "no JPEG or JPEG2000 image found in DG2")
	}
}
