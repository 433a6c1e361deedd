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
	"regexp"

	"github.com/pkg/errors"
)

// FileFormat tags the kind of PKD artifact an upload carries.
type FileFormat string

const (
	CscaCompleteLdif  FileFormat = "CSCA_COMPLETE_LDIF"
	CscaDeltaLdif     FileFormat = "CSCA_DELTA_LDIF"
	EmrtdCompleteLdif FileFormat = "EMRTD_COMPLETE_LDIF"
	EmrtdDeltaLdif    FileFormat = "EMRTD_DELTA_LDIF"
	MasterListCms     FileFormat = "ML_SIGNED_CMS"
)

// Dir is the blob-store subdirectory for the format.
func (f FileFormat) Dir() string {
	switch f {
	case CscaCompleteLdif:
		return "csca-complete"
	case CscaDeltaLdif:
		return "csca-delta"
	case EmrtdCompleteLdif:
		return "emrtd-complete"
	case EmrtdDeltaLdif:
		return "emrtd-delta"
	case MasterListCms:
		return "masterlist"
	}
	return "unknown"
}

func (f FileFormat) IsLdif() bool { return f != MasterListCms }

// icaoName matches ICAO PKD release file names, e.g.
// icaopkd-002-dsccrl-007078.ldif or icaopkd-001-complete-000999.ldif.
var icaoName = regexp.MustCompile(`(?i)^icaopkd-(\d{3})-([a-z]+)-(\d+)\.(ldif|ml|mls|bin)$`)

// NameInfo carries the collection number and version token extracted from an
// ICAO release file name.
type NameInfo struct {
	Collection string
	Version    string
}

// ParseICAOName extracts collection and version from a PKD file name. Names
// that do not follow the ICAO convention yield an empty NameInfo, not an
// error; uploads of renamed files stay admissible.
func ParseICAOName(name string) NameInfo {
	m := icaoName.FindStringSubmatch(name)
	if m == nil {
		return NameInfo{}
	}
	return NameInfo{Collection: m[1], Version: m[3]}
}

// ProcessingMode selects pipeline orchestration: AUTO runs every stage after
// upload, MANUAL waits for explicit stage commands.
type ProcessingMode string

const (
	ModeAuto   ProcessingMode = "AUTO"
	ModeManual ProcessingMode = "MANUAL"
)

func ParseProcessingMode(s string) (ProcessingMode, error) {
	switch ProcessingMode(s) {
	case ModeAuto, ModeManual:
		return ProcessingMode(s), nil
	case "":
		return ModeAuto, nil
	}
	return "", errors.Errorf("unknown processing mode %q", s)
}
