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

package history

import (
	"time"

	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
)

// UploadRow is the persisted form of an UploadedFile.
type UploadRow struct {
	ID               string `gorm:"primaryKey"`
	FileName         string `gorm:"index"`
	Size             int64
	Hash             string `gorm:"index"`
	Format           string `gorm:"index"`
	Collection       string
	Version          string
	Path             string
	ExpectedChecksum string
	Mode             string
	Status           string `gorm:"index"`
	DuplicateOf      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (UploadRow) TableName() string { return "uploads" }

func rowFromUpload(u *types.UploadedFile) *UploadRow {
	return &UploadRow{
		ID:               u.ID.String(),
		FileName:         u.FileName,
		Size:             u.Size,
		Hash:             u.Hash.String(),
		Format:           string(u.Format),
		Collection:       u.Collection,
		Version:          u.Version,
		Path:             u.Path,
		ExpectedChecksum: u.ExpectedChecksum,
		Mode:             string(u.Mode),
		Status:           string(u.Status),
		DuplicateOf:      u.DuplicateOf.String(),
		CreatedAt:        u.CreatedAt,
		UpdatedAt:        u.UpdatedAt,
	}
}

func (r *UploadRow) toUpload() *types.UploadedFile {
	return &types.UploadedFile{
		ID:               types.UploadID(r.ID),
		FileName:         r.FileName,
		Size:             r.Size,
		Hash:             types.FileHash(r.Hash),
		Format:           types.FileFormat(r.Format),
		Collection:       r.Collection,
		Version:          r.Version,
		Path:             r.Path,
		ExpectedChecksum: r.ExpectedChecksum,
		Mode:             types.ProcessingMode(r.Mode),
		Status:           types.UploadStatus(r.Status),
		DuplicateOf:      types.UploadID(r.DuplicateOf),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

// CertificateRow tracks each parsed certificate and its replication state.
// The replicated flag is the LDAP writer's side channel.
type CertificateRow struct {
	Fingerprint string `gorm:"primaryKey"`
	UploadID    string `gorm:"index"`
	Type        string
	Country     string `gorm:"index"`
	SubjectDN   string
	IssuerDN    string
	SerialHex   string
	NotBefore   time.Time
	NotAfter    time.Time
	Replicated  bool `gorm:"index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (CertificateRow) TableName() string { return "certificates" }

// CrlRow tracks each parsed CRL and doubles as the durable tier of the PA
// CRL cache. DER bytes are retained for cache hits.
type CrlRow struct {
	Fingerprint string `gorm:"primaryKey"`
	UploadID    string `gorm:"index"`
	IssuerDN    string `gorm:"index"`
	Country     string `gorm:"index"`
	ThisUpdate  time.Time
	NextUpdate  time.Time
	Number      string
	Der         []byte
	Replicated  bool
	CachedAt    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (CrlRow) TableName() string { return "crls" }

// MasterListRow persists a verified Master List envelope.
type MasterListRow struct {
	UploadID           string `gorm:"primaryKey"`
	Country            string `gorm:"index"`
	Version            int
	SignerSubject      string
	SignatureAlgorithm string
	Raw                []byte
	CscaCount          int
	CreatedAt          time.Time
}

func (MasterListRow) TableName() string { return "master_lists" }

// PARow is the append-only record of one PA verification.
type PARow struct {
	ID             string `gorm:"primaryKey"`
	IssuingCountry string `gorm:"index"`
	DocumentNumber string
	DscSubject     string
	DscSerialHex   string
	CscaSubject    string
	Status         string `gorm:"index"`
	ChainValid     bool
	SodValid       bool
	CrlStatus      string
	Detail         string `gorm:"type:text"` // JSON: DG results + errors
	RequestedBy    string
	CallerIP       string
	UserAgent      string
	StartedAt      time.Time `gorm:"index"`
	DurationMs     int64
}

func (PARow) TableName() string { return "pa_verifications" }
