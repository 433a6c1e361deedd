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

// Package history is the append-only ledger of uploads, parsed artifacts,
// replications, and PA verifications. Writes are transactional at the
// single-record boundary and idempotent by primary key.
package history

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
)

type Store struct {
	db *gorm.DB
}

// Open opens (creating when absent) the history database and migrates the
// schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening history store %s", path)
	}
	if err := db.AutoMigrate(&UploadRow{}, &CertificateRow{}, &CrlRow{}, &MasterListRow{}, &PARow{}); err != nil {
		return nil, errors.Wrap(err, "migrating history schema")
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing gorm handle. Used by tests with an in-memory
// database.
func NewWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&UploadRow{}, &CertificateRow{}, &CrlRow{}, &MasterListRow{}, &PARow{}); err != nil {
		return nil, errors.Wrap(err, "migrating history schema")
	}
	return &Store{db: db}, nil
}

// SaveUpload upserts by upload id.
func (s *Store) SaveUpload(u *types.UploadedFile) error {
	row := rowFromUpload(u)
	err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
	return errors.Wrapf(err, "saving upload %s", u.ID)
}

// FindUploadByHash returns the most recent non-duplicate upload with the
// digest, or nil.
func (s *Store) FindUploadByHash(hash types.FileHash) (*types.UploadedFile, error) {
	var row UploadRow
	err := s.db.Where("hash = ? AND status <> ?", hash.String(), string(types.StatusDuplicate)).
		Order("created_at DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "querying upload by hash %s", hash)
	}
	return row.toUpload(), nil
}

// FindUpload returns the upload with the id, or nil.
func (s *Store) FindUpload(id types.UploadID) (*types.UploadedFile, error) {
	var row UploadRow
	err := s.db.Where("id = ?", id.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "querying upload %s", id)
	}
	return row.toUpload(), nil
}

// FindLatestByCollection returns the newest upload of a collection, used for
// the NEWER_VERSION duplicate pre-check.
func (s *Store) FindLatestByCollection(collection string) (*types.UploadedFile, error) {
	if collection == "" {
		return nil, nil
	}
	var row UploadRow
	err := s.db.Where("collection = ? AND status <> ?", collection, string(types.StatusDuplicate)).
		Order("version DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "querying collection %s", collection)
	}
	return row.toUpload(), nil
}

// UploadQuery filters and paginates the upload history listing.
type UploadQuery struct {
	Page   int
	Size   int
	Search string
	Status string
	Format string
	ID     string
}

// ListUploads returns one page plus the unpaginated total.
func (s *Store) ListUploads(q UploadQuery) ([]*types.UploadedFile, int64, error) {
	if q.Size <= 0 {
		q.Size = 20
	}
	if q.Page < 0 {
		q.Page = 0
	}

	tx := s.db.Model(&UploadRow{})
	if q.ID != "" {
		tx = tx.Where("id = ?", q.ID)
	}
	if q.Status != "" {
		tx = tx.Where("status = ?", q.Status)
	}
	if q.Format != "" {
		tx = tx.Where("format = ?", q.Format)
	}
	if q.Search != "" {
		tx = tx.Where(`file_name LIKE ? ESCAPE '\'`, "%"+escapeLike(q.Search)+"%")
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "counting uploads")
	}

	var rows []UploadRow
	err := tx.Order("created_at DESC").Offset(q.Page * q.Size).Limit(q.Size).Find(&rows).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "listing uploads")
	}

	out := make([]*types.UploadedFile, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toUpload())
	}
	return out, total, nil
}

// SaveCertificates upserts the parsed certificate rows of one upload.
func (s *Store) SaveCertificates(id types.UploadID, certs []types.CertificateRecord) error {
	now := time.Now().UTC()
	return s.db.Transaction(func(tx *gorm.DB) error {
		for i := range certs {
			c := &certs[i]
			row := &CertificateRow{
				Fingerprint: c.Fingerprint.String(),
				UploadID:    id.String(),
				Type:        string(c.Type),
				Country:     c.Country.String(),
				SubjectDN:   c.Subject.String(),
				IssuerDN:    c.Issuer.String(),
				SerialHex:   c.SerialHex,
				NotBefore:   c.NotBefore,
				NotAfter:    c.NotAfter,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "fingerprint"}},
				DoUpdates: clause.AssignmentColumns([]string{"upload_id", "updated_at"}),
			}).Create(row).Error; err != nil {
				return errors.Wrapf(err, "saving certificate %s", c.Fingerprint)
			}
		}
		return nil
	})
}

// SaveCrls upserts the parsed CRL rows of one upload, DER included for the
// durable cache tier.
func (s *Store) SaveCrls(id types.UploadID, crls []types.CRLRecord) error {
	now := time.Now().UTC()
	return s.db.Transaction(func(tx *gorm.DB) error {
		for i := range crls {
			c := &crls[i]
			row := &CrlRow{
				Fingerprint: c.Fingerprint.String(),
				UploadID:    id.String(),
				IssuerDN:    c.Issuer.String(),
				Country:     c.Country.String(),
				ThisUpdate:  c.ThisUpdate,
				NextUpdate:  c.NextUpdate,
				Number:      c.Number,
				Der:         c.Der,
				CachedAt:    now,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error; err != nil {
				return errors.Wrapf(err, "saving CRL %s", c.Fingerprint)
			}
		}
		return nil
	})
}

// MarkReplicated flips the uploaded flag after LDAP acknowledges a batch.
func (s *Store) MarkReplicated(fingerprints []string) error {
	if len(fingerprints) == 0 {
		return nil
	}
	now := time.Now().UTC()
	if err := s.db.Model(&CertificateRow{}).Where("fingerprint IN ?", fingerprints).
		Updates(map[string]interface{}{"replicated": true, "updated_at": now}).Error; err != nil {
		return errors.Wrap(err, "marking certificates replicated")
	}
	if err := s.db.Model(&CrlRow{}).Where("fingerprint IN ?", fingerprints).
		Updates(map[string]interface{}{"replicated": true, "updated_at": now}).Error; err != nil {
		return errors.Wrap(err, "marking CRLs replicated")
	}
	return nil
}

// SaveMasterList persists the envelope once per upload.
func (s *Store) SaveMasterList(ml *types.MasterList) error {
	row := &MasterListRow{
		UploadID:           ml.UploadID.String(),
		Country:            ml.Country.String(),
		Version:            ml.Version,
		SignerSubject:      ml.SignerSubject.String(),
		SignatureAlgorithm: ml.SignatureAlgorithm,
		Raw:                ml.Raw,
		CscaCount:          ml.CscaCount,
		CreatedAt:          time.Now().UTC(),
	}
	err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
	return errors.Wrapf(err, "saving master list for upload %s", ml.UploadID)
}

// CachedCrl returns the durable-tier CRL for an issuer, honoring the TTL
// measured from CachedAt. A stale row is reported as a miss.
func (s *Store) CachedCrl(issuer types.DistinguishedName, country types.CountryCode, ttl time.Duration) (*types.CRLRecord, error) {
	variants := issuer.Variants()
	var row CrlRow
	err := s.db.Where("issuer_dn IN ? AND country = ?", variants, country.String()).
		Order("this_update DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying CRL cache")
	}
	if ttl > 0 && time.Since(row.CachedAt) > ttl {
		return nil, nil
	}
	rec, err := types.NewCRLRecord(row.Der)
	if err != nil {
		return nil, errors.Wrap(err, "decoding cached CRL")
	}
	return &rec, nil
}

// PutCachedCrl refreshes the durable tier with a CRL fetched from LDAP.
func (s *Store) PutCachedCrl(crl *types.CRLRecord) error {
	now := time.Now().UTC()
	row := &CrlRow{
		Fingerprint: crl.Fingerprint.String(),
		IssuerDN:    crl.Issuer.String(),
		Country:     crl.Country.String(),
		ThisUpdate:  crl.ThisUpdate,
		NextUpdate:  crl.NextUpdate,
		Number:      crl.Number,
		Der:         crl.Der,
		CachedAt:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
	return errors.Wrap(err, "caching CRL")
}

// paDetail is the JSON blob stored alongside a PA row.
type paDetail struct {
	DGResults []types.DGResult     `json:"dgResults"`
	Errors    []types.PAStepError  `json:"errors"`
	CrlResult types.CrlCheckResult `json:"crlResult"`
}

// SavePA appends one verification record.
func (s *Store) SavePA(rec *types.PassportDataRecord) error {
	detail, err := json.Marshal(paDetail{
		DGResults: rec.DGResults,
		Errors:    rec.Errors,
		CrlResult: rec.CrlResult,
	})
	if err != nil {
		return errors.Wrap(err, "encoding PA detail")
	}
	row := &PARow{
		ID:             rec.ID.String(),
		IssuingCountry: rec.IssuingCountry.String(),
		DocumentNumber: rec.DocumentNumber,
		DscSubject:     rec.DscSubject.String(),
		DscSerialHex:   rec.DscSerialHex,
		CscaSubject:    rec.CscaSubject.String(),
		Status:         string(rec.Status),
		ChainValid:     rec.ChainValid,
		SodValid:       rec.SodValid,
		CrlStatus:      string(rec.CrlResult.Status),
		Detail:         string(detail),
		RequestedBy:    rec.RequestedBy,
		CallerIP:       rec.CallerIP,
		UserAgent:      rec.UserAgent,
		StartedAt:      rec.StartedAt,
		DurationMs:     rec.Duration.Milliseconds(),
	}
	err = s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(row).Error
	return errors.Wrapf(err, "saving PA record %s", rec.ID)
}

// FindPA returns one verification record, or nil.
func (s *Store) FindPA(id types.VerificationID) (*types.PassportDataRecord, error) {
	var row PARow
	err := s.db.Where("id = ?", id.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "querying PA record %s", id)
	}
	return row.toRecord()
}

// ListPA returns a page of verification history, newest first.
func (s *Store) ListPA(page, size int) ([]*types.PassportDataRecord, int64, error) {
	if size <= 0 {
		size = 20
	}
	var total int64
	if err := s.db.Model(&PARow{}).Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "counting PA records")
	}
	var rows []PARow
	err := s.db.Order("started_at DESC").Offset(page * size).Limit(size).Find(&rows).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "listing PA records")
	}
	out := make([]*types.PassportDataRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, nil
}

// PAStatistics counts verifications by status.
func (s *Store) PAStatistics() (map[string]int64, error) {
	type bucket struct {
		Status string
		N      int64
	}
	var buckets []bucket
	err := s.db.Model(&PARow{}).Select("status, COUNT(*) as n").Group("status").Scan(&buckets).Error
	if err != nil {
		return nil, errors.Wrap(err, "computing PA statistics")
	}
	out := map[string]int64{}
	for _, b := range buckets {
		out[b.Status] = b.N
	}
	return out, nil
}

func (r *PARow) toRecord() (*types.PassportDataRecord, error) {
	var detail paDetail
	if r.Detail != "" {
		if err := json.Unmarshal([]byte(r.Detail), &detail); err != nil {
			return nil, errors.Wrapf(err, "decoding PA detail for %s", r.ID)
		}
	}
	return &types.PassportDataRecord{
		ID:             types.VerificationID(r.ID),
		IssuingCountry: types.CountryCode(r.IssuingCountry),
		DocumentNumber: r.DocumentNumber,
		DscSubject:     types.NewDN(r.DscSubject),
		DscSerialHex:   r.DscSerialHex,
		CscaSubject:    types.NewDN(r.CscaSubject),
		Status:         types.PAStatus(r.Status),
		ChainValid:     r.ChainValid,
		SodValid:       r.SodValid,
		CrlResult:      detail.CrlResult,
		DGResults:      detail.DGResults,
		Errors:         detail.Errors,
		RequestedBy:    r.RequestedBy,
		CallerIP:       r.CallerIP,
		UserAgent:      r.UserAgent,
		StartedAt:      r.StartedAt,
		Duration:       time.Duration(r.DurationMs) * time.Millisecond,
	}, nil
}

// Normalize strings used in LIKE ... ESCAPE '\' clauses; keeps %, _ and the
// escape character itself literal.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
