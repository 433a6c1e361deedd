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

// Package blob persists uploaded artifacts on disk under a format-routed
// layout and keeps the upload ledger consistent with what is on disk.
package blob

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/iland112/local-pkd-sub009/pkg/pkd/event"
	pkderrors "github.com/iland112/local-pkd-sub009/pkg/pkd/errors"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/output/log"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
)

// Ledger is the persistence seam for upload records. Implemented by the
// history store.
type Ledger interface {
	FindUploadByHash(hash types.FileHash) (*types.UploadedFile, error)
	SaveUpload(u *types.UploadedFile) error
}

// Store writes blobs under root with a timestamped, collision-free name.
type Store struct {
	fs   afero.Fs
	root string

	mu      sync.Mutex
	lastTS  string
	counter int
}

func NewStore(fs afero.Fs, root string) *Store {
	return &Store{fs: fs, root: root}
}

// Write persists bytes under <root>/<format-dir>/<name>_<yyyyMMdd_HHmmss><ext>.
// A second write within the same second gets a deterministic counter suffix
// before the extension.
func (s *Store) Write(name string, format types.FileFormat, data []byte) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(filepath.Base(name), ext)
	ts := time.Now().Format("20060102_150405")

	s.mu.Lock()
	if ts == s.lastTS {
		s.counter++
	} else {
		s.lastTS = ts
		s.counter = 0
	}
	suffix := ts
	if s.counter > 0 {
		suffix = fmt.Sprintf("%s_%d", ts, s.counter)
	}
	s.mu.Unlock()

	dir := filepath.Join(s.root, format.Dir())
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return "", pkderrors.Wrap(err, pkderrors.FileIO, "creating %s", dir)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s%s", base, suffix, ext))
	if err := afero.WriteFile(s.fs, path, data, 0o644); err != nil {
		return "", pkderrors.Wrap(err, pkderrors.FileIO, "writing blob %s", path)
	}
	return path, nil
}

// Read returns the raw bytes of a stored blob.
func (s *Store) Read(path string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, pkderrors.Wrap(err, pkderrors.FileIO, "reading blob %s", path)
	}
	return data, nil
}

// SubmitRequest is one upload attempt. Accept, when non-nil, restricts the
// formats the submitting surface takes; a detected format outside it is
// rejected before any blob or ledger write.
type SubmitRequest struct {
	FileName         string
	Data             []byte
	DeclaredHash     string
	ExpectedChecksum string
	Force            bool
	Mode             types.ProcessingMode
	Accept           map[types.FileFormat]bool
}

// Service accepts uploads: digest verification, duplicate detection against
// the ledger, blob write, ledger record, and the UPLOAD_COMPLETED frame.
type Service struct {
	store  *Store
	ledger Ledger
	bus    *event.Bus
}

func NewService(store *Store, ledger Ledger, bus *event.Bus) *Service {
	return &Service{store: store, ledger: ledger, bus: bus}
}

// Submit runs the upload stage. The returned UploadedFile has status
// UPLOADED, or DUPLICATE when the digest is already in the ledger and force
// was not set; a DUPLICATE admits no further stage.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*types.UploadedFile, error) {
	computed := types.HashBytes(req.Data)
	if req.DeclaredHash != "" {
		declared, err := types.NewFileHash(req.DeclaredHash)
		if err != nil {
			return nil, pkderrors.Wrap(err, pkderrors.BadDigest, "declared digest for %s", req.FileName)
		}
		if declared != computed {
			return nil, pkderrors.New(pkderrors.BadDigest,
				"declared digest %s does not match computed %s", declared, computed)
		}
	}

	head := req.Data
	if len(head) > 4096 {
		head = head[:4096]
	}
	format, err := DetectFormat(req.FileName, head)
	if err != nil {
		return nil, err
	}
	if req.Accept != nil && !req.Accept[format] {
		return nil, pkderrors.New(pkderrors.UnknownFormat,
			"format %s is not accepted on this endpoint", format)
	}

	nameInfo := types.ParseICAOName(req.FileName)
	now := time.Now().UTC()

	existing, err := s.ledger.FindUploadByHash(computed)
	if err != nil {
		return nil, errors.Wrap(err, "querying upload ledger")
	}
	if existing != nil && !req.Force {
		dup := &types.UploadedFile{
			ID:          types.NewUploadID(),
			FileName:    req.FileName,
			Size:        int64(len(req.Data)),
			Hash:        computed,
			Format:      format,
			Collection:  nameInfo.Collection,
			Version:     nameInfo.Version,
			Mode:        req.Mode,
			Status:      types.StatusDuplicate,
			DuplicateOf: existing.ID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.ledger.SaveUpload(dup); err != nil {
			return nil, errors.Wrap(err, "recording duplicate upload")
		}
		log.Entry(ctx).Infof("duplicate upload %s of %s", dup.ID, existing.ID)
		return dup, nil
	}

	path, err := s.store.Write(req.FileName, format, req.Data)
	if err != nil {
		return nil, err
	}

	u := &types.UploadedFile{
		ID:               types.NewUploadID(),
		FileName:         req.FileName,
		Size:             int64(len(req.Data)),
		Hash:             computed,
		Format:           format,
		Collection:       nameInfo.Collection,
		Version:          nameInfo.Version,
		Path:             path,
		ExpectedChecksum: req.ExpectedChecksum,
		Mode:             req.Mode,
		Status:           types.StatusUploaded,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.ledger.SaveUpload(u); err != nil {
		return nil, errors.Wrap(err, "recording upload")
	}

	s.bus.StageCompleted(u.ID, types.StageUpload, "upload completed", map[string]int{"bytes": len(req.Data)})
	log.Entry(ctx).Infof("stored %s as %s (%s, %d bytes)", req.FileName, u.ID, format, u.Size)
	return u, nil
}
