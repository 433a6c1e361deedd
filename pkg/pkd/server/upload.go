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

package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/iland112/local-pkd-sub009/pkg/pkd/blob"
	pkderrors "github.com/iland112/local-pkd-sub009/pkg/pkd/errors"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/output/log"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
)

var (
	ldifFormats = map[types.FileFormat]bool{
		types.CscaCompleteLdif:  true,
		types.CscaDeltaLdif:     true,
		types.EmrtdCompleteLdif: true,
		types.EmrtdDeltaLdif:    true,
	}
	masterListFormats = map[types.FileFormat]bool{
		types.MasterListCms: true,
	}
)

// handleUpload accepts a multipart ingest request on the LDIF or Master List
// surface. 200 with {uploadId, status} on acceptance, 409 when the digest is
// already in the ledger and force was not set, 400 on digest mismatch or a
// format the surface does not accept.
func (s *Server) handleUpload(accepted map[types.FileFormat]bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		file, err := c.FormFile("file")
		if err != nil {
			writeError(c, pkderrors.New(pkderrors.UnknownFormat, "missing multipart file field"))
			return
		}
		f, err := file.Open()
		if err != nil {
			writeError(c, pkderrors.Wrap(err, pkderrors.FileIO, "opening multipart file"))
			return
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			writeError(c, pkderrors.Wrap(err, pkderrors.FileIO, "reading multipart file"))
			return
		}

		force := c.PostForm("forceUpload") == "true"
		mode := s.defaultMode
		if m := c.PostForm("processingMode"); m != "" {
			parsed, err := types.ParseProcessingMode(m)
			if err != nil {
				writeError(c, pkderrors.Wrap(err, pkderrors.WrongProcessingMode, "processingMode"))
				return
			}
			mode = parsed
		}

		u, err := s.uploads.Submit(c.Request.Context(), blob.SubmitRequest{
			FileName:         file.Filename,
			Data:             data,
			DeclaredHash:     c.PostForm("fileHash"),
			ExpectedChecksum: c.PostForm("expectedChecksum"),
			Force:            force,
			Mode:             mode,
			Accept:           accepted,
		})
		if err != nil {
			writeError(c, err)
			return
		}

		if u.Status == types.StatusDuplicate {
			c.JSON(http.StatusConflict, gin.H{
				"uploadId":    u.ID,
				"status":      u.Status,
				"duplicateOf": u.DuplicateOf,
			})
			return
		}

		s.orchestrator.Admit(c.Request.Context(), u)
		c.JSON(http.StatusOK, gin.H{"uploadId": u.ID, "status": u.Status})
	}
}

type checkDuplicateRequest struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	FileHash string `json:"fileHash"`
}

type checkDuplicateResponse struct {
	IsDuplicate        bool   `json:"isDuplicate"`
	WarningType        string `json:"warningType"`
	ExistingFileID     string `json:"existingFileId,omitempty"`
	ExistingUploadDate string `json:"existingUploadDate,omitempty"`
	CanForceUpload     bool   `json:"canForceUpload"`
}

// handleCheckDuplicate is the pre-upload advisory check. EXACT_DUPLICATE when
// the digest is already recorded, NEWER_VERSION when a later release of the
// same collection exists, CHECKSUM_MISMATCH when a recorded expected checksum
// differs from the offered digest.
func (s *Server) handleCheckDuplicate(c *gin.Context) {
	var req checkDuplicateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, pkderrors.Wrap(err, pkderrors.UnknownFormat, "decoding check-duplicate body"))
		return
	}

	resp := checkDuplicateResponse{WarningType: "NONE", CanForceUpload: true}

	if req.FileHash != "" {
		hash, err := types.NewFileHash(req.FileHash)
		if err != nil {
			writeError(c, pkderrors.Wrap(err, pkderrors.BadDigest, "fileHash"))
			return
		}
		existing, err := s.store.FindUploadByHash(hash)
		if err != nil {
			writeError(c, err)
			return
		}
		if existing != nil {
			resp.IsDuplicate = true
			resp.WarningType = "EXACT_DUPLICATE"
			resp.ExistingFileID = existing.ID.String()
			resp.ExistingUploadDate = existing.CreatedAt.Format("2006-01-02T15:04:05Z07:00")
			if existing.ExpectedChecksum != "" && existing.ExpectedChecksum != req.FileHash {
				resp.WarningType = "CHECKSUM_MISMATCH"
			}
			c.JSON(http.StatusOK, resp)
			return
		}
	}

	info := types.ParseICAOName(req.FileName)
	if info.Collection != "" {
		latest, err := s.store.FindLatestByCollection(info.Collection)
		if err != nil {
			writeError(c, err)
			return
		}
		if latest != nil && latest.Version > info.Version {
			resp.WarningType = "NEWER_VERSION"
			resp.ExistingFileID = latest.ID.String()
			resp.ExistingUploadDate = latest.CreatedAt.Format("2006-01-02T15:04:05Z07:00")
		}
	}
	c.JSON(http.StatusOK, resp)
}

type uploadDTO struct {
	UploadID    string `json:"uploadId"`
	FileName    string `json:"fileName"`
	Size        int64  `json:"size"`
	Hash        string `json:"hash"`
	Format      string `json:"format"`
	Collection  string `json:"collection,omitempty"`
	Version     string `json:"version,omitempty"`
	Mode        string `json:"mode"`
	Status      string `json:"status"`
	DuplicateOf string `json:"duplicateOf,omitempty"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

func toUploadDTO(u *types.UploadedFile) uploadDTO {
	return uploadDTO{
		UploadID:    u.ID.String(),
		FileName:    u.FileName,
		Size:        u.Size,
		Hash:        u.Hash.String(),
		Format:      string(u.Format),
		Collection:  u.Collection,
		Version:     u.Version,
		Mode:        string(u.Mode),
		Status:      string(u.Status),
		DuplicateOf: u.DuplicateOf.String(),
		CreatedAt:   u.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:   u.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (s *Server) handleUploadHistory(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))

	uploads, total, err := s.store.ListUploads(historyQuery(c, page, size))
	if err != nil {
		writeError(c, err)
		return
	}

	items := make([]uploadDTO, 0, len(uploads))
	for _, u := range uploads {
		items = append(items, toUploadDTO(u))
	}
	c.JSON(http.StatusOK, gin.H{
		"items": items,
		"page":  page,
		"size":  size,
		"total": total,
	})
}

func (s *Server) handleUploadByID(c *gin.Context) {
	id, err := types.ParseUploadID(c.Param("id"))
	if err != nil {
		writeError(c, pkderrors.Wrap(err, pkderrors.MalformedName, "upload id"))
		return
	}
	u, err := s.store.FindUpload(id)
	if err != nil {
		writeError(c, err)
		return
	}
	if u == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "unknown upload " + id.String()})
		return
	}
	c.JSON(http.StatusOK, toUploadDTO(u))
}

func (s *Server) handleCancel(c *gin.Context) {
	id, err := types.ParseUploadID(c.Param("id"))
	if err != nil {
		writeError(c, pkderrors.Wrap(err, pkderrors.MalformedName, "upload id"))
		return
	}
	s.orchestrator.Cancel(id)
	log.Entry(c.Request.Context()).Infof("cancel requested for %s", id)
	c.JSON(http.StatusAccepted, gin.H{"uploadId": id, "status": "CANCELLING"})
}
