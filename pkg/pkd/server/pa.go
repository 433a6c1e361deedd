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
	"encoding/base64"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	pkderrors "github.com/iland112/local-pkd-sub009/pkg/pkd/errors"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/pa"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
)

type verifyRequest struct {
	IssuingCountry string            `json:"issuingCountry"`
	DocumentNumber string            `json:"documentNumber"`
	Sod            string            `json:"sod"`
	DataGroups     map[string]string `json:"dataGroups"`
	RequestedBy    string            `json:"requestedBy"`
}

// paResponse is the PassiveAuthenticationResponse body. Returned for every
// verify call, ERROR outcomes included; clients render partial results.
type paResponse struct {
	VerificationID string               `json:"verificationId"`
	Status         string               `json:"status"`
	IssuingCountry string               `json:"issuingCountry,omitempty"`
	DocumentNumber string               `json:"documentNumber,omitempty"`
	Chain          chainDTO             `json:"chain"`
	Sod            sodResultDTO         `json:"sod"`
	Crl            types.CrlCheckResult `json:"crl"`
	DataGroups     []types.DGResult     `json:"dataGroups"`
	Errors         []types.PAStepError  `json:"errors,omitempty"`
	DurationMs     int64                `json:"durationMs"`
}

type chainDTO struct {
	Valid       bool   `json:"valid"`
	DscSubject  string `json:"dscSubject,omitempty"`
	DscSerial   string `json:"dscSerial,omitempty"`
	CscaSubject string `json:"cscaSubject,omitempty"`
}

type sodResultDTO struct {
	SignatureValid bool `json:"signatureValid"`
}

func toPAResponse(rec *types.PassportDataRecord) paResponse {
	return paResponse{
		VerificationID: rec.ID.String(),
		Status:         string(rec.Status),
		IssuingCountry: rec.IssuingCountry.String(),
		DocumentNumber: rec.DocumentNumber,
		Chain: chainDTO{
			Valid:       rec.ChainValid,
			DscSubject:  rec.DscSubject.String(),
			DscSerial:   rec.DscSerialHex,
			CscaSubject: rec.CscaSubject.String(),
		},
		Sod:        sodResultDTO{SignatureValid: rec.SodValid},
		Crl:        rec.CrlResult,
		DataGroups: rec.DGResults,
		Errors:     rec.Errors,
		DurationMs: rec.Duration.Milliseconds(),
	}
}

// handleVerify runs Passive Authentication. Always answers with a
// PassiveAuthenticationResponse, never a bare 5xx; only an undecodable
// request body is rejected outright.
func (s *Server) handleVerify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, pkderrors.Wrap(err, pkderrors.UnknownFormat, "decoding verify body"))
		return
	}

	sodBytes, err := base64.StdEncoding.DecodeString(req.Sod)
	if err != nil {
		writeError(c, pkderrors.Wrap(err, pkderrors.UnknownFormat, "sod is not valid base64"))
		return
	}
	groups := map[string][]byte{}
	for name, b64 := range req.DataGroups {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			writeError(c, pkderrors.Wrap(err, pkderrors.UnknownFormat, "%s is not valid base64", name))
			return
		}
		groups[name] = data
	}

	rec := s.verifier.Verify(c.Request.Context(), pa.Request{
		IssuingCountry: req.IssuingCountry,
		DocumentNumber: req.DocumentNumber,
		SodBytes:       sodBytes,
		DataGroups:     groups,
		RequestedBy:    req.RequestedBy,
		CallerIP:       c.ClientIP(),
		UserAgent:      c.Request.UserAgent(),
	})
	c.JSON(http.StatusOK, toPAResponse(rec))
}

func (s *Server) handlePAHistory(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "0"))
	size, _ := strconv.Atoi(c.DefaultQuery("size", "20"))

	records, total, err := s.store.ListPA(page, size)
	if err != nil {
		writeError(c, err)
		return
	}
	items := make([]paResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toPAResponse(rec))
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "page": page, "size": size, "total": total})
}

func (s *Server) handlePAByID(c *gin.Context) {
	id, err := types.ParseVerificationID(c.Param("uuid"))
	if err != nil {
		writeError(c, pkderrors.Wrap(err, pkderrors.MalformedName, "verification id"))
		return
	}
	rec, err := s.store.FindPA(id)
	if err != nil {
		writeError(c, err)
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "unknown verification " + id.String()})
		return
	}
	c.JSON(http.StatusOK, toPAResponse(rec))
}

func (s *Server) handlePAStatistics(c *gin.Context) {
	stats, err := s.store.PAStatistics()
	if err != nil {
		writeError(c, err)
		return
	}
	var total int64
	for _, n := range stats {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "byStatus": stats})
}

type parseDGRequest struct {
	Data string `json:"data"` // base64
}

func (s *Server) handleParseDG1(c *gin.Context) {
	data, ok := decodeDGBody(c)
	if !ok {
		return
	}
	mrz, err := pa.ParseDG1(data)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, mrz)
}

func (s *Server) handleParseDG2(c *gin.Context) {
	data, ok := decodeDGBody(c)
	if !ok {
		return
	}
	face, err := pa.ParseDG2(data)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"format": face.Format,
		"size":   len(face.Data),
		"image":  base64.StdEncoding.EncodeToString(face.Data),
	})
}

// handleParseSOD reports SOD metadata without touching LDAP: algorithms, DSC
// identity and validity, and which data groups the security object covers.
func (s *Server) handleParseSOD(c *gin.Context) {
	data, ok := decodeDGBody(c)
	if !ok {
		return
	}
	sod, err := pa.ParseSOD(data)
	if err != nil {
		writeError(c, err)
		return
	}

	covered := make([]int, 0, len(sod.DGHashes))
	for n := range sod.DGHashes {
		covered = append(covered, n)
	}
	sort.Ints(covered)

	c.JSON(http.StatusOK, gin.H{
		"ldsVersion":         sod.LDSVersion,
		"digestAlgorithm":    sod.DigestAlgName,
		"signatureAlgorithm": sod.SigAlgName,
		"dscSubject":         sod.DscSubject.String(),
		"dscIssuer":          sod.DscIssuer.String(),
		"dscSerial":          sod.DscSerialHex,
		"dscNotBefore":       sod.DSC.NotBefore,
		"dscNotAfter":        sod.DSC.NotAfter,
		"dataGroups":         covered,
	})
}

func decodeDGBody(c *gin.Context) ([]byte, bool) {
	var req parseDGRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, pkderrors.Wrap(err, pkderrors.UnknownFormat, "decoding request body"))
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeError(c, pkderrors.Wrap(err, pkderrors.UnknownFormat, "data is not valid base64"))
		return nil, false
	}
	return data, true
}
