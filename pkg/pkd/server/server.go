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

// Package server exposes the ingest and Passive Authentication surfaces over
// HTTP, plus per-upload progress streams over SSE.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/iland112/local-pkd-sub009/pkg/pkd/blob"
	pkderrors "github.com/iland112/local-pkd-sub009/pkg/pkd/errors"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/event"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/history"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/output/log"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/pa"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/pipeline"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/version"
)

// Server wires the HTTP surface to the ingest pipeline and the PA engine.
type Server struct {
	uploads      *blob.Service
	orchestrator *pipeline.Orchestrator
	store        *history.Store
	verifier     *pa.Verifier
	bus          *event.Bus
	defaultMode  types.ProcessingMode

	http *http.Server
}

func New(uploads *blob.Service, orchestrator *pipeline.Orchestrator, store *history.Store,
	verifier *pa.Verifier, bus *event.Bus, defaultMode types.ProcessingMode) *Server {
	return &Server{
		uploads:      uploads,
		orchestrator: orchestrator,
		store:        store,
		verifier:     verifier,
		bus:          bus,
		defaultMode:  defaultMode,
	}
}

// Router builds the gin engine with every route attached.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Get()})
	})

	r.POST("/ldif/upload", s.handleUpload(ldifFormats))
	r.POST("/masterlist/upload", s.handleUpload(masterListFormats))
	r.POST("/ldif/api/check-duplicate", s.handleCheckDuplicate)
	r.POST("/masterlist/api/check-duplicate", s.handleCheckDuplicate)

	r.GET("/upload-history", s.handleUploadHistory)
	r.GET("/api/uploads/:id", s.handleUploadByID)
	r.GET("/api/progress/:id", s.handleProgress)

	r.POST("/api/processing/parse/:id", s.handleStage(pipeline.StageParse))
	r.POST("/api/processing/validate/:id", s.handleStage(pipeline.StageValidate))
	r.POST("/api/processing/upload-to-ldap/:id", s.handleStage(pipeline.StageReplicate))
	r.POST("/api/processing/cancel/:id", s.handleCancel)

	r.POST("/api/pa/verify", s.handleVerify)
	r.GET("/api/pa/history", s.handlePAHistory)
	r.GET("/api/pa/statistics", s.handlePAStatistics)
	r.GET("/api/pa/:uuid", s.handlePAByID)
	r.POST("/api/pa/parse-dg1", s.handleParseDG1)
	r.POST("/api/pa/parse-dg2", s.handleParseDG2)
	r.POST("/pa/api/parse-sod", s.handleParseSOD)

	return r
}

// Serve blocks until the listener fails or Shutdown is called.
func (s *Server) Serve(ctx context.Context, addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.Router()}
	log.Entry(ctx).Infof("listening on %s", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// httpStatus maps a typed error code to its response status.
func httpStatus(err error) int {
	var e *pkderrors.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case pkderrors.DuplicateUpload:
		return http.StatusConflict
	case pkderrors.CscaNotFound, pkderrors.CrlUnavailable:
		return http.StatusNotFound
	case pkderrors.PoolExhausted, pkderrors.LdapUnreachable:
		return http.StatusServiceUnavailable
	case pkderrors.StageTimeout, pkderrors.LdapTimeout:
		return http.StatusGatewayTimeout
	}
	switch e.Class() {
	case pkderrors.Input, pkderrors.Format, pkderrors.Policy:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError emits the {code, message} body of the ingest surface.
func writeError(c *gin.Context, err error) {
	var e *pkderrors.Error
	if !errors.As(err, &e) {
		e = pkderrors.New(pkderrors.Internal, "%s", err.Error())
	}
	c.JSON(httpStatus(err), gin.H{"code": e.Code, "message": e.Message})
}
