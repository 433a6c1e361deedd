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
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	pkderrors "github.com/iland112/local-pkd-sub009/pkg/pkd/errors"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/history"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/pipeline"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
)

func historyQuery(c *gin.Context, page, size int) history.UploadQuery {
	return history.UploadQuery{
		Page:   page,
		Size:   size,
		Search: c.Query("search"),
		Status: c.Query("status"),
		Format: c.Query("format"),
		ID:     c.Query("id"),
	}
}

// handleStage admits one MANUAL stage command: 202 on admission, 400 when the
// transition is illegal or the upload runs in AUTO mode.
func (s *Server) handleStage(stage pipeline.StageName) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := types.ParseUploadID(c.Param("id"))
		if err != nil {
			writeError(c, pkderrors.Wrap(err, pkderrors.MalformedName, "upload id"))
			return
		}
		if err := s.orchestrator.RunStage(c.Request.Context(), id, stage); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"uploadId": id, "stage": stage})
	}
}

// handleProgress streams the per-upload progress frames over SSE. Frames
// published before the subscription are replayed first; the stream closes
// after a terminal frame or when the client goes away.
func (s *Server) handleProgress(c *gin.Context) {
	id, err := types.ParseUploadID(c.Param("id"))
	if err != nil {
		writeError(c, pkderrors.Wrap(err, pkderrors.MalformedName, "upload id"))
		return
	}

	frames, cancel := s.bus.Subscribe(id)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case frame, ok := <-frames:
			if !ok {
				return false
			}
			payload, err := json.Marshal(frame)
			if err != nil {
				return false
			}
			c.SSEvent("progress", string(payload))
			return !frame.Terminal()
		}
	})
}
