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

// Package parser selects the artifact parser for a detected file format.
package parser

import (
	"context"
	"io"

	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
)

// Parser turns an uploaded artifact into typed certificate and CRL records.
// Implementations stream where the format allows and publish progress for
// the PARSING band.
type Parser interface {
	// Parse consumes the artifact bytes. size is the total byte length,
	// used as the progress denominator. Per-entry problems are collected
	// into the ParsedFile; only structural errors fail the call.
	Parse(ctx context.Context, upload *types.UploadedFile, r io.Reader, size int64) (*types.ParsedFile, error)
}

// Registry hands out parsers per format tag.
type Registry struct {
	ldif       Parser
	masterList Parser
}

func NewRegistry(ldif, masterList Parser) *Registry {
	return &Registry{ldif: ldif, masterList: masterList}
}

// ForFormat returns the parser for a format tag, or nil for an unknown tag.
func (r *Registry) ForFormat(format types.FileFormat) Parser {
	if format == types.MasterListCms {
		return r.masterList
	}
	if format.IsLdif() {
		return r.ldif
	}
	return nil
}
