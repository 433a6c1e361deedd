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

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/iland112/local-pkd-sub009/pkg/pkd/blob"
	pkderrors "github.com/iland112/local-pkd-sub009/pkg/pkd/errors"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
)

// NewCmdIngest runs upload + parse + validate + replicate for one local file
// and blocks until the pipeline finishes. For operators without the HTTP
// surface.
func NewCmdIngest(out io.Writer) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Upload a local LDIF or Master List file and run the full pipeline.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ingest(cmd.Context(), out, args[0], force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Ingest even when the digest is already recorded")
	return cmd
}

func ingest(ctx context.Context, out io.Writer, path string, force bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return pkderrors.Wrap(err, pkderrors.FileIO, "reading %s", path)
	}

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	u, err := rt.uploads.Submit(ctx, blob.SubmitRequest{
		FileName: filepath.Base(path),
		Data:     data,
		Force:    force,
		Mode:     types.ModeAuto,
	})
	if err != nil {
		return err
	}
	if u.Status == types.StatusDuplicate {
		return pkderrors.New(pkderrors.DuplicateUpload,
			"%s was already ingested as %s", filepath.Base(path), u.DuplicateOf)
	}

	rt.orchestrator.Admit(ctx, u)
	rt.orchestrator.Wait()

	final, err := rt.store.FindUpload(u.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %s\n", u.ID, final.Status)
	if final.Status != types.StatusReplicated {
		return pkderrors.New(pkderrors.Internal, "pipeline ended in %s", final.Status)
	}
	return nil
}
