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
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iland112/local-pkd-sub009/pkg/pkd/output/log"
)

func NewCmdServe(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the PKD service: ingest, replication, and Passive Authentication over HTTP.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	errc := make(chan error, 1)
	go func() {
		errc <- rt.server.Serve(ctx, rt.cfg.Server.Address)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		log.Entry(ctx).Info("shutting down")
		if err := rt.server.Shutdown(context.Background()); err != nil {
			log.Entry(ctx).Warnf("shutdown: %v", err)
		}
		return <-errc
	}
}
