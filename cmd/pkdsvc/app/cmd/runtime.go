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
	"crypto/x509"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/iland112/local-pkd-sub009/pkg/pkd/blob"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/config"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/constants"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/event"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/history"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/ldap"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/pa"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/parser"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/parser/ldif"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/parser/masterlist"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/pipeline"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/server"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/validate"
)

// runtime holds every wired component of the service. Built once per
// command, torn down in reverse order on Close.
type runtime struct {
	cfg          *config.Config
	store        *history.Store
	bus          *event.Bus
	blobs        *blob.Store
	uploads      *blob.Service
	writePool    *ldap.Pool
	readPool     *ldap.Pool
	orchestrator *pipeline.Orchestrator
	crlCache     *pa.CrlCache
	server       *server.Server
}

func newRuntime() (*runtime, error) {
	// .env is optional; real environments configure the process directly
	_ = godotenv.Load()

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	store, err := history.Open(cfg.History.Path)
	if err != nil {
		return nil, err
	}

	bus := event.NewBus()
	blobs := blob.NewStore(afero.NewOsFs(), cfg.Upload.Root)
	uploads := blob.NewService(blobs, store, bus)

	writePool, err := ldap.NewPool(ldap.PoolConfig{
		URL:            cfg.Ldap.WriteURL,
		BindDN:         cfg.Ldap.BindDN,
		Password:       cfg.Ldap.Password,
		Initial:        cfg.Ldap.Pool.Initial,
		Max:            cfg.Ldap.Pool.Max,
		CheckoutWait:   cfg.LdapPoolWait(),
		ConnectTimeout: cfg.LdapConnectTimeout(),
		ReadTimeout:    cfg.LdapReadTimeout(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "connecting to the LDAP write endpoint")
	}

	readPool := writePool
	if cfg.Ldap.ReadURL != cfg.Ldap.WriteURL {
		readPool, err = ldap.NewPool(ldap.PoolConfig{
			URL:            cfg.Ldap.ReadURL,
			BindDN:         cfg.Ldap.BindDN,
			Password:       cfg.Ldap.Password,
			Initial:        cfg.Ldap.Pool.Initial,
			Max:            cfg.Ldap.Pool.Max,
			CheckoutWait:   cfg.LdapPoolWait(),
			ConnectTimeout: cfg.LdapConnectTimeout(),
			ReadTimeout:    cfg.LdapReadTimeout(),
		})
		if err != nil {
			writePool.Close()
			return nil, errors.Wrap(err, "connecting to the LDAP read endpoint")
		}
	}

	writer := ldap.NewWriter(writePool, bus, store, ldap.WriterConfig{
		Base:         cfg.Ldap.Base,
		Workers:      constants.DefaultBatchWorkers,
		MaxRetries:   cfg.Sync.MaxRetries,
		InitialDelay: cfg.SyncInitialDelay(),
	})
	reader := ldap.NewReader(readPool, cfg.Ldap.Base)

	var anchor *x509.Certificate
	if cfg.MasterList.TrustAnchor != "" {
		anchor, err = masterlist.LoadTrustAnchor(cfg.MasterList.TrustAnchor)
		if err != nil {
			return nil, err
		}
	}
	parsers := parser.NewRegistry(ldif.New(bus), masterlist.New(bus, store, anchor))

	validator := validate.New(bus, reader)
	orchestrator := pipeline.New(store, blobs, parsers, validator, writer, bus, pipeline.Config{
		Concurrency:      cfg.Processing.Concurrency,
		ReplicateTimeout: cfg.Processing.ReplicateTimeout,
	})

	crlCache := pa.NewCrlCache(store, reader, cfg.PA.CrlCache.MemTTL, cfg.PA.CrlCache.DiskTTL)
	verifier := pa.NewVerifier(reader, crlCache, store)

	srv := server.New(uploads, orchestrator, store, verifier, bus, cfg.DefaultMode())

	return &runtime{
		cfg:          cfg,
		store:        store,
		bus:          bus,
		blobs:        blobs,
		uploads:      uploads,
		writePool:    writePool,
		readPool:     readPool,
		orchestrator: orchestrator,
		crlCache:     crlCache,
		server:       srv,
	}, nil
}

func (r *runtime) Close() {
	r.orchestrator.Wait()
	r.crlCache.Stop()
	r.bus.Stop()
	if r.readPool != r.writePool {
		r.readPool.Close()
	}
	r.writePool.Close()
}
