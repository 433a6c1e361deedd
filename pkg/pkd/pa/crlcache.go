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

package pa

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/iland112/local-pkd-sub009/pkg/pkd/output/log"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
)

// CrlStore is the durable cache tier, backed by the history store.
type CrlStore interface {
	CachedCrl(issuer types.DistinguishedName, country types.CountryCode, ttl time.Duration) (*types.CRLRecord, error)
	PutCachedCrl(crl *types.CRLRecord) error
}

// CrlSource is the live LDAP tier.
type CrlSource interface {
	FindCrlByCsca(ctx context.Context, cscaSubject types.DistinguishedName, country types.CountryCode) (*types.CRLRecord, error)
}

// CrlCache resolves CRLs through three tiers: in-memory, durable, live
// LDAP. Fetched CRLs flow back into both caches with their nextUpdate as
// TTL. A per-key guard keeps concurrent PA runs from hammering LDAP for the
// same issuer.
type CrlCache struct {
	mem     *ttlcache.Cache[string, *types.CRLRecord]
	store   CrlStore
	source  CrlSource
	memTTL  time.Duration
	diskTTL time.Duration

	mu     sync.Mutex
	guards map[string]*sync.Mutex
}

func NewCrlCache(store CrlStore, source CrlSource, memTTL, diskTTL time.Duration) *CrlCache {
	c := &CrlCache{
		mem:     ttlcache.New[string, *types.CRLRecord](ttlcache.WithTTL[string, *types.CRLRecord](memTTL)),
		store:   store,
		source:  source,
		memTTL:  memTTL,
		diskTTL: diskTTL,
		guards:  map[string]*sync.Mutex{},
	}
	go c.mem.Start()
	return c
}

func (c *CrlCache) Stop() { c.mem.Stop() }

func cacheKey(csca types.DistinguishedName, country types.CountryCode) string {
	return csca.Normalized() + "|" + country.String()
}

func (c *CrlCache) guardFor(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.guards[key]
	if !ok {
		g = &sync.Mutex{}
		c.guards[key] = g
	}
	return g
}

// Get resolves the CRL for a CSCA. A nil record with nil error means no
// tier had one.
func (c *CrlCache) Get(ctx context.Context, csca types.DistinguishedName, country types.CountryCode) (*types.CRLRecord, error) {
	key := cacheKey(csca, country)

	if item := c.mem.Get(key); item != nil {
		return item.Value(), nil
	}

	guard := c.guardFor(key)
	guard.Lock()
	defer guard.Unlock()

	// re-check under the guard; a concurrent refresh may have filled it
	if item := c.mem.Get(key); item != nil {
		return item.Value(), nil
	}

	if c.store != nil {
		crl, err := c.store.CachedCrl(csca, country, c.diskTTL)
		if err != nil {
			log.Entry(ctx).Warnf("durable CRL cache for %s: %v", csca, err)
		} else if crl != nil {
			c.mem.Set(key, crl, c.ttlFor(crl))
			return crl, nil
		}
	}

	crl, err := c.source.FindCrlByCsca(ctx, csca, country)
	if err != nil {
		return nil, err
	}
	if crl == nil {
		return nil, nil
	}

	c.mem.Set(key, crl, c.ttlFor(crl))
	if c.store != nil {
		if err := c.store.PutCachedCrl(crl); err != nil {
			log.Entry(ctx).Warnf("writing CRL for %s to durable cache: %v", csca, err)
		}
	}
	return crl, nil
}

// Invalidate drops an issuer from the in-memory tier, forcing the next Get
// through the lower tiers.
func (c *CrlCache) Invalidate(csca types.DistinguishedName, country types.CountryCode) {
	c.mem.Delete(cacheKey(csca, country))
}

// ttlFor bounds the cache lifetime by the CRL's own nextUpdate.
func (c *CrlCache) ttlFor(crl *types.CRLRecord) time.Duration {
	if crl.NextUpdate.IsZero() {
		return c.memTTL
	}
	until := time.Until(crl.NextUpdate)
	if until <= 0 || until > c.memTTL {
		return c.memTTL
	}
	return until
}
