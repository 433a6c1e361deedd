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
	"testing"
	"time"

	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
	"github.com/iland112/local-pkd-sub009/testutil"
)

type memCrlStore struct {
	mu   sync.Mutex
	crl  *types.CRLRecord
	puts int
}

func (s *memCrlStore) CachedCrl(issuer types.DistinguishedName, country types.CountryCode, ttl time.Duration) (*types.CRLRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crl, nil
}

func (s *memCrlStore) PutCachedCrl(crl *types.CRLRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crl = crl
	s.puts++
	return nil
}

type liveCrlSource struct {
	mu    sync.Mutex
	crl   *types.CRLRecord
	calls int
}

func (s *liveCrlSource) FindCrlByCsca(ctx context.Context, cscaSubject types.DistinguishedName, country types.CountryCode) (*types.CRLRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.crl, nil
}

func (s *liveCrlSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testCrl(t *testutil.T) *types.CRLRecord {
	ca := t.NewCA("CSCA DE", "DE")
	rec, err := types.NewCRLRecord(t.IssueCRL(ca, []int64{9}, time.Now().Add(time.Hour)))
	t.CheckNoError(err)
	return &rec
}

func TestCrlCacheServesFromDurableTier(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		crl := testCrl(t)
		source := &liveCrlSource{}
		cache := NewCrlCache(&memCrlStore{crl: crl}, source, time.Minute, time.Hour)
		defer cache.Stop()

		got, err := cache.Get(context.Background(), crl.Issuer, "DE")
		t.CheckNoError(err)
		t.CheckDeepEqual(crl.Fingerprint, got.Fingerprint)
		t.CheckDeepEqual(0, source.callCount())
	})
}

func TestCrlCacheFetchesLiveAndBackfills(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		crl := testCrl(t)
		store := &memCrlStore{}
		source := &liveCrlSource{crl: crl}
		cache := NewCrlCache(store, source, time.Minute, time.Hour)
		defer cache.Stop()

		got, err := cache.Get(context.Background(), crl.Issuer, "DE")
		t.CheckNoError(err)
		t.CheckDeepEqual(crl.Fingerprint, got.Fingerprint)
		t.CheckDeepEqual(1, source.callCount())
		t.CheckDeepEqual(1, store.puts)

		// second lookup is served from memory
		_, err = cache.Get(context.Background(), crl.Issuer, "DE")
		t.CheckNoError(err)
		t.CheckDeepEqual(1, source.callCount())
	})
}

func TestCrlCacheMissReturnsNil(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		source := &liveCrlSource{}
		cache := NewCrlCache(nil, source, time.Minute, time.Hour)
		defer cache.Stop()

		got, err := cache.Get(context.Background(), types.NewDN("CN=CSCA,C=XX"), "XX")
		t.CheckNoError(err)
		if got != nil {
			t.Errorf("expected a nil record on a full miss")
		}
	})
}

func TestCrlCacheInvalidate(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		crl := testCrl(t)
		source := &liveCrlSource{crl: crl}
		cache := NewCrlCache(nil, source, time.Minute, time.Hour)
		defer cache.Stop()

		_, err := cache.Get(context.Background(), crl.Issuer, "DE")
		t.CheckNoError(err)
		cache.Invalidate(crl.Issuer, "DE")
		_, err = cache.Get(context.Background(), crl.Issuer, "DE")
		t.CheckNoError(err)

		t.CheckDeepEqual(2, source.callCount())
	})
}
