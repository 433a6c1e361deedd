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

package ldap

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	ldapv3 "github.com/go-ldap/ldap/v3"
	"golang.org/x/sync/errgroup"

	pkderrors "github.com/iland112/local-pkd-sub009/pkg/pkd/errors"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/event"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/output/log"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
)

// WriteRecord is one entry to materialize.
type WriteRecord struct {
	Kind        ObjectKind
	Country     types.CountryCode
	CN          string // raw subject / issuer DN string
	Der         []byte
	Fingerprint string
}

// RecordResult mirrors one WriteRecord position in the batch report.
type RecordResult struct {
	DN    string `json:"dn"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// WriteReport aligns one-to-one with the input record positions.
type WriteReport struct {
	Results   []RecordResult `json:"results"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
}

// Marker flips the replicated flag in the history store once LDAP has
// acknowledged an entry.
type Marker interface {
	MarkReplicated(fingerprints []string) error
}

// WriterConfig tunes batching and the retry budget for connection failures.
type WriterConfig struct {
	Base         string
	Workers      int
	MaxRetries   int
	InitialDelay time.Duration
}

// Writer materializes records under the ICAO DIT. Protocol errors fail the
// record and work continues; connection failures are retried and abort the
// batch when the budget runs out.
type Writer struct {
	pool   *Pool
	bus    *event.Bus
	marker Marker
	cfg    WriterConfig
}

func NewWriter(pool *Pool, bus *event.Bus, marker Marker, cfg WriterConfig) *Writer {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Writer{pool: pool, bus: bus, marker: marker, cfg: cfg}
}

// batchKey groups records per country per object kind to amortize
// connection use.
type batchKey struct {
	country types.CountryCode
	kind    ObjectKind
}

// Replicate writes the batch. The report preserves input order even though
// country batches run on separate workers.
func (w *Writer) Replicate(ctx context.Context, uploadID types.UploadID, records []WriteRecord) (*WriteReport, error) {
	report := &WriteReport{Results: make([]RecordResult, len(records))}
	if len(records) == 0 {
		return report, nil
	}

	batches := map[batchKey][]int{}
	for i, rec := range records {
		key := batchKey{rec.Country, rec.Kind}
		batches[key] = append(batches[key], i)
	}
	keys := make([]batchKey, 0, len(batches))
	for key := range batches {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].country != keys[j].country {
			return keys[i].country < keys[j].country
		}
		return keys[i].kind < keys[j].kind
	})

	var mu sync.Mutex
	done := 0
	total := len(records)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Workers)

	for _, key := range keys {
		key := key
		indices := batches[key]
		g.Go(func() error {
			if err := w.writeBatch(gctx, records, indices, report); err != nil {
				return err
			}
			mu.Lock()
			done += len(indices)
			fraction := float64(done) / float64(total)
			mu.Unlock()
			w.bus.StageUpdate(uploadID, types.StageLdapSaving, fraction,
				fmt.Sprintf("replicated %s/%s", key.country, key.kind), nil)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	var replicated []string
	for i, res := range report.Results {
		if res.OK {
			report.Succeeded++
			if records[i].Fingerprint != "" {
				replicated = append(replicated, records[i].Fingerprint)
			}
		} else {
			report.Failed++
		}
	}

	if w.marker != nil {
		if err := w.marker.MarkReplicated(replicated); err != nil {
			log.Entry(ctx).Warnf("marking %d records replicated: %v", len(replicated), err)
		}
	}
	return report, nil
}

// writeBatch writes one (country, kind) group through a single checked-out
// handle, retrying the checkout/connection with the configured budget.
func (w *Writer) writeBatch(ctx context.Context, records []WriteRecord, indices []int, report *WriteReport) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(backoff.WithInitialInterval(w.cfg.InitialDelay)),
		uint64(w.cfg.MaxRetries)), ctx)

	return backoff.Retry(func() error {
		conn, err := w.pool.Get(ctx)
		if err != nil {
			return err
		}
		broken := false
		defer func() { w.pool.Put(conn, broken) }()

		first := records[indices[0]]
		if err := w.ensureContainers(conn, first.Kind, first.Country); err != nil {
			broken = true
			return err
		}

		for _, i := range indices {
			if err := ctx.Err(); err != nil {
				return backoff.Permanent(pkderrors.Wrap(err, pkderrors.Cancelled, "replication cancelled"))
			}
			rec := records[i]
			dn := EntryDN(w.cfg.Base, rec.Kind, rec.Country, rec.CN)
			if err := w.writeOne(conn, rec, dn); err != nil {
				if isConnectionError(err) {
					broken = true
					return pkderrors.Wrap(err, pkderrors.LdapUnreachable, "connection lost writing %s", dn)
				}
				// protocol error: record it, keep going
				report.Results[i] = RecordResult{DN: dn, Error: err.Error()}
				continue
			}
			report.Results[i] = RecordResult{DN: dn, OK: true}
		}
		return nil
	}, policy)
}

// writeOne checks for existence by filter, then adds or replaces the binary
// attribute.
func (w *Writer) writeOne(conn *ldapv3.Conn, rec WriteRecord, dn string) error {
	base := ContainerDN(w.cfg.Base, rec.Kind, rec.Country)
	search := ldapv3.NewSearchRequest(base, ldapv3.ScopeWholeSubtree, ldapv3.NeverDerefAliases,
		1, 0, false, EntryFilter(rec.Kind, rec.CN), []string{"cn"}, nil)

	res, err := conn.Search(search)
	exists := false
	switch {
	case err == nil:
		exists = len(res.Entries) > 0
	case ldapv3.IsErrorWithCode(err, ldapv3.LDAPResultNoSuchObject):
		// container just created, nothing under it yet
	default:
		return err
	}

	if exists {
		mod := ldapv3.NewModifyRequest(dn, nil)
		mod.Replace(rec.Kind.binaryAttribute(), []string{string(rec.Der)})
		return conn.Modify(mod)
	}

	add := ldapv3.NewAddRequest(dn, nil)
	add.Attribute("objectClass", []string{rec.Kind.objectClass()})
	add.Attribute("cn", []string{rec.CN})
	add.Attribute(rec.Kind.binaryAttribute(), []string{string(rec.Der)})
	return conn.Add(add)
}

// ensureContainers creates c=<CC> and o=<kind> on first use; AlreadyExists
// is the common case and ignored.
func (w *Writer) ensureContainers(conn *ldapv3.Conn, kind ObjectKind, country types.CountryCode) error {
	countryAdd := ldapv3.NewAddRequest(CountryDN(w.cfg.Base, country), nil)
	countryAdd.Attribute("objectClass", []string{"country"})
	countryAdd.Attribute("c", []string{country.String()})
	if err := conn.Add(countryAdd); err != nil && !ldapv3.IsErrorWithCode(err, ldapv3.LDAPResultEntryAlreadyExists) {
		if isConnectionError(err) {
			return err
		}
	}

	orgAdd := ldapv3.NewAddRequest(ContainerDN(w.cfg.Base, kind, country), nil)
	orgAdd.Attribute("objectClass", []string{"organization"})
	orgAdd.Attribute("o", []string{string(kind)})
	if err := conn.Add(orgAdd); err != nil && !ldapv3.IsErrorWithCode(err, ldapv3.LDAPResultEntryAlreadyExists) {
		if isConnectionError(err) {
			return err
		}
	}
	return nil
}

func isConnectionError(err error) bool {
	return ldapv3.IsErrorAnyOf(err,
		ldapv3.ErrorNetwork,
		ldapv3.LDAPResultServerDown,
		ldapv3.LDAPResultConnectError,
		ldapv3.LDAPResultUnavailable)
}

// RecordsFor flattens validated certificates and CRLs into write records in
// their insertion order.
func RecordsFor(certs []types.CertificateRecord, crls []types.CRLRecord) []WriteRecord {
	out := make([]WriteRecord, 0, len(certs)+len(crls))
	for i := range certs {
		c := &certs[i]
		kind := KindDsc
		if c.Type == types.CertCSCA {
			kind = KindCsca
		}
		out = append(out, WriteRecord{
			Kind:        kind,
			Country:     c.Country,
			CN:          c.Subject.String(),
			Der:         c.Der,
			Fingerprint: c.Fingerprint.String(),
		})
	}
	for i := range crls {
		c := &crls[i]
		out = append(out, WriteRecord{
			Kind:        KindCrl,
			Country:     c.Country,
			CN:          c.Issuer.String(),
			Der:         c.Der,
			Fingerprint: c.Fingerprint.String(),
		})
	}
	return out
}
