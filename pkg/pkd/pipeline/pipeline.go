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

// Package pipeline drives one upload through Parse → Validate → Replicate.
// AUTO mode chains stages until a terminal status; MANUAL mode advances one
// stage per explicit command. Either way the status graph is enforced before
// any side effect.
package pipeline

import (
	"bytes"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/iland112/local-pkd-sub009/pkg/pkd/constants"
	pkderrors "github.com/iland112/local-pkd-sub009/pkg/pkd/errors"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/event"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/ldap"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/output/log"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/parser"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/validate"
)

// StageName is the external command vocabulary of the MANUAL mode.
type StageName string

const (
	StageParse     StageName = "parse"
	StageValidate  StageName = "validate"
	StageReplicate StageName = "upload-to-ldap"
)

// Ledger is the slice of the history store the orchestrator needs.
type Ledger interface {
	FindUpload(id types.UploadID) (*types.UploadedFile, error)
	SaveUpload(u *types.UploadedFile) error
	SaveCertificates(id types.UploadID, certs []types.CertificateRecord) error
	SaveCrls(id types.UploadID, crls []types.CRLRecord) error
}

// Blobs reads stored artifact bytes back for parsing.
type Blobs interface {
	Read(path string) ([]byte, error)
}

// Replicator is the LDAP writer seam.
type Replicator interface {
	Replicate(ctx context.Context, id types.UploadID, records []ldap.WriteRecord) (*ldap.WriteReport, error)
}

// Config bounds pipeline fan-out and the replicate stage.
type Config struct {
	Concurrency      int
	ReplicateTimeout time.Duration
}

// run is the in-memory state of one upload's pipeline.
type run struct {
	parsed    *types.ParsedFile
	validated *validate.Result
	cancel    context.CancelFunc
	cancelled bool
}

// Orchestrator owns the stage state machine for every admitted upload.
type Orchestrator struct {
	ledger    Ledger
	blobs     Blobs
	parsers   *parser.Registry
	validator *validate.Validator
	writer    Replicator
	bus       *event.Bus
	cfg       Config

	slots *semaphore.Weighted

	mu   sync.Mutex
	runs map[types.UploadID]*run

	wg sync.WaitGroup
}

func New(ledger Ledger, blobs Blobs, parsers *parser.Registry, validator *validate.Validator,
	writer Replicator, bus *event.Bus, cfg Config) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	return &Orchestrator{
		ledger:    ledger,
		blobs:     blobs,
		parsers:   parsers,
		validator: validator,
		writer:    writer,
		bus:       bus,
		cfg:       cfg,
		slots:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		runs:      map[types.UploadID]*run{},
	}
}

// Admit starts pipeline processing for a fresh upload. AUTO uploads chain
// every stage in the background; MANUAL uploads wait for commands.
// Duplicates never run a stage.
func (o *Orchestrator) Admit(ctx context.Context, u *types.UploadedFile) {
	if u.Status == types.StatusDuplicate {
		return
	}
	if u.Mode != types.ModeAuto {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runAuto(u.ID)
	}()
	_ = ctx
}

// runAuto chains stages until a terminal status or a failure.
func (o *Orchestrator) runAuto(id types.UploadID) {
	ctx := o.runContext(id)
	defer o.clearCancel(id)

	if err := o.slots.Acquire(ctx, 1); err != nil {
		return
	}
	defer o.slots.Release(1)

	for _, stage := range []StageName{StageParse, StageValidate, StageReplicate} {
		if err := o.runStage(ctx, id, stage); err != nil {
			log.Entry(ctx).Errorf("pipeline for %s stopped at %s: %v", id, stage, err)
			return
		}
	}
}

// RunStage admits one MANUAL stage command. The transition is checked
// synchronously; on admission the stage runs in the background and the
// caller gets nil.
func (o *Orchestrator) RunStage(ctx context.Context, id types.UploadID, stage StageName) error {
	u, err := o.ledger.FindUpload(id)
	if err != nil {
		return err
	}
	if u == nil {
		return pkderrors.New(pkderrors.WrongProcessingMode, "unknown upload %s", id)
	}
	if u.Mode != types.ModeManual {
		return pkderrors.New(pkderrors.WrongProcessingMode, "upload %s is %s-mode", id, u.Mode)
	}

	required, _, _ := stageStatuses(stage)
	if u.Status == types.StatusReplicated && stage == StageReplicate {
		// replaying REPLICATE on a replicated upload is a no-op
		return nil
	}
	if u.Status != required {
		return pkderrors.New(pkderrors.IllegalStateTransition,
			"cannot %s upload %s in status %s", stage, id, u.Status)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		runCtx := o.runContext(id)
		defer o.clearCancel(id)
		if err := o.slots.Acquire(runCtx, 1); err != nil {
			return
		}
		defer o.slots.Release(1)
		if err := o.runStage(runCtx, id, stage); err != nil {
			log.Entry(runCtx).Errorf("stage %s for %s: %v", stage, id, err)
		}
	}()
	return nil
}

// Cancel flags the running pipeline; the active stage observes it at its
// next checkpoint.
func (o *Orchestrator) Cancel(id types.UploadID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.runs[id]; ok {
		r.cancelled = true
		if r.cancel != nil {
			r.cancel()
		}
	}
}

// Wait blocks until every background pipeline has finished. Used on
// shutdown.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) runContext(id types.UploadID) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	r, ok := o.runs[id]
	if !ok {
		r = &run{}
		o.runs[id] = r
	}
	r.cancel = cancel
	o.mu.Unlock()
	return log.WithEventContext(ctx, constants.Pipeline, id.String())
}

func (o *Orchestrator) clearCancel(id types.UploadID) {
	o.mu.Lock()
	if r, ok := o.runs[id]; ok {
		r.cancel = nil
	}
	o.mu.Unlock()
}

// stageStatuses maps a stage to its required predecessor, in-progress, and
// success statuses.
func stageStatuses(stage StageName) (types.UploadStatus, types.UploadStatus, types.UploadStatus) {
	switch stage {
	case StageParse:
		return types.StatusUploaded, types.StatusParsing, types.StatusParsed
	case StageValidate:
		return types.StatusParsed, types.StatusValidating, types.StatusValidated
	default:
		return types.StatusValidated, types.StatusReplicating, types.StatusReplicated
	}
}

func failureStatus(stage StageName) types.UploadStatus {
	switch stage {
	case StageParse:
		return types.StatusParseFailed
	case StageValidate:
		return types.StatusValidationFailed
	default:
		return types.StatusReplicationFailed
	}
}

func busStage(stage StageName) types.Stage {
	switch stage {
	case StageParse:
		return types.StageParsing
	case StageValidate:
		return types.StageValidation
	default:
		return types.StageLdapSaving
	}
}

// runStage performs one stage: transition check, in-progress status, work,
// terminal status, terminal progress frame.
func (o *Orchestrator) runStage(ctx context.Context, id types.UploadID, stage StageName) error {
	u, err := o.ledger.FindUpload(id)
	if err != nil {
		return err
	}
	if u == nil {
		return pkderrors.New(pkderrors.Internal, "upload %s vanished from the ledger", id)
	}

	required, inProgress, success := stageStatuses(stage)
	if u.Status != required {
		return pkderrors.New(pkderrors.IllegalStateTransition,
			"cannot %s upload %s in status %s", stage, id, u.Status)
	}

	if err := o.setStatus(u, inProgress); err != nil {
		return err
	}

	stageErr := o.execute(ctx, u, stage)
	if stageErr == nil {
		if err := o.setStatus(u, success); err != nil {
			return err
		}
		if stage == StageReplicate {
			o.bus.PipelineCompleted(id, "replication completed", nil)
			o.clearRun(id)
		}
		return nil
	}

	terminal := failureStatus(stage)
	if pkderrors.IsCode(stageErr, pkderrors.Cancelled) || o.isCancelled(id) {
		terminal = types.StatusCancelled
	}
	if err := o.setStatus(u, terminal); err != nil {
		log.Entry(ctx).Errorf("recording %s for %s: %v", terminal, id, err)
	}
	o.bus.StageFailed(id, busStage(stage), stageErr.Error())
	o.clearRun(id)
	return stageErr
}

// clearRun drops the in-memory state once an upload reaches a terminal
// status. A retried MANUAL stage re-parses from the blob store.
func (o *Orchestrator) clearRun(id types.UploadID) {
	o.mu.Lock()
	delete(o.runs, id)
	o.mu.Unlock()
}

func (o *Orchestrator) isCancelled(id types.UploadID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[id]
	return ok && r.cancelled
}

func (o *Orchestrator) setStatus(u *types.UploadedFile, to types.UploadStatus) error {
	if !u.Status.CanTransition(to) {
		return pkderrors.New(pkderrors.IllegalStateTransition, "%s -> %s", u.Status, to)
	}
	u.Status = to
	u.UpdatedAt = time.Now().UTC()
	return o.ledger.SaveUpload(u)
}

func (o *Orchestrator) execute(ctx context.Context, u *types.UploadedFile, stage StageName) error {
	switch stage {
	case StageParse:
		return o.parse(ctx, u)
	case StageValidate:
		return o.validate(ctx, u)
	default:
		return o.replicate(ctx, u)
	}
}

func (o *Orchestrator) parse(ctx context.Context, u *types.UploadedFile) error {
	p := o.parsers.ForFormat(u.Format)
	if p == nil {
		return pkderrors.New(pkderrors.UnknownFormat, "no parser for format %s", u.Format)
	}
	data, err := o.blobs.Read(u.Path)
	if err != nil {
		return err
	}

	parsed, err := p.Parse(ctx, u, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}

	if err := o.ledger.SaveCertificates(u.ID, parsed.Certificates); err != nil {
		return err
	}
	if err := o.ledger.SaveCrls(u.ID, parsed.Crls); err != nil {
		return err
	}

	o.mu.Lock()
	o.runs[u.ID].parsed = parsed
	o.mu.Unlock()

	o.bus.StageCompleted(u.ID, types.StageParsing, "parse completed", map[string]int{
		"certificates": len(parsed.Certificates),
		"crls":         len(parsed.Crls),
		"errors":       len(parsed.Errors),
	})
	return nil
}

func (o *Orchestrator) validate(ctx context.Context, u *types.UploadedFile) error {
	parsed, err := o.parsedFor(ctx, u)
	if err != nil {
		return err
	}

	result, err := o.validator.Run(ctx, u, parsed)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.runs[u.ID].validated = result
	o.mu.Unlock()

	o.bus.StageCompleted(u.ID, types.StageValidation, "validation completed", result.Counts())
	return nil
}

func (o *Orchestrator) replicate(ctx context.Context, u *types.UploadedFile) error {
	o.mu.Lock()
	r := o.runs[u.ID]
	result := r.validated
	o.mu.Unlock()
	if result == nil {
		return pkderrors.New(pkderrors.Internal, "no validation result in memory for %s", u.ID)
	}

	if o.cfg.ReplicateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.ReplicateTimeout)
		defer cancel()
	}

	records := ldap.RecordsFor(result.ValidCertificates, result.ValidCrls)
	report, err := o.writer.Replicate(ctx, u.ID, records)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return pkderrors.Wrap(err, pkderrors.StageTimeout, "replication exceeded %s", o.cfg.ReplicateTimeout)
		}
		return err
	}
	log.Entry(ctx).Infof("replicated %d/%d records for %s", report.Succeeded, len(records), u.ID)
	return nil
}

// parsedFor returns the in-memory parse output, re-parsing the stored blob
// when the process was restarted between MANUAL stages.
func (o *Orchestrator) parsedFor(ctx context.Context, u *types.UploadedFile) (*types.ParsedFile, error) {
	o.mu.Lock()
	r, ok := o.runs[u.ID]
	if ok && r.parsed != nil {
		parsed := r.parsed
		o.mu.Unlock()
		return parsed, nil
	}
	o.mu.Unlock()

	p := o.parsers.ForFormat(u.Format)
	if p == nil {
		return nil, pkderrors.New(pkderrors.UnknownFormat, "no parser for format %s", u.Format)
	}
	data, err := o.blobs.Read(u.Path)
	if err != nil {
		return nil, err
	}
	parsed, err := p.Parse(ctx, u, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	if _, ok := o.runs[u.ID]; !ok {
		o.runs[u.ID] = &run{}
	}
	o.runs[u.ID].parsed = parsed
	o.mu.Unlock()
	return parsed, nil
}
