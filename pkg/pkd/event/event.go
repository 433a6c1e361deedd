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

// Package event is the progress backbone of the ingest pipeline. A single
// Bus multicasts typed per-upload progress frames to subscribers. Bursts
// coalesce inside a short window; slow subscribers lose intermediate frames
// but never terminal ones.
package event

import (
	"sync"
	"time"

	"github.com/iland112/local-pkd-sub009/pkg/pkd/constants"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
)

// subscriberBuffer bounds each subscriber queue. Non-terminal frames beyond
// it are dropped.
const subscriberBuffer = 64

// Progress is one frame on the bus.
type Progress struct {
	UploadID   types.UploadID `json:"uploadId"`
	Stage      types.Stage    `json:"stage"`
	Percentage int            `json:"percentage"`
	Message    string         `json:"message"`
	Timestamp  time.Time      `json:"ts"`
	Counts     map[string]int `json:"counts,omitempty"`
	Completed  bool           `json:"completed,omitempty"`
	Failed     bool           `json:"failed,omitempty"`
}

// Terminal reports whether the frame ends the stream for its upload.
func (p Progress) Terminal() bool { return p.Completed || p.Failed }

type subscriber struct {
	ch   chan Progress
	done chan struct{}

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

// send queues a frame unless the subscriber is closed. Terminal frames block
// until taken or the subscriber goes away; intermediate frames are dropped
// when the queue is full.
func (s *subscriber) send(p Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if p.Terminal() {
		select {
		case s.ch <- p:
		case <-s.done:
		}
		return
	}
	select {
	case s.ch <- p:
	default:
		// slow subscriber: intermediate frame dropped
	}
}

// close tears the stream down exactly once, whether requested by the
// subscriber's cancel or by Bus.Stop. done is closed first so a terminal
// send blocked in send gets out before the channel closes.
func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

type streamKey struct {
	id    types.UploadID
	stage types.Stage
}

// pending is a frame held back inside the coalescing window.
type pending struct {
	frame Progress
	timer *time.Timer
}

// Bus multicasts progress frames keyed by upload id. Constructed, not
// ambient; Stop tears down every subscriber stream.
type Bus struct {
	mu      sync.Mutex
	subs    map[types.UploadID][]*subscriber
	log     map[types.UploadID][]Progress
	pending map[streamKey]*pending
	lastPct map[streamKey]int
	stopped bool
}

func NewBus() *Bus {
	return &Bus{
		subs:    map[types.UploadID][]*subscriber{},
		log:     map[types.UploadID][]Progress{},
		pending: map[streamKey]*pending{},
		lastPct: map[streamKey]int{},
	}
}

// Publish posts a frame. Percentages are clamped monotonically non-decreasing
// per (upload, stage); a frame with the same rounded percentage as a frame
// still inside the coalescing window replaces its message instead of
// producing a second delivery. Terminal frames flush immediately.
func (b *Bus) Publish(p Progress) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	key := streamKey{p.UploadID, p.Stage}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}

	if last, ok := b.lastPct[key]; ok && p.Percentage < last {
		p.Percentage = last
	}
	b.lastPct[key] = p.Percentage

	if p.Terminal() {
		if pend, ok := b.pending[key]; ok {
			pend.timer.Stop()
			delete(b.pending, key)
			b.deliverLocked(pend.frame)
		}
		b.deliverLocked(p)
		b.mu.Unlock()
		return
	}

	if pend, ok := b.pending[key]; ok {
		if pend.frame.Percentage == p.Percentage {
			// Same percentage inside the window: later message wins.
			pend.frame = p
			b.mu.Unlock()
			return
		}
		pend.timer.Stop()
		delete(b.pending, key)
		b.deliverLocked(pend.frame)
	}

	pend := &pending{frame: p}
	pend.timer = time.AfterFunc(constants.ProgressCoalesceWindow, func() {
		b.flush(key, pend)
	})
	b.pending[key] = pend
	b.mu.Unlock()
}

func (b *Bus) flush(key streamKey, pend *pending) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending[key] != pend {
		return
	}
	delete(b.pending, key)
	b.deliverLocked(pend.frame)
}

// deliverLocked appends to the replay log and fans the frame out. Terminal
// frames block per subscriber until taken or the subscriber goes away;
// intermediate frames are dropped when a queue is full. Called with the lock
// held; sends happen against a snapshot with the lock released.
func (b *Bus) deliverLocked(p Progress) {
	b.log[p.UploadID] = append(b.log[p.UploadID], p)

	snapshot := make([]*subscriber, len(b.subs[p.UploadID]))
	copy(snapshot, b.subs[p.UploadID])

	b.mu.Unlock()
	for _, sub := range snapshot {
		sub.send(p)
	}
	b.mu.Lock()
}

// Subscribe returns the frame stream for one upload, replaying frames
// already published. The returned cancel func releases the stream; calling
// it after Stop is a no-op. Subscribing to a stopped bus yields a closed
// stream.
func (b *Bus) Subscribe(id types.UploadID) (<-chan Progress, func()) {
	sub := &subscriber{
		ch:   make(chan Progress, subscriberBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		sub.close()
		return sub.ch, sub.close
	}
	replay := make([]Progress, len(b.log[id]))
	copy(replay, b.log[id])
	b.subs[id] = append(b.subs[id], sub)
	b.mu.Unlock()

	for _, p := range replay {
		select {
		case sub.ch <- p:
		default:
		}
	}

	return sub.ch, func() { b.unsubscribe(id, sub) }
}

// unsubscribe detaches the stream from the fan-out and closes it. Safe to
// call any number of times and concurrently with Stop.
func (b *Bus) unsubscribe(id types.UploadID, sub *subscriber) {
	b.mu.Lock()
	subs := b.subs[id]
	for i, s := range subs {
		if s == sub {
			b.subs[id] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	sub.close()
}

// History returns the frames published so far for an upload.
func (b *Bus) History(id types.UploadID) []Progress {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Progress, len(b.log[id]))
	copy(out, b.log[id])
	return out
}

// Forget drops the replay log and percentage floor for an upload.
func (b *Bus) Forget(id types.UploadID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.log, id)
	for key := range b.lastPct {
		if key.id == id {
			delete(b.lastPct, key)
		}
	}
}

// Stop flushes pending frames and closes every subscriber stream.
func (b *Bus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	for key, pend := range b.pending {
		pend.timer.Stop()
		delete(b.pending, key)
		b.deliverLocked(pend.frame)
	}
	b.stopped = true
	var all []*subscriber
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = map[types.UploadID][]*subscriber{}
	b.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
}
