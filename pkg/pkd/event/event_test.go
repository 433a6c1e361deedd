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

package event

import (
	"sync"
	"testing"
	"time"

	"github.com/iland112/local-pkd-sub009/pkg/pkd/constants"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
	"github.com/iland112/local-pkd-sub009/testutil"
)

func drain(ch <-chan Progress, wait time.Duration) []Progress {
	var out []Progress
	deadline := time.After(wait)
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, p)
		case <-deadline:
			return out
		}
	}
}

func settle() { time.Sleep(constants.ProgressCoalesceWindow + 50*time.Millisecond) }

func TestBusCoalescesSamePercentage(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		bus := NewBus()
		defer bus.Stop()
		id := types.NewUploadID()

		ch, cancel := bus.Subscribe(id)
		defer cancel()

		bus.Publish(Progress{UploadID: id, Stage: types.StageParsing, Percentage: 30, Message: "first"})
		bus.Publish(Progress{UploadID: id, Stage: types.StageParsing, Percentage: 30, Message: "second"})
		settle()

		got := drain(ch, 50*time.Millisecond)
		if len(got) != 1 {
			t.Fatalf("expected 1 coalesced frame, got %d", len(got))
		}
		// later message wins inside the window
		t.CheckDeepEqual("second", got[0].Message)
	})
}

func TestBusMonotonicPercentage(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		bus := NewBus()
		defer bus.Stop()
		id := types.NewUploadID()

		ch, cancel := bus.Subscribe(id)
		defer cancel()

		bus.Publish(Progress{UploadID: id, Stage: types.StageParsing, Percentage: 40})
		settle()
		bus.Publish(Progress{UploadID: id, Stage: types.StageParsing, Percentage: 25})
		settle()

		got := drain(ch, 50*time.Millisecond)
		if len(got) != 2 {
			t.Fatalf("expected 2 frames, got %d", len(got))
		}
		// regressions clamp to the previous floor
		t.CheckDeepEqual(40, got[1].Percentage)
	})
}

func TestBusTerminalFlushesPending(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		bus := NewBus()
		defer bus.Stop()
		id := types.NewUploadID()

		ch, cancel := bus.Subscribe(id)
		defer cancel()

		bus.Publish(Progress{UploadID: id, Stage: types.StageParsing, Percentage: 55, Message: "progress"})
		bus.Publish(Progress{UploadID: id, Stage: types.StageParsing, Percentage: 70, Message: "done", Completed: true})

		got := drain(ch, 100*time.Millisecond)
		if len(got) != 2 {
			t.Fatalf("expected pending + terminal, got %d frames", len(got))
		}
		t.CheckDeepEqual("progress", got[0].Message)
		t.CheckTrue(got[1].Terminal())
	})
}

func TestBusReplaysHistoryToLateSubscribers(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		bus := NewBus()
		defer bus.Stop()
		id := types.NewUploadID()

		bus.Publish(Progress{UploadID: id, Stage: types.StageUpload, Percentage: 10, Completed: true})

		ch, cancel := bus.Subscribe(id)
		defer cancel()

		got := drain(ch, 50*time.Millisecond)
		if len(got) != 1 {
			t.Fatalf("expected replayed frame, got %d", len(got))
		}
		t.CheckDeepEqual(10, got[0].Percentage)
	})
}

func TestBusDropsIntermediateForSlowSubscribers(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		bus := NewBus()
		defer bus.Stop()
		id := types.NewUploadID()

		// subscriber that never reads: queue fills, intermediates drop
		ch, cancel := bus.Subscribe(id)
		defer cancel()

		for i := 0; i < subscriberBuffer+20; i++ {
			bus.Publish(Progress{UploadID: id, Stage: types.StageParsing, Percentage: i, Message: "tick"})
			settle()
		}
		bus.Publish(Progress{UploadID: id, Stage: types.StageParsing, Percentage: 100, Failed: true, Message: "boom"})

		got := drain(ch, 100*time.Millisecond)
		var sawTerminal bool
		for _, p := range got {
			if p.Terminal() {
				sawTerminal = true
			}
		}
		t.CheckTrue(sawTerminal)
	})
}

func TestBusIndependentStageFloors(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		bus := NewBus()
		defer bus.Stop()
		id := types.NewUploadID()

		ch, cancel := bus.Subscribe(id)
		defer cancel()

		bus.Publish(Progress{UploadID: id, Stage: types.StageParsing, Percentage: 70})
		settle()
		bus.Publish(Progress{UploadID: id, Stage: types.StageValidation, Percentage: 70})
		settle()

		got := drain(ch, 50*time.Millisecond)
		if len(got) != 2 {
			t.Fatalf("expected 2 frames, got %d", len(got))
		}
	})
}

func TestBusCloseIsIdempotent(t *testing.T) {
	testutil.Run(t, "stop then cancel", func(t *testutil.T) {
		bus := NewBus()
		id := types.NewUploadID()
		ch, cancel := bus.Subscribe(id)

		bus.Stop()
		// the SSE handlers defer their cancel past shutdown
		cancel()
		cancel()

		_, ok := <-ch
		t.CheckFalse(ok)
	})

	testutil.Run(t, "cancel then stop", func(t *testutil.T) {
		bus := NewBus()
		id := types.NewUploadID()
		_, cancel := bus.Subscribe(id)

		cancel()
		bus.Stop()
		bus.Stop()
	})

	testutil.Run(t, "subscribe after stop yields a closed stream", func(t *testutil.T) {
		bus := NewBus()
		bus.Stop()

		ch, cancel := bus.Subscribe(types.NewUploadID())
		defer cancel()

		_, ok := <-ch
		t.CheckFalse(ok)
	})
}

func TestBusStopDuringPublish(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		bus := NewBus()
		id := types.NewUploadID()
		ch, cancel := bus.Subscribe(id)

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					bus.Publish(Progress{
						UploadID:   id,
						Stage:      types.StageParsing,
						Percentage: i,
						Completed:  i%10 == 0,
					})
				}
			}()
		}

		bus.Stop()
		cancel()
		wg.Wait()

		// the stream was closed exactly once and drains cleanly
		for range ch {
		}
	})
}

func TestBandPercent(t *testing.T) {
	tests := []struct {
		description string
		stage       types.Stage
		fraction    float64
		expected    int
	}{
		{description: "upload start", stage: types.StageUpload, fraction: 0, expected: 0},
		{description: "upload end", stage: types.StageUpload, fraction: 1, expected: 10},
		{description: "parsing midpoint", stage: types.StageParsing, fraction: 0.5, expected: 40},
		{description: "validation end", stage: types.StageValidation, fraction: 1, expected: 85},
		{description: "ldap saving end", stage: types.StageLdapSaving, fraction: 1, expected: 100},
		{description: "fraction clamped high", stage: types.StageParsing, fraction: 1.7, expected: 70},
		{description: "fraction clamped low", stage: types.StageParsing, fraction: -0.3, expected: 10},
	}
	for _, test := range tests {
		testutil.Run(t, test.description, func(t *testutil.T) {
			t.CheckDeepEqual(test.expected, BandPercent(test.stage, test.fraction))
		})
	}
}
