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
	"github.com/iland112/local-pkd-sub009/pkg/pkd/constants"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
)

// band returns the [start, end] percentage band of a stage.
func band(stage types.Stage) (int, int) {
	switch stage {
	case types.StageUpload:
		return constants.UploadBandStart, constants.UploadBandEnd
	case types.StageParsing:
		return constants.ParsingBandStart, constants.ParsingBandEnd
	case types.StageValidation:
		return constants.ValidationBandStart, constants.ValidationBandEnd
	case types.StageLdapSaving:
		return constants.LdapSavingBandStart, constants.LdapSavingBandEnd
	}
	return 0, 100
}

// BandPercent maps a stage-local fraction in [0,1] onto the stage band.
func BandPercent(stage types.Stage, fraction float64) int {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	start, end := band(stage)
	return start + int(fraction*float64(end-start))
}

// StageUpdate publishes an in-progress frame positioned by fraction within
// the stage band.
func (b *Bus) StageUpdate(id types.UploadID, stage types.Stage, fraction float64, message string, counts map[string]int) {
	b.Publish(Progress{
		UploadID:   id,
		Stage:      stage,
		Percentage: BandPercent(stage, fraction),
		Message:    message,
		Counts:     counts,
	})
}

// StageCompleted publishes the frame that pins the end of the stage band.
// Only the LDAP_SAVING stage ends at 100.
func (b *Bus) StageCompleted(id types.UploadID, stage types.Stage, message string, counts map[string]int) {
	_, end := band(stage)
	b.Publish(Progress{
		UploadID:   id,
		Stage:      stage,
		Percentage: end,
		Message:    message,
		Counts:     counts,
		Completed:  stage == types.StageLdapSaving,
	})
}

// StageFailed publishes a terminal FAILED frame pinned to the current
// percentage of the stage.
func (b *Bus) StageFailed(id types.UploadID, stage types.Stage, message string) {
	b.mu.Lock()
	pct := b.lastPct[streamKey{id, stage}]
	b.mu.Unlock()
	b.Publish(Progress{
		UploadID:   id,
		Stage:      stage,
		Percentage: pct,
		Message:    message,
		Failed:     true,
	})
}

// PipelineCompleted publishes the final 100% frame of a run.
func (b *Bus) PipelineCompleted(id types.UploadID, message string, counts map[string]int) {
	b.Publish(Progress{
		UploadID:   id,
		Stage:      types.StageLdapSaving,
		Percentage: 100,
		Message:    message,
		Counts:     counts,
		Completed:  true,
	})
}
