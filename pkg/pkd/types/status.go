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

package types

// UploadStatus is the pipeline position of an UploadedFile.
type UploadStatus string

const (
	StatusUploaded          UploadStatus = "UPLOADED"
	StatusParsing           UploadStatus = "PARSING"
	StatusParsed            UploadStatus = "PARSED"
	StatusParseFailed       UploadStatus = "PARSE_FAILED"
	StatusValidating        UploadStatus = "VALIDATING"
	StatusValidated         UploadStatus = "VALIDATED"
	StatusValidationFailed  UploadStatus = "VALIDATION_FAILED"
	StatusReplicating       UploadStatus = "REPLICATING"
	StatusReplicated        UploadStatus = "REPLICATED"
	StatusReplicationFailed UploadStatus = "REPLICATION_FAILED"
	StatusDuplicate         UploadStatus = "DUPLICATE"
	StatusCancelled         UploadStatus = "CANCELLED"
)

// successors is the full transition graph. Every status has a defined
// successor set; terminal statuses map to an empty set.
var successors = map[UploadStatus][]UploadStatus{
	StatusUploaded:          {StatusParsing, StatusCancelled},
	StatusParsing:           {StatusParsed, StatusParseFailed, StatusCancelled},
	StatusParsed:            {StatusValidating, StatusCancelled},
	StatusValidating:        {StatusValidated, StatusValidationFailed, StatusCancelled},
	StatusValidated:         {StatusReplicating, StatusCancelled},
	StatusReplicating:       {StatusReplicated, StatusReplicationFailed, StatusCancelled},
	StatusReplicated:        {},
	StatusParseFailed:       {},
	StatusValidationFailed:  {},
	StatusReplicationFailed: {},
	StatusDuplicate:         {},
	StatusCancelled:         {},
}

// CanTransition reports whether from → to is a legal edge.
func (from UploadStatus) CanTransition(to UploadStatus) bool {
	for _, s := range successors[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further stage may run.
func (s UploadStatus) IsTerminal() bool {
	return len(successors[s]) == 0
}

// IsFailure folds the failure family, including CANCELLED, for external
// reporting.
func (s UploadStatus) IsFailure() bool {
	switch s {
	case StatusParseFailed, StatusValidationFailed, StatusReplicationFailed, StatusCancelled:
		return true
	}
	return false
}

// Stage names a progress band on the bus.
type Stage string

const (
	StageUpload     Stage = "UPLOAD"
	StageParsing    Stage = "PARSING"
	StageValidation Stage = "VALIDATION"
	StageLdapSaving Stage = "LDAP_SAVING"
)
