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

package constants

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Phase names the coarse unit of work a log line or progress frame belongs to.
type Phase string

const (
	Upload    Phase = "Upload"
	Parse     Phase = "Parse"
	Validate  Phase = "Validate"
	Replicate Phase = "Replicate"
	Pipeline  Phase = "Pipeline"
	Verify    Phase = "Verify"
	Service   Phase = "Service"

	SubtaskIDNone = "-1"
)

// Progress percentage bands per pipeline stage. A stage reports within its
// band; the terminal frame of the last stage pins 100.
const (
	UploadBandStart     = 0
	UploadBandEnd       = 10
	ParsingBandStart    = 10
	ParsingBandEnd      = 70
	ValidationBandStart = 70
	ValidationBandEnd   = 85
	LdapSavingBandStart = 85
	LdapSavingBandEnd   = 100
)

const (
	// DefaultLogLevel is the default global verbosity
	DefaultLogLevel = logrus.WarnLevel

	// DefaultConfigFile is the default location for the service configuration
	DefaultConfigFile = "pkdsvc.yaml"

	DefaultLdapPoolInitial     = 3
	DefaultLdapPoolMax         = 10
	DefaultLdapPoolWait        = 5 * time.Second
	DefaultLdapConnectTimeout  = 30 * time.Second
	DefaultLdapReadTimeout     = 60 * time.Second
	DefaultSyncBatchSize       = 100
	DefaultSyncMaxRetries      = 3
	DefaultSyncInitialDelay    = 500 * time.Millisecond
	DefaultPipelineConcurrency = 2
	DefaultBatchWorkers        = 4
	DefaultReplicateTimeout    = 300 * time.Second

	// DefaultCrlMemTTL caps the in-memory CRL cache entry lifetime when the
	// CRL carries no nextUpdate.
	DefaultCrlMemTTL  = 1 * time.Hour
	DefaultCrlDiskTTL = 24 * time.Hour

	// ProgressCoalesceWindow is the window inside which same-percentage
	// frames for one (upload, stage) pair collapse into the latest one.
	ProgressCoalesceWindow = 50 * time.Millisecond

	// ProgressMaxRate caps parser progress publication at ten frames a second.
	ProgressMaxRate = 100 * time.Millisecond
)
