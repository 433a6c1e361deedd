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
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/iland112/local-pkd-sub009/pkg/pkd/version"
	"github.com/iland112/local-pkd-sub009/testutil"
)

func TestSetUpLogs(t *testing.T) {
	tests := []struct {
		description string
		level       string
		expected    logrus.Level
		shouldErr   bool
	}{
		{description: "debug", level: "debug", expected: logrus.DebugLevel},
		{description: "warn", level: "warn", expected: logrus.WarnLevel},
		{description: "unknown level", level: "chatty", shouldErr: true},
	}
	for _, test := range tests {
		testutil.Run(t, test.description, func(t *testutil.T) {
			defer logrus.SetLevel(logrus.InfoLevel)

			var out bytes.Buffer
			err := SetUpLogs(&out, test.level)

			t.CheckError(test.shouldErr, err)
			if !test.shouldErr {
				t.CheckDeepEqual(test.expected, logrus.GetLevel())
			}
		})
	}
}

func TestVersionCommand(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		var out bytes.Buffer
		cmd := NewCmdVersion(&out)
		t.CheckNoError(cmd.RunE(cmd, nil))

		var info version.Info
		t.CheckNoError(json.Unmarshal(out.Bytes(), &info))
		t.CheckDeepEqual(version.Get().Version, info.Version)
		t.CheckDeepEqual(version.Get().GoVersion, info.GoVersion)
	})
}

func TestRootCommandFlags(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		var out, stderr bytes.Buffer
		root := NewRootCommand(&out, &stderr)

		if root.PersistentFlags().Lookup("verbosity") == nil {
			t.Errorf("expected a verbosity flag")
		}
		if root.PersistentFlags().Lookup("filename") == nil {
			t.Errorf("expected a filename flag")
		}

		names := map[string]bool{}
		for _, c := range root.Commands() {
			names[c.Name()] = true
		}
		for _, expected := range []string{"serve", "ingest", "version"} {
			if !names[expected] {
				t.Errorf("expected subcommand %q", expected)
			}
		}
	})
}
