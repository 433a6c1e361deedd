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

package config

import (
	"testing"
	"time"

	"github.com/iland112/local-pkd-sub009/pkg/pkd/constants"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
	"github.com/iland112/local-pkd-sub009/testutil"
)

func TestLoadDefaults(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		cfg, err := Load("")
		t.CheckNoError(err)

		t.CheckDeepEqual(":8080", cfg.Server.Address)
		t.CheckDeepEqual("/var/lib/pkd/uploads", cfg.Upload.Root)
		t.CheckDeepEqual(constants.DefaultLdapPoolMax, cfg.Ldap.Pool.Max)
		t.CheckDeepEqual(constants.DefaultCrlMemTTL, cfg.PA.CrlCache.MemTTL)
		t.CheckDeepEqual(types.ModeAuto, cfg.DefaultMode())
	})
}

func TestLoadYamlFile(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		path := t.NewTempDir().Write("pkd.yaml", `
server:
  address: ":9999"
ldap:
  write-url: ldap://write.pkd.local:389
  base: dc=example,dc=org
  pool:
    max: 12
processing:
  mode-default: MANUAL
  replicate-timeout: 90s
`).Path("pkd.yaml")

		cfg, err := Load(path)
		t.CheckNoError(err)

		t.CheckDeepEqual(":9999", cfg.Server.Address)
		t.CheckDeepEqual("ldap://write.pkd.local:389", cfg.Ldap.WriteURL)
		// read falls back to the write endpoint
		t.CheckDeepEqual("ldap://write.pkd.local:389", cfg.Ldap.ReadURL)
		t.CheckDeepEqual(12, cfg.Ldap.Pool.Max)
		t.CheckDeepEqual(types.ModeManual, cfg.DefaultMode())
		t.CheckDeepEqual(90*time.Second, cfg.Processing.ReplicateTimeout)
	})
}

func TestLoadEnvOverridesFile(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		path := t.NewTempDir().Write("pkd.yaml", `
server:
  address: ":9999"
`).Path("pkd.yaml")

		t.SetEnvs(map[string]string{
			"PKD_SERVER_ADDRESS": ":7777",
			"PKD_LDAP_READ_URL":  "ldap://read.pkd.local:389",
		})

		cfg, err := Load(path)
		t.CheckNoError(err)
		t.CheckDeepEqual(":7777", cfg.Server.Address)
		t.CheckDeepEqual("ldap://read.pkd.local:389", cfg.Ldap.ReadURL)
	})
}

func TestLoadRejects(t *testing.T) {
	testutil.Run(t, "missing explicit file", func(t *testutil.T) {
		_, err := Load("/does/not/exist/pkd.yaml")
		t.CheckError(true, err)
	})

	testutil.Run(t, "bad yaml", func(t *testutil.T) {
		path := t.NewTempDir().Write("pkd.yaml", "server: [not: a map").Path("pkd.yaml")
		_, err := Load(path)
		t.CheckError(true, err)
	})

	testutil.Run(t, "unknown processing mode", func(t *testutil.T) {
		path := t.NewTempDir().Write("pkd.yaml", `
processing:
  mode-default: SOMETIMES
`).Path("pkd.yaml")
		_, err := Load(path)
		t.CheckError(true, err)
	})
}

func TestMissingDefaultFileIsFine(t *testing.T) {
	testutil.Run(t, "", func(t *testutil.T) {
		cfg, err := Load(constants.DefaultConfigFile)
		t.CheckNoError(err)
		t.CheckDeepEqual(":8080", cfg.Server.Address)
	})
}
