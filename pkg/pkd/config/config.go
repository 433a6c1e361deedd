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
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/iland112/local-pkd-sub009/pkg/pkd/constants"
	"github.com/iland112/local-pkd-sub009/pkg/pkd/types"
)

// Config carries every recognized service key. YAML file first, then PKD_*
// environment overrides.
type Config struct {
	Server struct {
		Address string `yaml:"address" envconfig:"SERVER_ADDRESS" default:":8080"`
	} `yaml:"server"`

	Upload struct {
		Root string `yaml:"root" envconfig:"UPLOAD_ROOT" default:"/var/lib/pkd/uploads"`
	} `yaml:"upload"`

	Ldap struct {
		WriteURL string `yaml:"write-url" envconfig:"LDAP_WRITE_URL"`
		ReadURL  string `yaml:"read-url" envconfig:"LDAP_READ_URL"`
		BindDN   string `yaml:"bind-dn" envconfig:"LDAP_BIND_DN"`
		Password string `yaml:"password" envconfig:"LDAP_PASSWORD"`
		Base     string `yaml:"base" envconfig:"LDAP_BASE"`
		Pool     struct {
			Initial int `yaml:"initial" envconfig:"LDAP_POOL_INITIAL"`
			Max     int `yaml:"max" envconfig:"LDAP_POOL_MAX"`
			WaitMs  int `yaml:"wait-ms" envconfig:"LDAP_POOL_WAIT_MS"`
		} `yaml:"pool"`
		ConnectTimeoutMs int `yaml:"connect-timeout-ms" envconfig:"LDAP_CONNECT_TIMEOUT_MS"`
		ReadTimeoutMs    int `yaml:"read-timeout-ms" envconfig:"LDAP_READ_TIMEOUT_MS"`
	} `yaml:"ldap"`

	Sync struct {
		BatchSize      int `yaml:"batch-size" envconfig:"SYNC_BATCH_SIZE"`
		MaxRetries     int `yaml:"max-retries" envconfig:"SYNC_MAX_RETRIES"`
		InitialDelayMs int `yaml:"initial-delay-ms" envconfig:"SYNC_INITIAL_DELAY_MS"`
	} `yaml:"sync"`

	MasterList struct {
		TrustAnchor string `yaml:"trust-anchor" envconfig:"MASTERLIST_TRUST_ANCHOR"`
	} `yaml:"masterlist"`

	PA struct {
		CrlCache struct {
			MemTTL  time.Duration `yaml:"mem-ttl" envconfig:"PA_CRL_CACHE_MEM_TTL"`
			DiskTTL time.Duration `yaml:"disk-ttl" envconfig:"PA_CRL_CACHE_DISK_TTL"`
		} `yaml:"crl-cache"`
	} `yaml:"pa"`

	Processing struct {
		ModeDefault      string        `yaml:"mode-default" envconfig:"PROCESSING_MODE_DEFAULT"`
		Concurrency      int           `yaml:"concurrency" envconfig:"PROCESSING_CONCURRENCY"`
		ReplicateTimeout time.Duration `yaml:"replicate-timeout" envconfig:"PROCESSING_REPLICATE_TIMEOUT"`
	} `yaml:"processing"`

	History struct {
		Path string `yaml:"path" envconfig:"HISTORY_PATH" default:"pkd-history.db"`
	} `yaml:"history"`
}

// Load reads the YAML file when present, applies environment overrides, then
// fills defaults. A missing file is not an error; env-only configuration is
// supported.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		buf, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err) && path == constants.DefaultConfigFile:
			// default file absent: run on env + defaults
		case err != nil:
			return nil, errors.Wrapf(err, "reading config %s", path)
		default:
			if err := yaml.Unmarshal(buf, cfg); err != nil {
				return nil, errors.Wrapf(err, "parsing config %s", path)
			}
		}
	}

	if err := envconfig.Process("pkd", cfg); err != nil {
		return nil, errors.Wrap(err, "applying environment overrides")
	}

	cfg.applyDefaults()

	if _, err := types.ParseProcessingMode(cfg.Processing.ModeDefault); err != nil {
		return nil, errors.Wrap(err, "processing.mode-default")
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Upload.Root == "" {
		c.Upload.Root = "/var/lib/pkd/uploads"
	}
	if c.Ldap.Pool.Initial == 0 {
		c.Ldap.Pool.Initial = constants.DefaultLdapPoolInitial
	}
	if c.Ldap.Pool.Max == 0 {
		c.Ldap.Pool.Max = constants.DefaultLdapPoolMax
	}
	if c.Ldap.Pool.WaitMs == 0 {
		c.Ldap.Pool.WaitMs = int(constants.DefaultLdapPoolWait / time.Millisecond)
	}
	if c.Ldap.ConnectTimeoutMs == 0 {
		c.Ldap.ConnectTimeoutMs = int(constants.DefaultLdapConnectTimeout / time.Millisecond)
	}
	if c.Ldap.ReadTimeoutMs == 0 {
		c.Ldap.ReadTimeoutMs = int(constants.DefaultLdapReadTimeout / time.Millisecond)
	}
	if c.Ldap.ReadURL == "" {
		c.Ldap.ReadURL = c.Ldap.WriteURL
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = constants.DefaultSyncBatchSize
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = constants.DefaultSyncMaxRetries
	}
	if c.Sync.InitialDelayMs == 0 {
		c.Sync.InitialDelayMs = int(constants.DefaultSyncInitialDelay / time.Millisecond)
	}
	if c.PA.CrlCache.MemTTL == 0 {
		c.PA.CrlCache.MemTTL = constants.DefaultCrlMemTTL
	}
	if c.PA.CrlCache.DiskTTL == 0 {
		c.PA.CrlCache.DiskTTL = constants.DefaultCrlDiskTTL
	}
	if c.Processing.ModeDefault == "" {
		c.Processing.ModeDefault = string(types.ModeAuto)
	}
	if c.Processing.Concurrency == 0 {
		c.Processing.Concurrency = constants.DefaultPipelineConcurrency
	}
	if c.Processing.ReplicateTimeout == 0 {
		c.Processing.ReplicateTimeout = constants.DefaultReplicateTimeout
	}
	if c.History.Path == "" {
		c.History.Path = "pkd-history.db"
	}
}

// DefaultMode returns the configured processing mode.
func (c *Config) DefaultMode() types.ProcessingMode {
	mode, _ := types.ParseProcessingMode(c.Processing.ModeDefault)
	return mode
}

func (c *Config) LdapConnectTimeout() time.Duration {
	return time.Duration(c.Ldap.ConnectTimeoutMs) * time.Millisecond
}

func (c *Config) LdapReadTimeout() time.Duration {
	return time.Duration(c.Ldap.ReadTimeoutMs) * time.Millisecond
}

func (c *Config) LdapPoolWait() time.Duration {
	return time.Duration(c.Ldap.Pool.WaitMs) * time.Millisecond
}

func (c *Config) SyncInitialDelay() time.Duration {
	return time.Duration(c.Sync.InitialDelayMs) * time.Millisecond
}
