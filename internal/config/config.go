// Package config reads HCL configuration with includes.
package config

import (
	"encoding/hex"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/paxnode/helpers"
	"github.com/temoto/paxnode/internal/dispatch"
	"github.com/temoto/paxnode/internal/lora"
	"github.com/temoto/paxnode/internal/nbiot"
	"github.com/temoto/paxnode/internal/producer"
	"github.com/temoto/paxnode/internal/secureconf"
	"github.com/temoto/paxnode/internal/store"
	"github.com/temoto/paxnode/internal/update"
	"github.com/temoto/paxnode/log2"
)

const DefaultStatsPersist = 5 * time.Minute

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	LogDebug bool `hcl:"log_debug"`
	// hex, binds encrypted endpoint to hardware; empty = first interface MAC
	DeviceID string `hcl:"device_id"`

	Persist struct {
		Root string `hcl:"root"`
	} `hcl:"persist"`
	Store      StoreConfig          `hcl:"store"`
	Secureconf SecureconfConfig     `hcl:"secureconf"`
	Lora       lora.Config          `hcl:"lora"`
	Nbiot      NbiotConfig          `hcl:"nbiot"`
	Update     update.Config        `hcl:"update"`
	Flush      dispatch.FlushConfig `hcl:"flush"`
	Dispatch   dispatch.Config      `hcl:"dispatch"`
	Producer   producer.Config      `hcl:"producer"`
	Inbox      struct {
		Path string `hcl:"path"`
	} `hcl:"inbox"`
	Stats struct {
		PersistSec int `hcl:"persist_sec"`
	} `hcl:"stats"`

	_copy_guard sync.Mutex //nolint:unused
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type StoreConfig struct {
	Enable           bool   `hcl:"enable"`
	Dir              string `hcl:"dir"`
	Name             string `hcl:"name"`
	LockTimeoutMs    int    `hcl:"lock_timeout_ms"`
	CompactThreshold int    `hcl:"compact_threshold"`
}

func (c *StoreConfig) Config() store.Config {
	return store.Config{
		Name:             c.Name,
		LockTimeout:      helpers.IntMillisecondDefault(c.LockTimeoutMs, store.DefaultLockTimeout),
		CompactThreshold: uint32(c.CompactThreshold),
	}
}

type SecureconfConfig struct {
	Dir  string `hcl:"dir"`
	Name string `hcl:"name"`
}

type NbiotConfig struct {
	Enable       bool `hcl:"enable"`
	nbiot.Config `hcl:",squash"`
}

func (c *Config) StatsPersistInterval() time.Duration {
	return helpers.IntSecondDefault(c.Stats.PersistSec, DefaultStatsPersist)
}

// DeviceIDBytes returns decoded device_id, nil when not configured.
func (c *Config) DeviceIDBytes() ([]byte, error) {
	if c.DeviceID == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(strings.Replace(c.DeviceID, ":", "", -1))
	if err != nil {
		return nil, errors.NewNotValid(err, "config device_id")
	}
	return b, nil
}

// applyDefaults fills paths derived from persist.root and validates enums.
func (c *Config) applyDefaults() error {
	errs := make([]error, 0, 4)
	root := c.Persist.Root
	if c.Store.Dir == "" {
		c.Store.Dir = root
	}
	if c.Store.Enable && c.Store.Dir == "" {
		errs = append(errs, errors.NotValidf("config store enabled but dir and persist.root empty"))
	}
	if c.Secureconf.Dir == "" {
		c.Secureconf.Dir = c.Store.Dir
	}
	if c.Secureconf.Name == "" {
		c.Secureconf.Name = secureconf.DefaultName
	}
	if root != "" {
		if c.Inbox.Path == "" {
			c.Inbox.Path = filepath.Join(root, "inbox")
		}
		if c.Update.StagingDir == "" {
			c.Update.StagingDir = filepath.Join(root, "update")
		}
	}
	if c.Update.Enabled && (c.Update.URL == "" || c.Update.StagingDir == "") {
		errs = append(errs, errors.NotValidf("config update enabled but url=%q staging_dir=%q", c.Update.URL, c.Update.StagingDir))
	}

	switch c.Lora.UnjoinedPolicy {
	case "":
		c.Lora.UnjoinedPolicy = lora.UnjoinedStore
	case lora.UnjoinedStore, lora.UnjoinedSecondary:
	default:
		errs = append(errs, errors.NotValidf("config lora.unjoined_policy=%q (store|secondary)", c.Lora.UnjoinedPolicy))
	}

	if _, err := c.DeviceIDBytes(); err != nil {
		errs = append(errs, err)
	}
	if c.Nbiot.DevEUI == "" {
		c.Nbiot.DevEUI = strings.ToLower(strings.Replace(c.DeviceID, ":", "", -1))
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		log.Fatalf("config duplicate source=%s", source.Name)
	} else {
		log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	}
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		log.Fatal("code error [Must]ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, err
		}
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if len(errs) == 0 {
		if err := c.applyDefaults(); err != nil {
			errs = append(errs, err)
		}
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
