// Package update polls the firmware update server, downloads split image parts,
// verifies their CRC32 and stages final.bin for the installer.
package update

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/paxnode/helpers"
	"github.com/temoto/paxnode/internal/medium"
	"github.com/temoto/paxnode/internal/persist"
	"github.com/temoto/paxnode/log2"
)

const (
	DefaultInterval      = 24 * time.Hour
	DefaultRetryInterval = time.Hour
	DefaultTimeout       = 5 * time.Minute
	DefaultMaxRetries    = 3
	DefaultMaxPartSize   = 64 << 10

	FinalName = "final.bin"
)

type Config struct {
	Enabled            bool   `hcl:"enable"`
	URL                string `hcl:"url"`
	StagingDir         string `hcl:"staging_dir"`
	IntervalMin        int    `hcl:"interval_min"`
	RetryIntervalMin   int    `hcl:"retry_interval_min"`
	TimeoutSec         int    `hcl:"timeout_sec"`
	MaxDownloadRetries int    `hcl:"max_download_retries"`
	MaxPartSize        int    `hcl:"max_part_size"`
}

func (c *Config) interval() time.Duration {
	return helpers.IntMinuteDefault(c.IntervalMin, DefaultInterval)
}
func (c *Config) retryInterval() time.Duration {
	return helpers.IntMinuteDefault(c.RetryIntervalMin, DefaultRetryInterval)
}
func (c *Config) timeout() time.Duration {
	return helpers.IntSecondDefault(c.TimeoutSec, DefaultTimeout)
}
func (c *Config) maxRetries() int { return helpers.IntDefault(c.MaxDownloadRetries, DefaultMaxRetries) }

// Fetcher gets named file from update server.
type Fetcher interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
}

type HTTPFetcher struct {
	BaseURL string
	Client  *http.Client
	MaxSize int64
}

func (self *HTTPFetcher) Fetch(ctx context.Context, name string) ([]byte, error) {
	url := strings.TrimRight(self.BaseURL, "/") + "/" + name
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "update fetch %s", name)
	}
	client := self.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, errors.Annotatef(err, "update fetch %s", name)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.NotFoundf("update fetch %s", name)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("update fetch %s status=%s", name, resp.Status)
	}
	max := self.MaxSize
	if max <= 0 {
		max = DefaultMaxPartSize
	}
	b, err := ioutil.ReadAll(io.LimitReader(resp.Body, max+1))
	if err != nil {
		return nil, errors.Annotatef(err, "update fetch %s", name)
	}
	if int64(len(b)) > max {
		return nil, errors.NotValidf("update fetch %s size>%d", name, max)
	}
	return b, nil
}

// ReadyFunc is called with version and staged image name when final.bin is complete.
type ReadyFunc func(version string, name string)

type Checker struct {
	config    Config
	log       *log2.Log
	fetcher   Fetcher
	staging   medium.Medium
	installed *persist.Text
	persist   *persist.Persist
	onReady   ReadyFunc

	mu    sync.Mutex
	next  time.Time
	ready string
}

// NewChecker: installed is the persisted version of last staged image, p may be nil.
func NewChecker(config Config, fetcher Fetcher, staging medium.Medium, installed *persist.Text, p *persist.Persist, log *log2.Log) *Checker {
	if installed == nil {
		installed = &persist.Text{}
	}
	return &Checker{
		config:    config,
		log:       log,
		fetcher:   fetcher,
		staging:   staging,
		installed: installed,
		persist:   p,
	}
}

func (self *Checker) OnReady(f ReadyFunc) { self.onReady = f }

func (self *Checker) Installed() string { return self.installed.Get() }

// Ready returns version of staged image, empty if none.
func (self *Checker) Ready() string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.ready
}

func (self *Checker) Due(now time.Time) bool {
	if !self.config.Enabled || self.fetcher == nil {
		return false
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	return !now.Before(self.next)
}

// Check runs one update attempt bounded by configured timeout and schedules the next.
func (self *Checker) Check(now time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), self.config.timeout())
	defer cancel()
	err := self.check(ctx)
	delay := self.config.interval()
	if err != nil {
		delay = self.config.retryInterval()
	}
	self.mu.Lock()
	self.next = now.Add(delay)
	self.mu.Unlock()
	return err
}

func (self *Checker) check(ctx context.Context) error {
	b, err := self.fetcher.Fetch(ctx, "index")
	if err != nil {
		return err
	}
	idx, err := ParseIndex(b)
	if err != nil {
		return err
	}
	if idx.Version == self.installed.Get() {
		self.log.Debugf("update version=%s already staged", idx.Version)
		return nil
	}
	self.log.Infof("update version=%s parts=%d available, installed=%q", idx.Version, idx.Parts, self.installed.Get())

	sums, err := self.checksums(ctx, idx)
	if err != nil {
		return err
	}
	for part := 1; part <= idx.Parts; part++ {
		if err = self.downloadPart(ctx, part, sums[part-1]); err != nil {
			return err
		}
	}
	if err = self.unify(idx.Parts); err != nil {
		return err
	}

	self.installed.Set(idx.Version)
	if self.persist != nil {
		if err = self.persist.Store(); err != nil {
			self.log.Errorf("update: %v", err)
		}
	}
	self.mu.Lock()
	self.ready = idx.Version
	self.mu.Unlock()
	self.log.Infof("update version=%s staged %s", idx.Version, FinalName)
	if self.onReady != nil {
		self.onReady(idx.Version, FinalName)
	}
	return nil
}

func (self *Checker) checksums(ctx context.Context, idx Index) ([]uint32, error) {
	all := make([]uint32, 0, idx.Parts)
	for _, n := range idx.ChecksumFiles() {
		name := fmt.Sprintf("%d.chk", n)
		b, err := self.fetcher.Fetch(ctx, name)
		if err != nil {
			return nil, err
		}
		want := idx.PerFile
		if rest := idx.Parts - (n - 1); rest < want {
			want = rest
		}
		sums, err := ParseChecksums(b, want)
		if err != nil {
			return nil, errors.Annotate(err, name)
		}
		if len(sums) < want {
			return nil, errors.NotValidf("update %s checksums=%d expected=%d", name, len(sums), want)
		}
		all = append(all, sums...)
	}
	return all, nil
}

func (self *Checker) downloadPart(ctx context.Context, part int, crc uint32) error {
	name := fmt.Sprintf("%d.bin", part)
	var err error
	for attempt := 1; attempt <= self.config.maxRetries(); attempt++ {
		if ctx.Err() != nil {
			return errors.Annotatef(ctx.Err(), "update %s", name)
		}
		var b []byte
		b, err = self.fetcher.Fetch(ctx, name)
		if err == nil {
			err = verify(part, b, crc)
		}
		if err == nil {
			return errors.Annotatef(medium.WriteFile(self.staging, name, b), "update stage %s", name)
		}
		self.log.Debugf("update %s attempt=%d: %v", name, attempt, err)
	}
	return errors.Annotatef(err, "update %s retries exhausted", name)
}

func (self *Checker) unify(parts int) error {
	var image []byte
	for part := 1; part <= parts; part++ {
		name := fmt.Sprintf("%d.bin", part)
		b, err := medium.ReadFile(self.staging, name)
		if err != nil {
			return errors.Annotatef(err, "update unify %s", name)
		}
		if b == nil {
			return errors.NotFoundf("update unify %s", name)
		}
		image = append(image, b...)
	}
	return errors.Annotatef(medium.WriteFile(self.staging, FinalName, image), "update stage %s", FinalName)
}
