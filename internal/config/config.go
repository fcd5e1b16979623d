// Package config reads the engine's settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pocketomega/pocket-studio/internal/binding"
	"github.com/pocketomega/pocket-studio/internal/blob"
	"github.com/pocketomega/pocket-studio/internal/poller"
)

// Config holds engine settings. Backend credentials live with the backends
// (see openai.NewConfigFromEnv and the providers file).
type Config struct {
	Poll        poller.Config
	Concurrency int    // DISPATCH_CONCURRENCY, 1 = one node at a time
	Separator   string // BINDING_TEXT_SEPARATOR

	CatalogFile   string // CATALOG_FILE, empty = built-in catalog
	ProvidersFile string // PROVIDERS_FILE, empty = no async job providers
	MCPBackends   string // MCP_BACKENDS_FILE, empty = no MCP tool backends

	DatabaseURL string // DATABASE_URL, empty = in-memory store
	GraphDir    string // GRAPH_DIR, resolves graph refs for the memory store

	BlobDir     string // BLOB_DIR
	BlobBaseURL string // BLOB_BASE_URL
	S3          blob.S3Config

	WebPort int // WEB_PORT
}

// FromEnv builds a Config from environment variables and validates it.
// Malformed numbers are errors rather than silent defaults.
func FromEnv() (*Config, error) {
	e := &envReader{}
	def := poller.DefaultConfig()
	cfg := &Config{
		Poll: poller.Config{
			WarmUp:   e.duration("POLL_WARMUP_MS", def.WarmUp, time.Millisecond),
			Interval: e.duration("POLL_INTERVAL_MS", def.Interval, time.Millisecond),
			Deadline: e.duration("POLL_DEADLINE_SECONDS", def.Deadline, time.Second),
			LogEvery: e.int("POLL_LOG_EVERY", def.LogEvery),
		},
		Concurrency: e.int("DISPATCH_CONCURRENCY", 1),
		Separator:   e.raw("BINDING_TEXT_SEPARATOR", binding.DefaultSeparator),

		CatalogFile:   e.str("CATALOG_FILE", ""),
		ProvidersFile: e.str("PROVIDERS_FILE", ""),
		MCPBackends:   e.str("MCP_BACKENDS_FILE", ""),

		DatabaseURL: e.str("DATABASE_URL", ""),
		GraphDir:    e.str("GRAPH_DIR", "workflows"),

		BlobDir:     e.str("BLOB_DIR", "data/blobs"),
		BlobBaseURL: e.str("BLOB_BASE_URL", "/blobs"),
		S3: blob.S3Config{
			Bucket:     e.str("S3_BUCKET", ""),
			Region:     e.str("S3_REGION", ""),
			Endpoint:   e.str("S3_ENDPOINT", ""),
			AccessKey:  e.str("S3_ACCESS_KEY", ""),
			SecretKey:  e.str("S3_SECRET_KEY", ""),
			Prefix:     e.str("S3_PREFIX", ""),
			PresignTTL: e.duration("S3_PRESIGN_MINUTES", 15*time.Minute, time.Minute),
		},

		WebPort: e.int("WEB_PORT", 8080),
	}
	if e.err != nil {
		return nil, e.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if err := c.Poll.Validate(); err != nil {
		return err
	}
	if c.Poll.LogEvery < 1 {
		return fmt.Errorf("POLL_LOG_EVERY must be at least 1, got %d", c.Poll.LogEvery)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("DISPATCH_CONCURRENCY must be at least 1, got %d", c.Concurrency)
	}
	if c.WebPort < 1 || c.WebPort > 65535 {
		return fmt.Errorf("WEB_PORT out of range: %d", c.WebPort)
	}
	if c.S3.Bucket == "" && c.BlobDir == "" {
		return fmt.Errorf("either S3_BUCKET or BLOB_DIR must be set")
	}
	if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
		return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
	}
	return nil
}

// UseS3 reports whether blobs go to S3 instead of the local directory.
func (c *Config) UseS3() bool { return c.S3.Bucket != "" }

// envReader keeps the first parse error so FromEnv reads like a table.
type envReader struct {
	err error
}

func (e *envReader) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// raw is like str but honours an explicitly empty value.
func (e *envReader) raw(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return unescape(v)
	}
	return def
}

func (e *envReader) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (e *envReader) duration(key string, def, unit time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(fmt.Errorf("%s: invalid number %q", key, v))
		return def
	}
	return time.Duration(n * float64(unit))
}

func (e *envReader) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

// unescape lets .env files spell newlines and tabs as \n and \t.
func unescape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'n':
				out = append(out, '\n')
				i++
				continue
			case 't':
				out = append(out, '\t')
				i++
				continue
			}
		}
		out = append(out, s[i])
	}
	return string(out)
}
