// Package config loads service configuration from the environment, with an
// optional TOML file as a base layer. Environment variables win.
package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the full service configuration.
type Config struct {
	// Identity
	Hostname string `toml:"hostname"` // ATDATA_HOSTNAME (default "localhost")
	Port     int    `toml:"port"`     // ATDATA_PORT (default 8000)
	DevMode  bool   `toml:"dev_mode"` // ATDATA_DEV_MODE (default true)

	// Database
	DatabaseURL string `toml:"database_url"` // ATDATA_DATABASE_URL (required)

	// Firehose
	JetstreamURL string `toml:"jetstream_url"` // ATDATA_JETSTREAM_URL
	Collections  string `toml:"collections"`   // ATDATA_COLLECTIONS (wantedCollections pattern)

	// Relay (backfill)
	RelayHost string `toml:"relay_host"` // ATDATA_RELAY_HOST

	// Change stream limits
	BufferSize      int `toml:"buffer_size"`      // ATDATA_BUFFER_SIZE (replay ring)
	SubscriberQueue int `toml:"subscriber_queue"` // ATDATA_SUBSCRIBER_QUEUE
	MaxSubscribers  int `toml:"max_subscribers"`  // ATDATA_MAX_SUBSCRIBERS

	// Optional NATS mirror of change events
	NATSURL string `toml:"nats_url"` // ATDATA_NATS_URL (empty = disabled)

	// Optional periodic S3 snapshot export
	SnapshotInterval   time.Duration `toml:"-"`                    // ATDATA_SNAPSHOT_INTERVAL (default 0 = disabled)
	SnapshotS3Bucket   string        `toml:"snapshot_s3_bucket"`   // ATDATA_SNAPSHOT_S3_BUCKET
	SnapshotS3Endpoint string        `toml:"snapshot_s3_endpoint"` // ATDATA_SNAPSHOT_S3_ENDPOINT (MinIO etc.)
	SnapshotS3Region   string        `toml:"snapshot_s3_region"`   // ATDATA_SNAPSHOT_S3_REGION
	SnapshotS3Key      string        `toml:"snapshot_s3_key"`      // ATDATA_SNAPSHOT_S3_KEY
}

// Load reads configuration. If ATDATA_CONFIG names a TOML file it is read
// first; environment variables override file values.
func Load() (*Config, error) {
	c := &Config{
		Hostname:         "localhost",
		Port:             8000,
		DevMode:          true,
		JetstreamURL:     "wss://jetstream2.us-east.bsky.network/subscribe",
		Collections:      "science.alt.dataset.*",
		RelayHost:        "https://bsky.network",
		BufferSize:       1000,
		SubscriberQueue:  256,
		MaxSubscribers:   1000,
		SnapshotS3Region: "us-east-1",
		SnapshotS3Key:    "atdata/snapshot.jsonl",
	}

	if path := os.Getenv("ATDATA_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	applyEnv(c)

	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("ATDATA_DATABASE_URL is required")
	}
	if _, err := url.Parse(c.JetstreamURL); err != nil {
		return nil, fmt.Errorf("ATDATA_JETSTREAM_URL: %w", err)
	}

	if s := os.Getenv("ATDATA_SNAPSHOT_INTERVAL"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("ATDATA_SNAPSHOT_INTERVAL: %w", err)
		}
		c.SnapshotInterval = d
	}

	return c, nil
}

func applyEnv(c *Config) {
	setString(&c.Hostname, "ATDATA_HOSTNAME")
	setInt(&c.Port, "ATDATA_PORT")
	setBool(&c.DevMode, "ATDATA_DEV_MODE")
	setString(&c.DatabaseURL, "ATDATA_DATABASE_URL")
	setString(&c.JetstreamURL, "ATDATA_JETSTREAM_URL")
	setString(&c.Collections, "ATDATA_COLLECTIONS")
	setString(&c.RelayHost, "ATDATA_RELAY_HOST")
	setInt(&c.BufferSize, "ATDATA_BUFFER_SIZE")
	setInt(&c.SubscriberQueue, "ATDATA_SUBSCRIBER_QUEUE")
	setInt(&c.MaxSubscribers, "ATDATA_MAX_SUBSCRIBERS")
	setString(&c.NATSURL, "ATDATA_NATS_URL")
	setString(&c.SnapshotS3Bucket, "ATDATA_SNAPSHOT_S3_BUCKET")
	setString(&c.SnapshotS3Endpoint, "ATDATA_SNAPSHOT_S3_ENDPOINT")
	setString(&c.SnapshotS3Region, "ATDATA_SNAPSHOT_S3_REGION")
	setString(&c.SnapshotS3Key, "ATDATA_SNAPSHOT_S3_KEY")
}

// ServiceDID returns the did:web identity this AppView serves under.
func (c *Config) ServiceDID() string {
	if c.DevMode {
		return fmt.Sprintf("did:web:%s%s", c.Hostname, url.QueryEscape(fmt.Sprintf(":%d", c.Port)))
	}
	return "did:web:" + c.Hostname
}

// ServiceEndpoint returns the public endpoint URL for the DID document.
func (c *Config) ServiceEndpoint() string {
	if c.DevMode {
		return fmt.Sprintf("http://%s:%d", c.Hostname, c.Port)
	}
	return "https://" + c.Hostname
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	switch os.Getenv(key) {
	case "true", "1", "yes":
		*dst = true
	case "false", "0", "no":
		*dst = false
	}
}
