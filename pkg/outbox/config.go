package outbox

import (
	"fmt"
	"time"
)

// Config drives the outbox dispatch fleet: one worker per (topic, publisher).
// Values mirror the eventStore config style: durations are millisecond ints,
// zero values are filled by ApplyDefaults, Validate rejects nonsense.
type Config struct {
	// Enabled gates the whole subsystem. New returns a no-op Outbox when false.
	Enabled bool

	// PollingIntervalMs is the default wait between worker cycles.
	PollingIntervalMs int

	// BatchSize is the maximum number of events fetched per cycle.
	BatchSize int

	// MaxRetries is the number of consecutive publish failures tolerated
	// before the progress row is transitioned to FAILED (auto-pause).
	MaxRetries int

	// RetryDelayMs is the wait before the next cycle after a publish failure.
	RetryDelayMs int

	// Backoff controls poll skipping after runs of empty fetches.
	Backoff BackoffConfig

	// Topics maps topic name to its tag predicate and publisher fan-out.
	Topics map[string]TopicConfig
}

// BackoffConfig tunes the empty-poll backoff controller.
type BackoffConfig struct {
	Enabled    bool
	Threshold  int     // consecutive empty polls before skipping starts
	Multiplier float64 // growth factor per additional empty poll
	MaxSeconds int     // cap on the skipped time span
}

// TopicConfig names a subset of the event stream by tag predicates and lists
// the publishers that consume it. All three predicate forms combine with AND;
// an empty TopicConfig matches every event.
type TopicConfig struct {
	// RequiredTags lists tag keys that must all be present.
	RequiredTags []string

	// AnyOfTags lists tag keys of which at least one must be present.
	AnyOfTags []string

	// ExactTags lists key=value pairs that must all match exactly.
	ExactTags map[string]string

	// Publishers names the publishers driving this topic, one worker each.
	Publishers []string

	// PublisherConfigs carries per-publisher overrides.
	PublisherConfigs []PublisherOverride
}

// PublisherOverride adjusts worker settings for a single named publisher.
type PublisherOverride struct {
	Name              string
	PollingIntervalMs int
}

const (
	defaultPollingIntervalMs = 1000
	defaultBatchSize         = 100
	defaultMaxRetries        = 3
	defaultRetryDelayMs      = 5000
	defaultBackoffThreshold  = 10
	defaultBackoffMultiplier = 2.0
	defaultBackoffMaxSeconds = 60
)

// DefaultConfig returns an enabled config with default tuning and no topics.
func DefaultConfig() Config {
	c := Config{Enabled: true}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero-valued tuning fields in place.
func (c *Config) ApplyDefaults() {
	if c.PollingIntervalMs <= 0 {
		c.PollingIntervalMs = defaultPollingIntervalMs
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryDelayMs <= 0 {
		c.RetryDelayMs = defaultRetryDelayMs
	}
	if c.Backoff.Threshold <= 0 {
		c.Backoff.Threshold = defaultBackoffThreshold
	}
	if c.Backoff.Multiplier <= 1 {
		c.Backoff.Multiplier = defaultBackoffMultiplier
	}
	if c.Backoff.MaxSeconds <= 0 {
		c.Backoff.MaxSeconds = defaultBackoffMaxSeconds
	}
}

// Validate checks the config for inconsistencies that would produce broken
// workers. Call after ApplyDefaults.
func (c Config) Validate() error {
	if c.PollingIntervalMs <= 0 {
		return fmt.Errorf("outbox config: pollingIntervalMs must be positive, got %d", c.PollingIntervalMs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("outbox config: batchSize must be positive, got %d", c.BatchSize)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("outbox config: maxRetries must be positive, got %d", c.MaxRetries)
	}
	if c.RetryDelayMs <= 0 {
		return fmt.Errorf("outbox config: retryDelayMs must be positive, got %d", c.RetryDelayMs)
	}
	if c.Backoff.Enabled && c.Backoff.Multiplier <= 1 {
		return fmt.Errorf("outbox config: backoff multiplier must exceed 1, got %v", c.Backoff.Multiplier)
	}
	for name, topic := range c.Topics {
		if name == "" {
			return fmt.Errorf("outbox config: topic name must not be empty")
		}
		if err := topic.validate(name); err != nil {
			return err
		}
	}
	return nil
}

func (t TopicConfig) validate(name string) error {
	if len(t.Publishers) == 0 {
		return fmt.Errorf("outbox config: topic %q has no publishers", name)
	}
	seen := make(map[string]bool, len(t.Publishers))
	for _, p := range t.Publishers {
		if p == "" {
			return fmt.Errorf("outbox config: topic %q has an empty publisher name", name)
		}
		if seen[p] {
			return fmt.Errorf("outbox config: topic %q lists publisher %q twice", name, p)
		}
		seen[p] = true
	}
	for _, o := range t.PublisherConfigs {
		if !seen[o.Name] {
			return fmt.Errorf("outbox config: topic %q overrides unknown publisher %q", name, o.Name)
		}
	}
	for _, key := range t.RequiredTags {
		if key == "" {
			return fmt.Errorf("outbox config: topic %q has an empty requiredTags key", name)
		}
	}
	for _, key := range t.AnyOfTags {
		if key == "" {
			return fmt.Errorf("outbox config: topic %q has an empty anyOfTags key", name)
		}
	}
	for key, value := range t.ExactTags {
		if key == "" || value == "" {
			return fmt.Errorf("outbox config: topic %q has an empty exactTags entry", name)
		}
	}
	return nil
}

// PollingInterval resolves the cycle wait for a publisher within a topic,
// falling back to the global default when there is no override.
func (c Config) PollingInterval(topic, publisher string) time.Duration {
	if t, ok := c.Topics[topic]; ok {
		for _, o := range t.PublisherConfigs {
			if o.Name == publisher && o.PollingIntervalMs > 0 {
				return time.Duration(o.PollingIntervalMs) * time.Millisecond
			}
		}
	}
	return time.Duration(c.PollingIntervalMs) * time.Millisecond
}

// RetryDelay returns the post-failure wait as a duration.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}
