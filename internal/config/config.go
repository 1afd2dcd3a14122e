package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/lsm/booking-relay/internal/circuitbreaker"
	"github.com/lsm/booking-relay/internal/kafka"
	httpsink "github.com/lsm/booking-relay/internal/sink/http"
)

const (
	// EnvConfigPath names the YAML file to load.
	EnvConfigPath = "RELAY_CONFIG"
	// EnvPublishURL is the destination endpoint. It overrides publish.url.
	EnvPublishURL = "PUBLISH_URL"

	DefaultPath = "/etc/booking-relay/relay.yaml"

	SourceHTTP  = "http"
	SourceKafka = "kafka"
)

// Config is the relay configuration file.
type Config struct {
	Publish PublishConfig `yaml:"publish"`
	Source  SourceConfig  `yaml:"source"`
	// Filter is an optional CEL expression over the decoded event. Only
	// booking_completed events for which it returns true are published.
	Filter string `yaml:"filter,omitempty"`
}

// PublishConfig configures the outbound HTTP publisher.
type PublishConfig struct {
	URL            string                   `yaml:"url,omitempty"`
	Timeout        time.Duration            `yaml:"timeout,omitempty"`
	MaxInFlight    int                      `yaml:"maxInFlight,omitempty"`
	RateLimit      httpsink.RateLimitConfig `yaml:"rateLimit,omitempty"`
	CircuitBreaker circuitbreaker.Config    `yaml:"circuitBreaker,omitempty"`
}

// SourceConfig selects and configures the invocation runtime.
type SourceConfig struct {
	Type  string            `yaml:"type"`
	HTTP  HTTPSourceConfig  `yaml:"http,omitempty"`
	Kafka KafkaSourceConfig `yaml:"kafka,omitempty"`
}

// HTTPSourceConfig configures the HTTP runtime.
type HTTPSourceConfig struct {
	ListenAddr string `yaml:"listenAddr"`
	Path       string `yaml:"path,omitempty"`
}

// KafkaSourceConfig configures the Kafka runtime.
type KafkaSourceConfig struct {
	Cluster        kafka.ClusterConfig `yaml:"cluster"`
	Topic          string              `yaml:"topic"`
	ConsumerGroup  string              `yaml:"consumerGroup"`
	StartOffset    string              `yaml:"startOffset,omitempty"`
	Base64Encoded  bool                `yaml:"base64Encoded,omitempty"`
	SkipTopicCheck bool                `yaml:"skipTopicCheck,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Publish: PublishConfig{
			Timeout:     10 * time.Second,
			MaxInFlight: 8,
		},
		Source: SourceConfig{
			Type: SourceHTTP,
			HTTP: HTTPSourceConfig{ListenAddr: ":8080", Path: "/"},
		},
	}
}

// Path returns the configuration file path from the environment.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultPath
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors. An empty publish.url is
// valid: the endpoint may come from the environment, and a missing endpoint
// is reported per batch.
func (c *Config) Validate() error {
	var errs []error

	if c.Publish.URL != "" {
		if err := validateURL(c.Publish.URL); err != nil {
			errs = append(errs, fmt.Errorf("publish.url: %w", err))
		}
	}
	if c.Publish.Timeout < 0 {
		errs = append(errs, errors.New("publish.timeout must not be negative"))
	}
	if c.Publish.MaxInFlight < 0 {
		errs = append(errs, errors.New("publish.maxInFlight must not be negative"))
	}
	if c.Publish.RateLimit.RPS < 0 || c.Publish.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("publish.rateLimit values must not be negative"))
	}
	if c.Publish.CircuitBreaker.FailureThreshold < 0 || c.Publish.CircuitBreaker.SuccessThreshold < 0 {
		errs = append(errs, errors.New("publish.circuitBreaker thresholds must not be negative"))
	}

	switch c.Source.Type {
	case SourceHTTP:
		if c.Source.HTTP.ListenAddr == "" {
			errs = append(errs, errors.New("source.http.listenAddr is required"))
		}
		if p := c.Source.HTTP.Path; p != "" && !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("source.http.path %q must start with /", p))
		}
	case SourceKafka:
		k := c.Source.Kafka
		if err := k.Cluster.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("source.kafka.cluster: %w", err))
		}
		if k.Topic == "" {
			errs = append(errs, errors.New("source.kafka.topic is required"))
		}
		if k.ConsumerGroup == "" {
			errs = append(errs, errors.New("source.kafka.consumerGroup is required"))
		}
		if k.StartOffset != "" && k.StartOffset != "earliest" && k.StartOffset != "latest" {
			errs = append(errs, fmt.Errorf("source.kafka.startOffset %q must be earliest or latest", k.StartOffset))
		}
	default:
		errs = append(errs, fmt.Errorf("source.type %q must be %s or %s", c.Source.Type, SourceHTTP, SourceKafka))
	}

	return errors.Join(errs...)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}

// Loader loads the configuration file and reloads it on change.
type Loader struct {
	mu       sync.RWMutex
	current  *Config
	path     string
	logger   *slog.Logger
	onChange func(*Config)
	getenv   func(string) string
}

// NewLoader creates a loader for the file at path.
func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		current: Default(),
		path:    path,
		logger:  logger,
		getenv:  os.Getenv,
	}
}

// OnChange registers a callback that fires after a successful reload.
func (l *Loader) OnChange(fn func(*Config)) {
	l.onChange = fn
}

// Load reads the configuration file. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		l.logger.Info("config file not found, using defaults", "path", l.path)
		cfg := Default()
		l.set(cfg)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", l.path, err)
	}
	l.set(cfg)
	return cfg, nil
}

func (l *Loader) set(cfg *Config) {
	l.mu.Lock()
	l.current = cfg
	l.mu.Unlock()
}

// Current returns the last successfully loaded configuration.
func (l *Loader) Current() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Endpoint returns the destination endpoint: PUBLISH_URL when set,
// otherwise publish.url from the current file. It is read on every call.
func (l *Loader) Endpoint() string {
	if v := strings.TrimSpace(l.getenv(EnvPublishURL)); v != "" {
		return v
	}
	return l.Current().Publish.URL
}

// Watch reloads the file when it changes. The parent directory is watched
// so atomic renames and mounted volume swaps are seen. Blocks until done is
// closed. A file that fails to load keeps the previous configuration.
func (l *Loader) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", dir, err)
	}

	l.logger.Info("watching config file", "path", l.path)

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !l.relevant(event) {
				continue
			}
			l.logger.Info("config change detected", "file", event.Name, "op", event.Op.String())
			cfg, err := l.Load()
			if err != nil {
				l.logger.Error("failed to reload config, keeping previous", "error", err)
				continue
			}
			if l.onChange != nil {
				l.onChange(cfg)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}

func (l *Loader) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	if filepath.Clean(event.Name) == filepath.Clean(l.path) {
		return true
	}
	// Kubernetes ConfigMap volumes swap a ..data symlink.
	return strings.HasPrefix(filepath.Base(event.Name), "..")
}
