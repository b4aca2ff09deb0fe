// Package config handles configuration loading for the B2 S/MIME service.
//
// Configuration is loaded from a YAML file with support for environment
// variable expansion (${VAR} or $VAR syntax), or built from environment
// variables alone when no file is given. This allows the API key and
// database credentials to be injected at runtime.
//
// # Configuration Sections
//
//   - server: HTTP listener and API key
//   - certificates: persistent and bundled certificate directories, prefetch list
//   - directory: SESAM-Vitale LDAP annuaire settings
//   - storage: persistent tier backend (file, mongodb or redis)
//   - message: interchange message header values
//   - logging: level and output format
//   - observability: Prometheus metrics endpoint
//
// # Example Configuration
//
//	server:
//	  port: 3001
//	  apiKey: ${API_KEY}
//
//	certificates:
//	  dir: /app/certificates
//	  bundledDir: ./certificates
//
//	directory:
//	  url: ldap://annuaire.sesam-vitale.fr:389
//	  timeout: 30s
//
//	storage:
//	  type: mongodb
//	  mongodb:
//	    uri: ${MONGODB_URI}
//
// See [Load] for loading configuration from a file and [FromEnv] for the
// environment-only form.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// InlineCertificatePrefix is the prefix of environment variables carrying a
// PEM certificate for the organisation code that follows it
const InlineCertificatePrefix = "CPAM_CERT_"

// DefaultPrefetch lists the organisations whose certificates are fetched by
// the prefetch command when none are configured
var DefaultPrefetch = []string{
	"01511", "01751", "01972", "01971", "01973", "01974", "01975", "01976",
	"01131", "01261", "01371", "01381", "01831", "01911", "01921",
	"02131", "02161", "02171", "02561",
	"06200", "05051",
	"91131", "91561", "91631", "91831",
	"10980",
}

// Config is the root configuration structure
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Certificates CertificatesConfig `yaml:"certificates"`
	Directory    DirectoryConfig    `yaml:"directory"`
	Storage      StorageConfig      `yaml:"storage"`
	Message      MessageConfig      `yaml:"message"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"observability"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port         int           `yaml:"port"`
	APIKey       string        `yaml:"apiKey"` // compared with the X-API-Key header
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxBodyBytes int64         `yaml:"maxBodyBytes"`
	TLS          struct {
		Enabled  bool   `yaml:"enabled"`
		CertFile string `yaml:"certFile"`
		KeyFile  string `yaml:"keyFile"`
	} `yaml:"tls"`
}

// CertificatesConfig holds certificate cache settings
type CertificatesConfig struct {
	// Persistent directory, typically a mounted volume
	Dir string `yaml:"dir"`
	// Read-only certificates shipped with the service
	BundledDir string `yaml:"bundledDir"`
	// Organisations fetched by the prefetch command
	Prefetch []string `yaml:"prefetch"`
	// Pause between two prefetch lookups
	PrefetchDelay time.Duration `yaml:"prefetchDelay"`
	// PEM certificates keyed by organisation code, seeded into the cache at
	// startup. Populated from CPAM_CERT_<code> environment variables.
	Inline map[string]string `yaml:"inline"`
}

// DirectoryConfig holds LDAP annuaire settings
type DirectoryConfig struct {
	URL       string        `yaml:"url"`
	BaseDN    string        `yaml:"baseDN"`
	Domain    string        `yaml:"domain"`
	Attribute string        `yaml:"attribute"`
	Timeout   time.Duration `yaml:"timeout"`
	// Optional DNS server ("ip:port") used to resolve the annuaire host
	DNSServer string `yaml:"dnsServer"`
}

// StorageConfig selects the persistent certificate tier
type StorageConfig struct {
	// Type is "file" (default), "mongodb" or "redis"
	Type    string        `yaml:"type"`
	MongoDB MongoDBConfig `yaml:"mongodb"`
	Redis   RedisConfig   `yaml:"redis"`
}

// MongoDBConfig holds MongoDB connection settings
type MongoDBConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// MessageConfig holds interchange message settings
type MessageConfig struct {
	CipherID        string `yaml:"cipherId"`
	MessageIDDomain string `yaml:"messageIdDomain"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// MetricsConfig holds observability settings
type MetricsConfig struct {
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.addInlineCertificates(os.Environ())
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// FromEnv builds the configuration from environment variables: PORT,
// API_KEY, CERT_DIR, BUNDLED_CERT_DIR, LDAP_URL, LDAP_TIMEOUT, DNS_SERVER,
// MONGODB_URI, REDIS_URL, LOG_LEVEL, LOG_FORMAT, METRICS_ENABLED and
// CPAM_CERT_<code>.
func FromEnv() (*Config, error) {
	return fromEnviron(os.Environ())
}

func fromEnviron(environ []string) (*Config, error) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	var cfg Config
	if v := env["PORT"]; v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parsing PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := env["LDAP_TIMEOUT"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("parsing LDAP_TIMEOUT: %w", err)
		}
		cfg.Directory.Timeout = d
	}
	if v := env["METRICS_ENABLED"]; v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("parsing METRICS_ENABLED: %w", err)
		}
		cfg.Metrics.Metrics.Enabled = enabled
	}

	cfg.Server.APIKey = env["API_KEY"]
	cfg.Certificates.Dir = env["CERT_DIR"]
	cfg.Certificates.BundledDir = env["BUNDLED_CERT_DIR"]
	cfg.Directory.URL = env["LDAP_URL"]
	cfg.Directory.DNSServer = env["DNS_SERVER"]
	cfg.Logging.Level = env["LOG_LEVEL"]
	cfg.Logging.Format = env["LOG_FORMAT"]
	if uri := env["MONGODB_URI"]; uri != "" {
		cfg.Storage.Type = "mongodb"
		cfg.Storage.MongoDB.URI = uri
	}
	if url := env["REDIS_URL"]; url != "" && cfg.Storage.Type == "" {
		cfg.Storage.Type = "redis"
		cfg.Storage.Redis.URL = url
	}

	cfg.addInlineCertificates(environ)
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// addInlineCertificates collects CPAM_CERT_<code> variables. Entries already
// present in the file take precedence.
func (c *Config) addInlineCertificates(environ []string) {
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, InlineCertificatePrefix) || v == "" {
			continue
		}
		code := strings.TrimPrefix(k, InlineCertificatePrefix)
		if c.Certificates.Inline == nil {
			c.Certificates.Inline = make(map[string]string)
		}
		if _, exists := c.Certificates.Inline[code]; !exists {
			// Values set through env files often carry escaped newlines.
			c.Certificates.Inline[code] = strings.ReplaceAll(v, `\n`, "\n")
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 3001
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 50 << 20 // 50MB
	}
	if c.Certificates.Dir == "" {
		c.Certificates.Dir = "/app/certificates"
	}
	if c.Certificates.BundledDir == "" {
		c.Certificates.BundledDir = "./certificates"
	}
	if len(c.Certificates.Prefetch) == 0 {
		c.Certificates.Prefetch = append([]string(nil), DefaultPrefetch...)
	}
	if c.Certificates.PrefetchDelay == 0 {
		c.Certificates.PrefetchDelay = time.Second
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "file"
	}
	if c.Storage.MongoDB.Database == "" {
		c.Storage.MongoDB.Database = "b2smime"
	}
	if c.Storage.MongoDB.Collection == "" {
		c.Storage.MongoDB.Collection = "certificates"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Metrics.Metrics.Path == "" {
		c.Metrics.Metrics.Path = "/metrics"
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.certFile and server.tls.keyFile are required when TLS is enabled")
	}

	switch c.Storage.Type {
	case "file", "mongodb", "redis":
		// Valid types
	default:
		return fmt.Errorf("storage.type must be 'file', 'mongodb' or 'redis', got '%s'", c.Storage.Type)
	}

	if c.Storage.Type == "mongodb" && c.Storage.MongoDB.URI == "" {
		return fmt.Errorf("storage.mongodb.uri is required when type is 'mongodb'")
	}
	if c.Storage.Type == "redis" && c.Storage.Redis.URL == "" {
		return fmt.Errorf("storage.redis.url is required when type is 'redis'")
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be 'console' or 'json', got '%s'", c.Logging.Format)
	}

	for _, code := range c.Certificates.Prefetch {
		if _, err := strconv.ParseUint(code, 10, 64); err != nil || len(code) < 3 {
			return fmt.Errorf("certificates.prefetch: invalid organisation code %q", code)
		}
	}

	return nil
}

// InlineCodes returns the sorted codes of the inline certificates
func (c *Config) InlineCodes() []string {
	codes := make([]string, 0, len(c.Certificates.Inline))
	for code := range c.Certificates.Inline {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
