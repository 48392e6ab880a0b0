package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"teleconsult/native/internal/domain"

	"github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
	"github.com/joho/godotenv"
)

const (
	TransportRelay     = "relay"
	TransportBroadcast = "broadcast"

	CaptureSynthetic = "synthetic"
	CaptureDevice    = "device"

	// ReconnectUnset marks ReconnectAttempts as not configured. Zero is a
	// valid setting: report disconnects without retrying.
	ReconnectUnset = -1
)

// Config holds the settings of both binaries. Values come from an optional
// YAML file, then the environment (CONSULT_*), then defaults.
type Config struct {
	// Relay server.
	ListenAddr     string `yaml:"listen_addr" env:"CONSULT_LISTEN_ADDR"`
	AllowedOrigins string `yaml:"allowed_origins" env:"CONSULT_ALLOWED_ORIGINS"`
	JWTSecret      string `yaml:"jwt_secret" env:"CONSULT_JWT_SECRET"`
	TicketTTL      string `yaml:"ticket_ttl" env:"CONSULT_TICKET_TTL"`
	RedisAddr      string `yaml:"redis_addr" env:"CONSULT_REDIS_ADDR"`
	RedisPassword  string `yaml:"redis_password" env:"CONSULT_REDIS_PASSWORD"`
	RedisDB        int    `yaml:"redis_db" env:"CONSULT_REDIS_DB"`
	RoomCapacity   int    `yaml:"room_capacity" env:"CONSULT_ROOM_CAPACITY"`

	// Participant.
	SignalURL         string `yaml:"signal_url" env:"CONSULT_SIGNAL_URL"`
	APIURL            string `yaml:"api_url" env:"CONSULT_API_URL"`
	Transport         string `yaml:"transport" env:"CONSULT_TRANSPORT"`
	STUNServers       string `yaml:"stun_servers" env:"CONSULT_STUN_SERVERS"`
	ReconnectAttempts int    `yaml:"reconnect_attempts" env:"CONSULT_RECONNECT_ATTEMPTS"`
	StrictOfferFilter bool   `yaml:"strict_offer_filter" env:"CONSULT_STRICT_OFFER_FILTER"`
	UserID            string `yaml:"user_id" env:"CONSULT_USER_ID"`
	Role              string `yaml:"role" env:"CONSULT_ROLE"`
	RoomID            string `yaml:"room_id" env:"CONSULT_ROOM_ID"`
	CaptureSource     string `yaml:"capture_source" env:"CONSULT_CAPTURE_SOURCE"`
}

// Load reads configuration from a .env file (if present), the YAML file at
// path (if set) and environment variables. Environment variables take
// precedence over the file.
func Load(path string) (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := &Config{ReconnectAttempts: ReconnectUnset}
	c := config.New()
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
		c.AddFeeder(feeder.Yaml{Path: path})
	}
	c.AddFeeder(feeder.Env{})

	if err := c.AddStruct(cfg).Feed(); err != nil {
		return nil, fmt.Errorf("feed config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills empty fields and an unset ReconnectAttempts.
func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.TicketTTL == "" {
		c.TicketTTL = "1h"
	}
	if c.RoomCapacity <= 0 {
		c.RoomCapacity = 2
	}
	if c.SignalURL == "" {
		c.SignalURL = "ws://localhost:8080/ws"
	}
	if c.Transport == "" {
		c.Transport = TransportRelay
	}
	if c.ReconnectAttempts == ReconnectUnset {
		c.ReconnectAttempts = 5
	}
	if c.Role == "" {
		c.Role = string(domain.RolePatient)
	}
	if c.CaptureSource == "" {
		c.CaptureSource = CaptureSynthetic
	}
}

// Validate rejects unknown enumerations and malformed durations.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportRelay, TransportBroadcast:
	default:
		return fmt.Errorf("transport must be %s or %s, got %q", TransportRelay, TransportBroadcast, c.Transport)
	}
	switch c.CaptureSource {
	case CaptureSynthetic, CaptureDevice:
	default:
		return fmt.Errorf("capture source must be %s or %s, got %q", CaptureSynthetic, CaptureDevice, c.CaptureSource)
	}
	if !domain.Role(c.Role).Valid() {
		return fmt.Errorf("role must be doctor or patient, got %q", c.Role)
	}
	if _, err := time.ParseDuration(c.TicketTTL); err != nil {
		return fmt.Errorf("ticket ttl: %w", err)
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect attempts must not be negative")
	}
	return nil
}

// TTL returns the ticket lifetime.
func (c *Config) TTL() time.Duration {
	d, _ := time.ParseDuration(c.TicketTTL)
	return d
}

// Origins returns the allowed CORS origins.
func (c *Config) Origins() []string {
	return splitList(c.AllowedOrigins)
}

// ICEServers returns the configured STUN servers, or the public defaults.
func (c *Config) ICEServers() []domain.ICEServer {
	urls := splitList(c.STUNServers)
	if len(urls) == 0 {
		return domain.DefaultICEServers
	}
	servers := make([]domain.ICEServer, 0, len(urls))
	for _, u := range urls {
		servers = append(servers, domain.ICEServer{URLs: []string{u}})
	}
	return servers
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
