package config

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Location sources.
const (
	SourceSerial = "serial"
	SourceMQTT   = "mqtt"
	SourceMock   = "mock"
)

// Config holds all application configuration values.
type Config struct {
	// Server
	ServerURL        string
	RequestTimeoutMs int
	TLSCertPath      string
	TLSKeyPath       string
	TLSCAPath        string
	Username         string
	Password         string

	// Heartbeat
	HeartbeatIntervalMs  int
	LocationDeadlineMs   int
	OfflineQueueCapacity int
	MaxSessionDurationMs int
	ConnectivityCheckMs  int

	// Location
	LocationSource string // "serial", "mqtt" or "mock"
	GPSSerialPort  string
	GPSBaudRate    int
	MockLatitude   float64
	MockLongitude  float64

	// MQTT
	MQTTBroker          string
	MQTTClientIDAgent   string
	MQTTClientIDGPS     string
	MQTTClientIDConsole string

	// Topics
	TopicGPS    string
	TopicNotify string
	NotifyMQTT  bool

	// Local state
	DeviceIDFile     string
	SessionClockFile string // empty: instances are not coordinated
	HistoryDBFile    string // empty: no history journal
	HistoryRetention int    // days of heartbeat history kept

	// Web Server
	WebServerPort int // 0 disables the status server

	// Wake lock
	WakeLockGPIO string // empty: no-op

	// Logging
	LogBufferSize int
	LogDebug      bool
}

// keys lists every accepted key, in the order ApplyEnv looks them up.
var keys = []string{
	"SERVER_URL", "REQUEST_TIMEOUT_MS", "TLS_CERT_PATH", "TLS_KEY_PATH", "TLS_CA_PATH",
	"USERNAME", "PASSWORD",
	"HEARTBEAT_INTERVAL_MS", "LOCATION_DEADLINE_MS", "OFFLINE_QUEUE_CAPACITY",
	"MAX_SESSION_DURATION_MS", "CONNECTIVITY_CHECK_INTERVAL_MS",
	"LOCATION_SOURCE", "GPS_SERIAL_PORT", "GPS_BAUD_RATE", "MOCK_LATITUDE", "MOCK_LONGITUDE",
	"MQTT_BROKER", "MQTT_CLIENT_ID_AGENT", "MQTT_CLIENT_ID_GPS", "MQTT_CLIENT_ID_CONSOLE",
	"TOPIC_GPS", "TOPIC_NOTIFY", "NOTIFY_MQTT",
	"DEVICE_ID_FILE", "SESSION_CLOCK_FILE", "HISTORY_DB_FILE", "HISTORY_RETENTION_DAYS",
	"WEB_SERVER_PORT", "WAKE_LOCK_GPIO",
	"LOG_BUFFER_SIZE", "LOG_DEBUG",
}

// Package-level singleton, set once by InitGlobal and read through Get.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Defaults returns a Config with every optional key at its default.
func Defaults() *Config {
	return &Config{
		RequestTimeoutMs:     15000,
		HeartbeatIntervalMs:  30 * 60 * 1000,
		LocationDeadlineMs:   60000,
		OfflineQueueCapacity: 5,
		ConnectivityCheckMs:  15000,
		LocationSource:       SourceSerial,
		GPSSerialPort:        "/dev/serial0",
		GPSBaudRate:          9600,
		MockLatitude:         47.3769,
		MockLongitude:        8.5417,
		MQTTBroker:           "tcp://localhost:1883",
		MQTTClientIDAgent:    "presence-agent",
		MQTTClientIDGPS:      "presence-gps-producer",
		MQTTClientIDConsole:  "presence-console",
		TopicGPS:             "presence/gps",
		TopicNotify:          "presence/notify",
		DeviceIDFile:         "device_id.txt",
		HistoryRetention:     30,
		LogBufferSize:        200,
	}
}

// Load reads the configuration file on top of Defaults and returns the
// validated Config.
func Load(configPath string) (*Config, error) {
	cfg, err := parse(configPath)
	if err != nil {
		return nil, err
	}

	// Validate required fields
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWithEnv is Load with environment overrides applied before
// validation. A missing file means defaults plus environment.
func LoadWithEnv(configPath string) (*Config, error) {
	cfg, err := parse(configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = Defaults(), nil
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := Defaults()
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides values with environment variables of the same name.
// lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	for _, key := range keys {
		value, ok := lookup(key)
		if !ok {
			continue
		}
		if err := c.setValue(key, strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("environment: %w", err)
		}
	}
	return nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	switch key {
	// Server
	case "SERVER_URL":
		c.ServerURL = value
	case "REQUEST_TIMEOUT_MS":
		return setPositiveInt(&c.RequestTimeoutMs, key, value)
	case "TLS_CERT_PATH":
		c.TLSCertPath = value
	case "TLS_KEY_PATH":
		c.TLSKeyPath = value
	case "TLS_CA_PATH":
		c.TLSCAPath = value
	case "USERNAME":
		c.Username = value
	case "PASSWORD":
		c.Password = value

	// Heartbeat
	case "HEARTBEAT_INTERVAL_MS":
		return setPositiveInt(&c.HeartbeatIntervalMs, key, value)
	case "LOCATION_DEADLINE_MS":
		return setPositiveInt(&c.LocationDeadlineMs, key, value)
	case "OFFLINE_QUEUE_CAPACITY":
		return setPositiveInt(&c.OfflineQueueCapacity, key, value)
	case "MAX_SESSION_DURATION_MS":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must not be negative, got %d", key, v)
		}
		c.MaxSessionDurationMs = v
	case "CONNECTIVITY_CHECK_INTERVAL_MS":
		return setPositiveInt(&c.ConnectivityCheckMs, key, value)

	// Location
	case "LOCATION_SOURCE":
		switch value {
		case SourceSerial, SourceMQTT, SourceMock:
			c.LocationSource = value
		default:
			return fmt.Errorf("LOCATION_SOURCE must be serial, mqtt or mock, got %q", value)
		}
	case "GPS_SERIAL_PORT":
		c.GPSSerialPort = value
	case "GPS_BAUD_RATE":
		return setPositiveInt(&c.GPSBaudRate, key, value)
	case "MOCK_LATITUDE":
		lat, err := strconv.ParseFloat(value, 64)
		if err != nil || lat < -90 || lat > 90 {
			return fmt.Errorf("invalid MOCK_LATITUDE %q", value)
		}
		c.MockLatitude = lat
	case "MOCK_LONGITUDE":
		lon, err := strconv.ParseFloat(value, 64)
		if err != nil || lon < -180 || lon > 180 {
			return fmt.Errorf("invalid MOCK_LONGITUDE %q", value)
		}
		c.MockLongitude = lon

	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_AGENT":
		c.MQTTClientIDAgent = value
	case "MQTT_CLIENT_ID_GPS":
		c.MQTTClientIDGPS = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value

	// Topics
	case "TOPIC_GPS":
		c.TopicGPS = value
	case "TOPIC_NOTIFY":
		c.TopicNotify = value
	case "NOTIFY_MQTT":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid NOTIFY_MQTT %q: %w", value, err)
		}
		c.NotifyMQTT = b

	// Local state
	case "DEVICE_ID_FILE":
		c.DeviceIDFile = value
	case "SESSION_CLOCK_FILE":
		c.SessionClockFile = value
	case "HISTORY_DB_FILE":
		c.HistoryDBFile = value
	case "HISTORY_RETENTION_DAYS":
		return setPositiveInt(&c.HistoryRetention, key, value)

	// Web Server
	case "WEB_SERVER_PORT":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid WEB_SERVER_PORT %q: %w", value, err)
		}
		if port < 0 || port > 65535 {
			return fmt.Errorf("WEB_SERVER_PORT must be 0-65535, got %d", port)
		}
		c.WebServerPort = port

	// Wake lock
	case "WAKE_LOCK_GPIO":
		c.WakeLockGPIO = value

	// Logging
	case "LOG_BUFFER_SIZE":
		return setPositiveInt(&c.LogBufferSize, key, value)
	case "LOG_DEBUG":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid LOG_DEBUG %q: %w", value, err)
		}
		c.LogDebug = b

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return nil
}

func setPositiveInt(dst *int, key, value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if v <= 0 {
		return fmt.Errorf("%s must be positive, got %d", key, v)
	}
	*dst = v
	return nil
}

// validate checks that all required fields are set.
func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SERVER_URL is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("SERVER_URL must be an http(s) URL, got %q", c.ServerURL)
	}
	tls := 0
	for _, p := range []string{c.TLSCertPath, c.TLSKeyPath, c.TLSCAPath} {
		if p != "" {
			tls++
		}
	}
	if tls != 0 && tls != 3 {
		return fmt.Errorf("TLS_CERT_PATH, TLS_KEY_PATH and TLS_CA_PATH must be set together")
	}
	if c.LocationSource == SourceSerial && c.GPSSerialPort == "" {
		return fmt.Errorf("GPS_SERIAL_PORT is required")
	}
	if (c.LocationSource == SourceMQTT || c.NotifyMQTT) && c.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is required")
	}
	if c.LocationDeadlineMs >= c.HeartbeatIntervalMs {
		return fmt.Errorf("LOCATION_DEADLINE_MS (%d) must be shorter than HEARTBEAT_INTERVAL_MS (%d)",
			c.LocationDeadlineMs, c.HeartbeatIntervalMs)
	}
	return nil
}

// Durations derived from the millisecond keys.

func (c *Config) HeartbeatInterval() time.Duration         { return ms(c.HeartbeatIntervalMs) }
func (c *Config) LocationDeadline() time.Duration          { return ms(c.LocationDeadlineMs) }
func (c *Config) RequestTimeout() time.Duration            { return ms(c.RequestTimeoutMs) }
func (c *Config) MaxSessionDuration() time.Duration        { return ms(c.MaxSessionDurationMs) }
func (c *Config) ConnectivityCheckInterval() time.Duration { return ms(c.ConnectivityCheckMs) }
func (c *Config) HistoryRetentionPeriod() time.Duration    { return time.Duration(c.HistoryRetention) * 24 * time.Hour }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// InitGlobal initializes the global configuration from file and environment.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = LoadWithEnv(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
