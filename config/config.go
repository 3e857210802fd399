// Package config loads command link settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/RoanBrand/CommandLink/logging"
	"github.com/RoanBrand/CommandLink/protocol"
)

const DefaultFile = "commandlink.yaml"

var ErrUnknownTransport = errors.New("unknown transport")

// Transport names accepted in the config and on the command line.
const (
	TransportTCP       = "tcp"
	TransportUDP       = "udp"
	TransportMulticast = "multicastudp"
	TransportSerial    = "serial"
)

// Config is the whole configuration.
type Config struct {
	Transport string `yaml:"transport"`
	Listen    bool   `yaml:"listen"`
	// Reopen keeps a serial listener running across port failures.
	Reopen  bool   `yaml:"reopen"`
	TempDir string `yaml:"temp_dir"`

	Link    LinkConfig     `yaml:"link"`
	Net     NetConfig      `yaml:"net"`
	Serial  SerialConfig   `yaml:"serial"`
	Log     logging.Config `yaml:"log"`
	Metrics MetricsConfig  `yaml:"metrics"`

	// Variables are shared with listeners and may be changed by set, increment, goto and play.
	Variables map[string]interface{} `yaml:"variables"`
}

// LinkConfig holds the framing and retry options. Times are in seconds.
type LinkConfig struct {
	Header       string  `yaml:"header"`
	Timeout      float64 `yaml:"timeout"`
	Delay        float64 `yaml:"delay"`
	Tries        int     `yaml:"tries"`
	WaitStr      string  `yaml:"waitstr"`
	Wrap         bool    `yaml:"wrap"`
	AutoClose    bool    `yaml:"autoclose"`
	LinkResponds *bool   `yaml:"link_responds"` // unset: decided by the transport
	UniParse     bool    `yaml:"uniparse"`
	Raw          bool    `yaml:"raw"`
	Encoding     string  `yaml:"encoding"`
}

type NetConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Group string `yaml:"group"` // multicast group address
	TTL   int    `yaml:"ttl"`
}

type SerialConfig struct {
	Port     string  `yaml:"port"`  // device name; overrides Index
	Index    int     `yaml:"index"` // 0 is COM1 or /dev/ttyS0
	Baud     int     `yaml:"baud"`
	Size     int     `yaml:"size"`
	Parity   string  `yaml:"parity"`
	StopBits float64 `yaml:"stopbits"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

func DefaultConfig() *Config {
	return &Config{
		Transport: TransportTCP,
		Reopen:    true,
		Link: LinkConfig{
			Header:   protocol.DefaultHeader,
			Timeout:  protocol.DefaultTimeout.Seconds(),
			Tries:    5,
			Wrap:     true,
			UniParse: true,
			Encoding: "utf-8",
		},
		Net: NetConfig{
			Host:  "localhost",
			Port:  protocol.DefaultPort,
			Group: protocol.DefaultMulticastGroup,
			TTL:   protocol.DefaultMulticastTTL,
		},
		Serial: SerialConfig{
			Baud:     9600,
			Size:     8,
			Parity:   "N",
			StopBits: 1,
		},
		Log: logging.Config{
			Level:      "warn",
			MaxSize:    10,
			MaxBackups: 10,
			MaxAge:     7,
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9108",
			Path:   "/metrics",
		},
		Variables: map[string]interface{}{},
	}
}

// Load reads path over the defaults. A relative path not found in the working
// directory is looked up next to the executable; a missing file yields the defaults.
// The result is not validated, so command line overrides can still fix it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	path = locate(path)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Locate returns where Load would read path from and whether that file exists.
func Locate(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	path = locate(path)
	return path, fileExists(path)
}

func locate(path string) string {
	if filepath.IsAbs(path) || fileExists(path) {
		return path
	}
	exePath, err := os.Executable()
	if err != nil {
		return path
	}
	if p := filepath.Join(filepath.Dir(exePath), path); fileExists(p) {
		return p
	}
	return path
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// NormalizeTransport folds case and drops dashes, so "Multicast-UDP" is "multicastudp".
func NormalizeTransport(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "")
}

func (c *Config) Validate() error {
	switch NormalizeTransport(c.Transport) {
	case TransportTCP, TransportUDP, TransportMulticast, TransportSerial:
	default:
		return fmt.Errorf("%w %q", ErrUnknownTransport, c.Transport)
	}
	if c.Link.Timeout < 0 {
		return fmt.Errorf("link.timeout must not be negative")
	}
	if c.Link.Delay < 0 {
		return fmt.Errorf("link.delay must not be negative")
	}
	if c.Link.Tries < 1 {
		return fmt.Errorf("link.tries must be at least 1, got %d", c.Link.Tries)
	}
	if c.Net.Port < 0 || c.Net.Port > 65535 {
		return fmt.Errorf("net.port %d out of range", c.Net.Port)
	}
	if c.Net.TTL < 0 || c.Net.TTL > 255 {
		return fmt.Errorf("net.ttl %d out of range", c.Net.TTL)
	}
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("serial.baud must be positive")
	}
	if c.Serial.Size != 0 && (c.Serial.Size < 5 || c.Serial.Size > 8) {
		return fmt.Errorf("serial.size must be 5 to 8, got %d", c.Serial.Size)
	}
	if _, ok := logging.ParseLevel(c.Log.Level); c.Log.Level != "" && !ok {
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	return nil
}

// LinkOptions converts the link section to protocol options.
func (c *Config) LinkOptions() protocol.Options {
	opts := protocol.DefaultOptions()
	opts.Header = c.Link.Header
	opts.Timeout = seconds(c.Link.Timeout)
	opts.Delay = seconds(c.Link.Delay)
	opts.Tries = c.Link.Tries
	opts.WaitStr = c.Link.WaitStr
	opts.Wrap = c.Link.Wrap
	opts.AutoClose = c.Link.AutoClose
	if c.Link.LinkResponds != nil {
		opts.Responds = *c.Link.LinkResponds
	}
	opts.UniParse = c.Link.UniParse
	opts.Raw = c.Link.Raw
	opts.Encoding = c.Link.Encoding
	return opts
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func GenerateExampleConfig() string {
	return `# Command link configuration.

# tcp, udp, multicast-udp or serial
transport: tcp
# true to serve commands instead of sending them
listen: false
# serial listeners reopen the port after a failure
reopen: true
# trigger files written by the play command go here (default: system temp dir)
temp_dir: ""

link:
  header: "SCMD "
  timeout: 3        # seconds
  delay: 0          # seconds, split around each send; applied before each received command
  tries: 5
  waitstr: ""       # prompt to wait for after connecting
  wrap: true
  autoclose: false
  # link_responds: true   # default: tcp and serial respond, udp does not
  uniparse: true
  raw: false
  encoding: utf-8

net:
  host: localhost
  port: 7700
  group: 225.100.100.100   # multicast only
  ttl: 2                   # multicast only

serial:
  port: ""          # e.g. COM3 or /dev/ttyUSB0; empty uses index
  index: 0
  baud: 9600
  size: 8
  parity: N
  stopbits: 1

log:
  level: warn       # debug, info, warn, error, critical
  file_path: ""     # directory for a rotating log file
  max_size: 10
  max_backups: 10
  max_age: 7
  compress: false

metrics:
  enabled: false
  listen: 127.0.0.1:9108
  path: /metrics

# variables shared with set, increment, goto and play
variables:
  gotopage: ""
  controlstring: ""
  controltrigger_i: 0
`
}

func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
