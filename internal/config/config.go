package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"rtkbridge/internal/bridge"
	"rtkbridge/internal/gps"
	"rtkbridge/internal/link"
	"rtkbridge/internal/ntrip"
	"rtkbridge/internal/publish"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GNSS_"

type Config struct {
	NTRIP       NTRIPConfig       `yaml:"ntrip"`
	Link        LinkConfig        `yaml:"link"`
	Output      OutputConfig      `yaml:"output"`
	Positioning PositioningConfig `yaml:"positioning"`
	Logging     LoggingConfig     `yaml:"logging"`
	Web         WebConfig         `yaml:"web"`

	// Endpoint is resolved from Link by DefaultAndValidate.
	Endpoint link.Endpoint `yaml:"-"`
}

type NTRIPConfig struct {
	Server     string `yaml:"server"`
	Port       int    `yaml:"port"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	Mountpoint string `yaml:"mountpoint"`
	UserAgent  string `yaml:"user_agent"`

	Timeout          time.Duration `yaml:"timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	MaxRetries       int           `yaml:"max_retries"`

	Reconnect         *bool         `yaml:"reconnect"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`

	// CapturePath, when set, appends every correction chunk to a replay log.
	CapturePath string `yaml:"capture_path"`
}

type LinkConfig struct {
	// Port is a serial device path or a tcp://host:port descriptor.
	Port string `yaml:"port"`
	// Host selects TCP mode; the port is then TCPPort.
	Host    string `yaml:"host"`
	TCPPort int    `yaml:"tcp_port"`

	Baudrate int    `yaml:"baudrate"`
	DataBits int    `yaml:"data_bits"`
	Parity   string `yaml:"parity"`
	StopBits int    `yaml:"stop_bits"`

	Timeout      time.Duration `yaml:"timeout"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type OutputConfig struct {
	Type           string        `yaml:"type"`
	FilePath       string        `yaml:"file_path"`
	AtomicWrite    *bool         `yaml:"atomic_write"`
	UpdateInterval time.Duration `yaml:"update_interval"`

	MQTT MQTTOutputConfig `yaml:"mqtt"`

	// UDPDest is one or more comma-separated host:port destinations.
	UDPDest string `yaml:"udp_dest"`
}

type MQTTOutputConfig struct {
	Broker   string        `yaml:"broker"`
	ClientID string        `yaml:"client_id"`
	Topic    string        `yaml:"topic"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	QoS      int           `yaml:"qos"`
	Retained bool          `yaml:"retained"`
	Timeout  time.Duration `yaml:"timeout"`
}

type PositioningConfig struct {
	MinSatellites   int           `yaml:"min_satellites"`
	MinQuality      int           `yaml:"min_quality"`
	GGAInterval     time.Duration `yaml:"gga_interval"`
	PositionTimeout time.Duration `yaml:"position_timeout"`
	Talker          string        `yaml:"talker"`
	GeoidSep        *float64      `yaml:"geoid_sep"`
}

type LoggingConfig struct {
	// File, when set, receives a copy of the log output.
	File string `yaml:"file"`
}

type WebConfig struct {
	Enable *bool  `yaml:"enable"`
	Listen string `yaml:"listen"`
}

// Load reads path (YAML), applies GNSS_* environment overrides, then
// defaults and validation. An empty path starts from an empty document.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills defaults in place and returns the first
// validation error.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	n := &cfg.NTRIP
	n.Server = strings.TrimSpace(n.Server)
	if n.Server == "" {
		return fmt.Errorf("ntrip.server is required")
	}
	if n.Port == 0 {
		n.Port = 2101
	}
	if n.Port < 0 || n.Port > 65535 {
		return fmt.Errorf("ntrip.port out of range: %d", n.Port)
	}
	n.Mountpoint = strings.Trim(strings.TrimSpace(n.Mountpoint), "/")
	if n.Mountpoint == "" {
		return fmt.Errorf("ntrip.mountpoint is required")
	}
	if n.UserAgent == "" {
		n.UserAgent = ntrip.DefaultUserAgent
	}
	n.CapturePath = strings.TrimSpace(n.CapturePath)
	if n.Timeout <= 0 {
		n.Timeout = 30 * time.Second
	}
	if n.HandshakeTimeout <= 0 {
		n.HandshakeTimeout = 10 * time.Second
	}
	if n.ReadTimeout <= 0 {
		n.ReadTimeout = time.Second
	}
	if n.RetryDelay <= 0 {
		n.RetryDelay = time.Second
	}
	if n.MaxRetries <= 0 {
		n.MaxRetries = 3
	}
	if n.Reconnect == nil {
		n.Reconnect = boolPtr(true)
	}
	if n.ReconnectInterval <= 0 {
		n.ReconnectInterval = 5 * time.Second
	}

	if err := resolveLink(cfg); err != nil {
		return err
	}

	o := &cfg.Output
	o.Type = strings.ToLower(strings.TrimSpace(o.Type))
	if o.Type == "" {
		o.Type = publish.TargetFile
	}
	if o.UpdateInterval <= 0 {
		o.UpdateInterval = publish.DefaultInterval
	}
	if o.AtomicWrite == nil {
		o.AtomicWrite = boolPtr(true)
	}
	switch o.Type {
	case publish.TargetFile:
		if strings.TrimSpace(o.FilePath) == "" {
			o.FilePath = publish.DefaultFilePath
		}
	case publish.TargetCallback:
	case publish.TargetMQTT:
		if strings.TrimSpace(o.MQTT.Broker) == "" {
			return fmt.Errorf("output.mqtt.broker is required when output.type=mqtt")
		}
		if strings.TrimSpace(o.MQTT.Topic) == "" {
			return fmt.Errorf("output.mqtt.topic is required when output.type=mqtt")
		}
		if o.MQTT.QoS < 0 || o.MQTT.QoS > 2 {
			return fmt.Errorf("output.mqtt.qos must be 0, 1 or 2")
		}
	case publish.TargetUDP:
		if strings.TrimSpace(o.UDPDest) == "" {
			return fmt.Errorf("output.udp_dest is required when output.type=udp")
		}
	default:
		return fmt.Errorf("output.type unsupported: %q", o.Type)
	}

	p := &cfg.Positioning
	if p.MinSatellites < 0 {
		return fmt.Errorf("positioning.min_satellites must be >= 0")
	}
	if p.MinQuality < 0 {
		return fmt.Errorf("positioning.min_quality must be >= 0")
	}
	if p.GGAInterval <= 0 {
		p.GGAInterval = 30 * time.Second
	}
	if p.PositionTimeout <= 0 {
		p.PositionTimeout = 60 * time.Second
	}
	if p.Talker == "" {
		p.Talker = gps.DefaultReportOptions.Talker
	}
	if len(p.Talker) != 2 {
		return fmt.Errorf("positioning.talker must be two characters")
	}
	if p.GeoidSep == nil {
		sep := gps.DefaultReportOptions.GeoidSep
		p.GeoidSep = &sep
	}

	if cfg.Web.Enable == nil {
		cfg.Web.Enable = boolPtr(true)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = ":8080"
	}
	return nil
}

func resolveLink(cfg *Config) error {
	l := &cfg.Link
	if l.Baudrate == 0 {
		l.Baudrate = link.DefaultBaudRate
	}
	if l.Baudrate < 0 {
		return fmt.Errorf("link.baudrate must be > 0")
	}
	if l.Timeout <= 0 {
		l.Timeout = time.Second
	}
	if l.DialTimeout <= 0 {
		l.DialTimeout = 5 * time.Second
	}
	if l.WriteTimeout <= 0 {
		l.WriteTimeout = 2 * time.Second
	}

	var (
		ep  link.Endpoint
		err error
	)
	switch {
	case strings.TrimSpace(l.Host) != "":
		port := l.TCPPort
		if port == 0 {
			port = link.DefaultTCPPort
		}
		ep = link.TCPEndpoint(strings.TrimSpace(l.Host), port)
		err = ep.Validate()
	case strings.TrimSpace(l.Port) != "":
		ep, err = link.ParseEndpoint(l.Port, l.Baudrate)
	default:
		return fmt.Errorf("link.port or link.host is required")
	}
	if err != nil {
		return fmt.Errorf("link: %w", err)
	}

	if ep.Kind == link.KindSerial {
		if l.DataBits != 0 {
			ep.DataBits = l.DataBits
		}
		if l.Parity != "" {
			ep.Parity = strings.ToUpper(l.Parity)
		}
		if l.StopBits != 0 {
			ep.StopBits = l.StopBits
		}
		if err := ep.Validate(); err != nil {
			return fmt.Errorf("link: %w", err)
		}
	}
	cfg.Endpoint = ep
	return nil
}

// applyEnv overlays GNSS_* variables. A set SERIAL_HOST switches the link to
// TCP and SERIAL_PORT becomes its port number.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
		return nil
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = d
		return nil
	}

	str("NTRIP_SERVER", &cfg.NTRIP.Server)
	if err := num("NTRIP_PORT", &cfg.NTRIP.Port); err != nil {
		return err
	}
	str("NTRIP_USERNAME", &cfg.NTRIP.Username)
	str("NTRIP_PASSWORD", &cfg.NTRIP.Password)
	str("NTRIP_MOUNTPOINT", &cfg.NTRIP.Mountpoint)
	str("NTRIP_CAPTURE_PATH", &cfg.NTRIP.CapturePath)

	str("SERIAL_HOST", &cfg.Link.Host)
	if strings.TrimSpace(cfg.Link.Host) != "" {
		if err := num("SERIAL_PORT", &cfg.Link.TCPPort); err != nil {
			return err
		}
	} else {
		str("SERIAL_PORT", &cfg.Link.Port)
	}
	if err := num("SERIAL_BAUDRATE", &cfg.Link.Baudrate); err != nil {
		return err
	}

	str("OUTPUT_TYPE", &cfg.Output.Type)
	str("OUTPUT_FILE", &cfg.Output.FilePath)
	if v, ok := lookup(EnvPrefix + "ATOMIC_WRITE"); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%sATOMIC_WRITE: %w", EnvPrefix, err)
		}
		cfg.Output.AtomicWrite = &b
	}
	if err := dur("UPDATE_INTERVAL", &cfg.Output.UpdateInterval); err != nil {
		return err
	}
	if err := dur("GGA_INTERVAL", &cfg.Positioning.GGAInterval); err != nil {
		return err
	}
	str("LOG_FILE", &cfg.Logging.File)
	str("WEB_LISTEN", &cfg.Web.Listen)
	return nil
}

// parseSeconds accepts a Go duration ("1500ms") or plain seconds ("1.5").
func parseSeconds(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	if f < 0 {
		return 0, fmt.Errorf("negative duration %q", v)
	}
	return time.Duration(f * float64(time.Second)), nil
}

func boolPtr(v bool) *bool { return &v }

func (c Config) NTRIPClient() ntrip.Config {
	return ntrip.Config{
		Host:             c.NTRIP.Server,
		Port:             c.NTRIP.Port,
		Username:         c.NTRIP.Username,
		Password:         c.NTRIP.Password,
		Mountpoint:       c.NTRIP.Mountpoint,
		UserAgent:        c.NTRIP.UserAgent,
		DialTimeout:      c.NTRIP.Timeout,
		HandshakeTimeout: c.NTRIP.HandshakeTimeout,
		RetryDelay:       c.NTRIP.RetryDelay,
	}
}

func (c Config) LinkOptions() link.Options {
	return link.Options{
		DialTimeout:  c.Link.DialTimeout,
		WriteTimeout: c.Link.WriteTimeout,
	}
}

// Publisher maps the output section. Callback targets need the caller to
// set Callback before publish.New.
func (c Config) Publisher() publish.Config {
	return publish.Config{
		Target:      c.Output.Type,
		Interval:    c.Output.UpdateInterval,
		FilePath:    c.Output.FilePath,
		AtomicWrite: c.Output.AtomicWrite == nil || *c.Output.AtomicWrite,
		MQTT: publish.MQTTConfig{
			Broker:   c.Output.MQTT.Broker,
			ClientID: c.Output.MQTT.ClientID,
			Topic:    c.Output.MQTT.Topic,
			Username: c.Output.MQTT.Username,
			Password: c.Output.MQTT.Password,
			QoS:      byte(c.Output.MQTT.QoS),
			Retained: c.Output.MQTT.Retained,
			Timeout:  c.Output.MQTT.Timeout,
		},
		UDPAddr:       c.Output.UDPDest,
		MinSatellites: c.Positioning.MinSatellites,
		MinQuality:    c.Positioning.MinQuality,
	}
}

func (c Config) BridgeOptions() bridge.Options {
	opts := bridge.DefaultOptions()
	opts.ConnectAttempts = c.NTRIP.MaxRetries
	opts.ReportInterval = c.Positioning.GGAInterval
	opts.CorrectionReadTimeout = c.NTRIP.ReadTimeout
	opts.LineReadTimeout = c.Link.Timeout
	opts.Reconnect = c.NTRIP.Reconnect == nil || *c.NTRIP.Reconnect
	opts.ReconnectInterval = c.NTRIP.ReconnectInterval
	opts.PositionTimeout = c.Positioning.PositionTimeout
	opts.Report.Talker = c.Positioning.Talker
	if c.Positioning.GeoidSep != nil {
		opts.Report.GeoidSep = *c.Positioning.GeoidSep
	}
	return opts
}
