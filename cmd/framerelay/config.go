package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/matst80/framerelay/internal/frame"
	"github.com/matst80/framerelay/internal/intercept"
	"github.com/matst80/framerelay/internal/ratelimit"
	"github.com/matst80/framerelay/internal/relay"
	"github.com/spf13/cobra"
)

// Config holds all runtime configuration. It is read from an optional YAML file and
// then overridden by any flag set on the command line.
type Config struct {
	Listen    string `yaml:"listen"`
	Target    string `yaml:"target"`
	Metrics   string `yaml:"metrics"`
	Instance  string `yaml:"instance"`
	Debug     bool   `yaml:"debug"`
	LogFormat string `yaml:"log_format"`
	PcapOut   string `yaml:"pcap_out"`
	LogHTTP   bool   `yaml:"log_http"`

	Relay  RelayConfig  `yaml:"relay"`
	Filter FilterConfig `yaml:"filter"`
	Limits LimitsConfig `yaml:"limits"`
	Redis  RedisConfig  `yaml:"redis"`
}

type RelayConfig struct {
	URL              string `yaml:"url"`
	ReconnectDelay_  string `yaml:"reconnect_delay"`
	ResponseTimeout_ string `yaml:"response_timeout"`
	DialTimeout_     string `yaml:"dial_timeout"`
	WriteTimeout_    string `yaml:"write_timeout"`

	ReconnectDelay  time.Duration `yaml:"-"`
	ResponseTimeout time.Duration `yaml:"-"`
	DialTimeout     time.Duration `yaml:"-"`
	WriteTimeout    time.Duration `yaml:"-"`
}

type FilterConfig struct {
	IP       string `yaml:"ip"`
	PortLow  int    `yaml:"port_low"`
	PortHigh int    `yaml:"port_high"`
	// MaxFramePayload is the largest length field still trusted as framing.
	MaxFramePayload int `yaml:"max_frame_payload"`

	Filter intercept.Filter `yaml:"-"`
}

type LimitsConfig struct {
	GlobalRate    int `yaml:"global_rate"`
	PerClientRate int `yaml:"per_client_rate"`
	Burst         int `yaml:"burst"`
	MaxPerClient  int `yaml:"max_per_client"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	KeyTTL_  string `yaml:"key_ttl"`

	KeyTTL time.Duration `yaml:"-"`
}

func defaultConfig() Config {
	d := relay.DefaultConfig()
	return Config{
		Listen:    ":9200",
		Metrics:   ":9100",
		LogFormat: "json",
		Relay: RelayConfig{
			URL:              d.URL,
			ReconnectDelay_:  d.ReconnectDelay.String(),
			ResponseTimeout_: d.ResponseTimeout.String(),
			DialTimeout_:     d.DialTimeout.String(),
			WriteTimeout_:    d.WriteTimeout.String(),
		},
		Filter: FilterConfig{PortLow: 20000, PortHigh: 33000, MaxFramePayload: frame.DefaultMaxPayload},
		Redis:  RedisConfig{KeyTTL_: "2m"},
	}
}

func (c Config) relayConfig() relay.Config {
	return relay.Config{
		URL:             c.Relay.URL,
		ReconnectDelay:  c.Relay.ReconnectDelay,
		ResponseTimeout: c.Relay.ResponseTimeout,
		DialTimeout:     c.Relay.DialTimeout,
		WriteTimeout:    c.Relay.WriteTimeout,
	}
}

func (c Config) limiterConfig() ratelimit.Config {
	return ratelimit.Config(c.Limits)
}

// loadConfig reads path (if any) over the defaults, applies changed flags and validates.
func loadConfig(path string, apply func(*Config)) (*Config, error) {
	c := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if apply != nil {
		apply(&c)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func parseDuration(name, v string, errs *[]error) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %v", name, err))
		return 0
	}
	if d <= 0 {
		*errs = append(*errs, fmt.Errorf("%s must be positive", name))
	}
	return d
}

func (c *Config) validate() error {
	var allErrors []error
	if c.Target == "" {
		allErrors = append(allErrors, fmt.Errorf("target is required"))
	} else if _, _, err := net.SplitHostPort(c.Target); err != nil {
		allErrors = append(allErrors, fmt.Errorf("target: %v", err))
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		allErrors = append(allErrors, fmt.Errorf("listen: %v", err))
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		allErrors = append(allErrors, fmt.Errorf("log_format must be 'json' or 'console'"))
	}

	if !strings.HasPrefix(c.Relay.URL, "ws://") && !strings.HasPrefix(c.Relay.URL, "wss://") {
		allErrors = append(allErrors, fmt.Errorf("relay.url must be a ws:// or wss:// url"))
	}
	c.Relay.ReconnectDelay = parseDuration("relay.reconnect_delay", c.Relay.ReconnectDelay_, &allErrors)
	c.Relay.ResponseTimeout = parseDuration("relay.response_timeout", c.Relay.ResponseTimeout_, &allErrors)
	c.Relay.DialTimeout = parseDuration("relay.dial_timeout", c.Relay.DialTimeout_, &allErrors)
	c.Relay.WriteTimeout = parseDuration("relay.write_timeout", c.Relay.WriteTimeout_, &allErrors)

	if c.Filter.PortLow < 0 || c.Filter.PortLow > 65535 || c.Filter.PortHigh < 0 || c.Filter.PortHigh > 65535 {
		allErrors = append(allErrors, fmt.Errorf("filter ports must be within 0-65535"))
	} else if c.Filter.IP != "" {
		f, err := intercept.ParseFilter(c.Filter.IP, uint16(c.Filter.PortLow), uint16(c.Filter.PortHigh))
		if err != nil {
			allErrors = append(allErrors, err)
		}
		c.Filter.Filter = f
	}

	if c.Filter.MaxFramePayload <= 0 {
		allErrors = append(allErrors, fmt.Errorf("filter.max_frame_payload must be positive"))
	}

	l := c.Limits
	if l.GlobalRate < 0 || l.PerClientRate < 0 || l.Burst < 0 || l.MaxPerClient < 0 {
		allErrors = append(allErrors, fmt.Errorf("limits must not be negative"))
	}
	if c.Redis.Addr != "" {
		c.Redis.KeyTTL = parseDuration("redis.key_ttl", c.Redis.KeyTTL_, &allErrors)
	}
	return writeErr(allErrors)
}

func writeErr(allErrors []error) error {
	if len(allErrors) > 0 {
		var messages []string
		for _, err := range allErrors {
			messages = append(messages, err.Error())
		}
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}
	return nil
}

// flagValues mirrors Config for command line flags.
type flagValues struct {
	config string
	c      Config
}

func registerFlags(cmd *cobra.Command, fv *flagValues) {
	d := defaultConfig()
	f := cmd.Flags()
	f.StringVarP(&fv.config, "config", "c", "", "YAML config file")
	f.StringVarP(&fv.c.Listen, "listen", "l", d.Listen, "proxy listen address")
	f.StringVarP(&fv.c.Target, "target", "t", "", "upstream address every accepted connection is forwarded to")
	f.StringVar(&fv.c.Metrics, "metrics", d.Metrics, "metrics, health and dashboard listen address (empty disables)")
	f.StringVar(&fv.c.Instance, "instance", "", "instance name shown in the flow registry (default hostname)")
	f.BoolVar(&fv.c.Debug, "debug", false, "enable debug logs")
	f.StringVar(&fv.c.LogFormat, "log-format", d.LogFormat, "log format: json or console")
	f.StringVar(&fv.c.PcapOut, "pcap-out", "", "write forwarded chunks to this pcap file")
	f.BoolVar(&fv.c.LogHTTP, "log-http", false, "log the URL of HTTP requests opening a flow")

	f.StringVar(&fv.c.Relay.URL, "relay-url", d.Relay.URL, "decision service websocket url")
	f.StringVar(&fv.c.Relay.ReconnectDelay_, "reconnect-delay", d.Relay.ReconnectDelay_, "delay before reconnecting to the relay")
	f.StringVar(&fv.c.Relay.ResponseTimeout_, "response-timeout", d.Relay.ResponseTimeout_, "time to wait for a verdict before forwarding unmodified")
	f.StringVar(&fv.c.Relay.DialTimeout_, "dial-timeout", d.Relay.DialTimeout_, "relay connect timeout")
	f.StringVar(&fv.c.Relay.WriteTimeout_, "write-timeout", d.Relay.WriteTimeout_, "relay write timeout")

	f.StringVar(&fv.c.Filter.IP, "filter-ip", "", "relay flows with this endpoint address (empty relays nothing)")
	f.IntVar(&fv.c.Filter.PortLow, "filter-port-low", d.Filter.PortLow, "lowest matching port")
	f.IntVar(&fv.c.Filter.PortHigh, "filter-port-high", d.Filter.PortHigh, "highest matching port")

	f.IntVar(&fv.c.Limits.GlobalRate, "global-rate", 0, "new flows per second across all clients (0 = unlimited)")
	f.IntVar(&fv.c.Limits.PerClientRate, "client-rate", 0, "new flows per second per client address (0 = unlimited)")
	f.IntVar(&fv.c.Limits.Burst, "burst", 0, "token bucket burst size")
	f.IntVar(&fv.c.Limits.MaxPerClient, "max-client-flows", 0, "concurrent flows per client address (0 = unlimited)")

	f.StringVar(&fv.c.Redis.Addr, "redis-addr", "", "redis address for the shared flow registry (empty = in-memory)")
	f.StringVar(&fv.c.Redis.Password, "redis-password", "", "redis password")
	f.IntVar(&fv.c.Redis.DB, "redis-db", 0, "redis database")
	f.StringVar(&fv.c.Redis.KeyTTL_, "redis-key-ttl", d.Redis.KeyTTL_, "ttl of flow keys, refreshed by heartbeat")
}

// applyChanged copies every flag set on the command line into c.
func applyChanged(cmd *cobra.Command, fv *flagValues) func(*Config) {
	return func(c *Config) {
		f := cmd.Flags()
		set := map[string]func(){
			"listen":           func() { c.Listen = fv.c.Listen },
			"target":           func() { c.Target = fv.c.Target },
			"metrics":          func() { c.Metrics = fv.c.Metrics },
			"instance":         func() { c.Instance = fv.c.Instance },
			"debug":            func() { c.Debug = fv.c.Debug },
			"log-format":       func() { c.LogFormat = fv.c.LogFormat },
			"pcap-out":         func() { c.PcapOut = fv.c.PcapOut },
			"log-http":         func() { c.LogHTTP = fv.c.LogHTTP },
			"relay-url":        func() { c.Relay.URL = fv.c.Relay.URL },
			"reconnect-delay":  func() { c.Relay.ReconnectDelay_ = fv.c.Relay.ReconnectDelay_ },
			"response-timeout": func() { c.Relay.ResponseTimeout_ = fv.c.Relay.ResponseTimeout_ },
			"dial-timeout":     func() { c.Relay.DialTimeout_ = fv.c.Relay.DialTimeout_ },
			"write-timeout":    func() { c.Relay.WriteTimeout_ = fv.c.Relay.WriteTimeout_ },
			"filter-ip":        func() { c.Filter.IP = fv.c.Filter.IP },
			"filter-port-low":  func() { c.Filter.PortLow = fv.c.Filter.PortLow },
			"filter-port-high": func() { c.Filter.PortHigh = fv.c.Filter.PortHigh },
			"global-rate":      func() { c.Limits.GlobalRate = fv.c.Limits.GlobalRate },
			"client-rate":      func() { c.Limits.PerClientRate = fv.c.Limits.PerClientRate },
			"burst":            func() { c.Limits.Burst = fv.c.Limits.Burst },
			"max-client-flows": func() { c.Limits.MaxPerClient = fv.c.Limits.MaxPerClient },
			"redis-addr":       func() { c.Redis.Addr = fv.c.Redis.Addr },
			"redis-password":   func() { c.Redis.Password = fv.c.Redis.Password },
			"redis-db":         func() { c.Redis.DB = fv.c.Redis.DB },
			"redis-key-ttl":    func() { c.Redis.KeyTTL_ = fv.c.Redis.KeyTTL_ },
		}
		for name, apply := range set {
			if f.Changed(name) {
				apply()
			}
		}
	}
}
