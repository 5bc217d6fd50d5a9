package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kstaniek/go-lpccan/internal/acceptance"
	"github.com/kstaniek/go-lpccan/internal/bittiming"
	"github.com/kstaniek/go-lpccan/internal/can"
	"github.com/kstaniek/go-lpccan/internal/clock"
	"github.com/kstaniek/go-lpccan/internal/hub"
	"github.com/kstaniek/go-lpccan/internal/logging"
)

const envPrefix = "LPCCAN_NODE_"

type appConfig struct {
	listenAddr   string
	canBaud      uint
	systemHz     uint
	clockSource  string
	pclkDivider  uint
	loopback     bool
	enableCAN2   bool
	filters      string
	filterMode   string
	txTimeout    time.Duration
	bridge       string
	serialDev    string
	serialBaud   int
	serialReadTO time.Duration
	canIf        string
	hubBuffer    int
	hubPolicy    string
	maxClients   int
	handshakeTO  time.Duration
	clientReadTO time.Duration
	mdnsEnable   bool
	mdnsName     string
	metricsAddr  string
	logMetrics   time.Duration
	logFormat    string
	logLevel     string
	dump         bool
}

func defaultConfig() *appConfig {
	return &appConfig{
		listenAddr:   ":20000",
		canBaud:      bittiming.Baud250k,
		systemHz:     72_000_000,
		clockSource:  "main",
		pclkDivider:  4,
		filterMode:   "bypass",
		txTimeout:    200 * time.Millisecond,
		bridge:       "none",
		serialDev:    "/dev/ttyUSB0",
		serialBaud:   115200,
		serialReadTO: 50 * time.Millisecond,
		canIf:        "can0",
		hubBuffer:    hub.DefaultOutBuf,
		hubPolicy:    "drop",
		handshakeTO:  3 * time.Second,
		clientReadTO: 60 * time.Second,
		logFormat:    "text",
		logLevel:     "info",
	}
}

// newFlagSet binds every option of c to fs. Flag names double as the
// environment variable suffix: -can-baud is LPCCAN_NODE_CAN_BAUD.
func newFlagSet(c *appConfig, showVersion *bool) *flag.FlagSet {
	fs := flag.NewFlagSet("lpccan-node", flag.ContinueOnError)
	fs.StringVar(&c.listenAddr, "listen", c.listenAddr, "TCP listen address for cannelloni clients")
	fs.UintVar(&c.canBaud, "can-baud", c.canBaud, "CAN bit rate: 100000|125000|250000|1000000")
	fs.UintVar(&c.systemHz, "system-clock", c.systemHz, "Simulated core clock in Hz")
	fs.StringVar(&c.clockSource, "clock-source", c.clockSource, "PLL clock source: main|irc|rtc")
	fs.UintVar(&c.pclkDivider, "pclk-divider", c.pclkDivider, "CAN peripheral clock divider: 1|2|4|6")
	fs.BoolVar(&c.loopback, "loopback", c.loopback, "Run the controllers in self test mode and receive own frames")
	fs.BoolVar(&c.enableCAN2, "can2", c.enableCAN2, "Initialise CAN2 as a second node on the bus")
	fs.StringVar(&c.filters, "filters", c.filters, "Acceptance entries, e.g. can1:std:0x100,can2:extrange:0x1000-0x1FFF")
	fs.StringVar(&c.filterMode, "filter-mode", c.filterMode, "Acceptance filter mode: on|off|bypass")
	fs.DurationVar(&c.txTimeout, "tx-timeout", c.txTimeout, "Per frame transmit timeout")
	fs.StringVar(&c.bridge, "bridge", c.bridge, "Bridge the simulated bus to: none|serial|socketcan")
	fs.StringVar(&c.serialDev, "serial", c.serialDev, "Serial adapter device (bridge=serial)")
	fs.IntVar(&c.serialBaud, "serial-baud", c.serialBaud, "Serial adapter baud rate")
	fs.DurationVar(&c.serialReadTO, "serial-read-timeout", c.serialReadTO, "Serial read timeout")
	fs.StringVar(&c.canIf, "can-if", c.canIf, "SocketCAN interface (bridge=socketcan)")
	fs.IntVar(&c.hubBuffer, "hub-buffer", c.hubBuffer, "Per-client queue (frames)")
	fs.StringVar(&c.hubPolicy, "hub-policy", c.hubPolicy, "Backpressure policy: drop|kick")
	fs.IntVar(&c.maxClients, "max-clients", c.maxClients, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&c.handshakeTO, "handshake-timeout", c.handshakeTO, "Client handshake timeout")
	fs.DurationVar(&c.clientReadTO, "client-read-timeout", c.clientReadTO, "Per-connection read deadline")
	fs.BoolVar(&c.mdnsEnable, "mdns-enable", c.mdnsEnable, "Advertise the TCP port via mDNS")
	fs.StringVar(&c.mdnsName, "mdns-name", c.mdnsName, "mDNS instance name (default lpccan-node-<hostname>)")
	fs.StringVar(&c.metricsAddr, "metrics-addr", c.metricsAddr, "Metrics HTTP listen address (e.g. :9100); empty disables")
	fs.DurationVar(&c.logMetrics, "log-metrics-interval", c.logMetrics, "If >0, periodically log metric counters")
	fs.StringVar(&c.logFormat, "log-format", c.logFormat, "Log format: text|json")
	fs.StringVar(&c.logLevel, "log-level", c.logLevel, "Log level: debug|info|warn|error")
	fs.BoolVar(&c.dump, "dump", c.dump, "Print received frames to stdout")
	fs.BoolVar(showVersion, "version", false, "Print version and exit")
	return fs
}

// parseConfig parses args, then applies environment overrides for flags that
// were not given explicitly, then validates.
func parseConfig(args []string, lookup func(string) (string, bool), stderr io.Writer) (*appConfig, bool, error) {
	cfg := defaultConfig()
	var showVersion bool
	fs := newFlagSet(cfg, &showVersion)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if showVersion {
		return cfg, true, nil
	}
	if err := applyEnv(fs, lookup); err != nil {
		return nil, false, err
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, false, nil
}

func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnv sets every flag not named on the command line from its
// environment variable. Empty values are ignored; the first parse error wins.
func applyEnv(fs *flag.FlagSet, lookup func(string) (string, bool)) error {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] || f.Name == "version" {
			return
		}
		v, ok := lookup(envName(f.Name))
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			return
		}
		if err := fs.Set(f.Name, normalizeBool(f, v)); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", envName(f.Name), err))
		}
	})
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// normalizeBool accepts yes/no and on/off for boolean flags.
func normalizeBool(f *flag.Flag, v string) string {
	if bf, ok := f.Value.(interface{ IsBoolFlag() bool }); !ok || !bf.IsBoolFlag() {
		return v
	}
	switch strings.ToLower(v) {
	case "yes", "on":
		return "true"
	case "no", "off":
		return "false"
	}
	return v
}

// validate checks values and ranges. It does not open devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if !bittiming.Supported(uint32(c.canBaud)) {
		return fmt.Errorf("invalid can-baud: %d", c.canBaud)
	}
	if c.systemHz == 0 || c.systemHz > 120_000_000 {
		return fmt.Errorf("system-clock must be in 1..120000000 (got %d)", c.systemHz)
	}
	if _, err := clock.ParseSource(c.clockSource); err != nil {
		return fmt.Errorf("invalid clock-source: %s", c.clockSource)
	}
	if _, ok := dividerSelector(c.pclkDivider); !ok {
		return fmt.Errorf("invalid pclk-divider: %d", c.pclkDivider)
	}
	if _, err := acceptance.ParseMode(c.filterMode); err != nil {
		return fmt.Errorf("invalid filter-mode: %s", c.filterMode)
	}
	entries, err := acceptance.ParseEntries(c.filters)
	if err != nil {
		return fmt.Errorf("invalid filters: %w", err)
	}
	if !c.enableCAN2 {
		for _, e := range entries {
			if e.Channel == can.CAN2 {
				return fmt.Errorf("filter %s needs -can2", e)
			}
		}
	}
	switch c.bridge {
	case "none", "serial", "socketcan":
	default:
		return fmt.Errorf("invalid bridge: %s", c.bridge)
	}
	if _, ok := hub.ParsePolicy(c.hubPolicy); !ok {
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.serialBaud <= 0 {
		return fmt.Errorf("serial-baud must be > 0 (got %d)", c.serialBaud)
	}
	for name, d := range map[string]time.Duration{
		"tx-timeout":          c.txTimeout,
		"serial-read-timeout": c.serialReadTO,
		"handshake-timeout":   c.handshakeTO,
		"client-read-timeout": c.clientReadTO,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if c.logMetrics < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	if c.maxClients < 0 {
		return errors.New("max-clients must be >= 0")
	}
	return nil
}

// dividerSelector maps a peripheral clock divider to its PCLKSEL value.
func dividerSelector(div uint) (uint32, bool) {
	switch div {
	case 4:
		return 0, true
	case 1:
		return 1, true
	case 2:
		return 2, true
	case 6:
		return 3, true
	}
	return 0, false
}

// filterEntries returns the parsed acceptance entries; validate has already
// rejected malformed input.
func (c *appConfig) filterEntries() []acceptance.Entry {
	entries, _ := acceptance.ParseEntries(c.filters)
	return entries
}

func (c *appConfig) mode() acceptance.Mode {
	m, _ := acceptance.ParseMode(c.filterMode)
	return m
}

func (c *appConfig) source() clock.Source {
	s, _ := clock.ParseSource(c.clockSource)
	return s
}
