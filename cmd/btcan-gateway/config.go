package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"github.com/kstaniek/go-btcan/internal/bt"
	"github.com/kstaniek/go-btcan/internal/device"
	"github.com/kstaniek/go-btcan/internal/device/elm327"
)

const (
	envPrefix  = "BTCAN_"
	iniSection = "btcan"
)

type appConfig struct {
	adapter        string
	deviceName     string
	transport      string
	btAdapter      string
	rfcommChannel  int
	serialDev      string
	baud           int
	serialReadTO   time.Duration
	bitrate        int
	canChannel     int
	retryThreshold int
	retryDelay     time.Duration
	elmSettle      time.Duration
	reconnectAfter time.Duration

	listenAddr      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string

	canIf       string
	capturePath string
	monitor     bool
	configFile  string
}

// bindFlags registers every setting on fs. Flag names double as ini keys and,
// upper-cased with '-' turned into '_', as BTCAN_* environment variables.
func bindFlags(fs *flag.FlagSet, c *appConfig) {
	fs.StringVar(&c.adapter, "adapter", "bluecan", "Adapter protocol: bluecan|elm327")
	fs.StringVar(&c.deviceName, "device", "", "Bonded device name (default per adapter: \"BlueCAN  9\" or \"OBDII\")")
	fs.StringVar(&c.transport, "transport", "rfcomm", "Link transport: rfcomm (BlueZ) or serial (bound /dev/rfcommN)")
	fs.StringVar(&c.btAdapter, "bt-adapter", "hci0", "Local Bluetooth controller")
	fs.IntVar(&c.rfcommChannel, "rfcomm-channel", 1, "RFCOMM channel of the serial port service")
	fs.StringVar(&c.serialDev, "serial", "/dev/rfcomm0", "Serial device (when --transport=serial)")
	fs.IntVar(&c.baud, "baud", 115200, "Serial baud rate")
	fs.DurationVar(&c.serialReadTO, "serial-read-timeout", 200*time.Millisecond, "Serial read timeout")
	fs.IntVar(&c.bitrate, "bitrate", 500000, "CAN bitrate sent to the BlueCAN init command")
	fs.IntVar(&c.canChannel, "can-channel", 1, "BlueCAN bus channel")
	fs.IntVar(&c.retryThreshold, "retry-threshold", bt.DefaultRetryThreshold, "Failed connect attempts before giving up")
	fs.DurationVar(&c.retryDelay, "retry-delay", bt.DefaultRetryDelay, "Pause between connect attempts")
	fs.DurationVar(&c.elmSettle, "elm-settle", elm327.DefaultSettleDelay, "Pause after each ELM327 setup command")
	fs.DurationVar(&c.reconnectAfter, "reconnect-after", 30*time.Second, "Start a new connect cycle this long after the adapter gave up or was lost (0 disables)")

	fs.StringVar(&c.listenAddr, "listen", ":20000", "cannelloni TCP listen address")
	fs.StringVar(&c.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&c.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&c.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.IntVar(&c.hubBuffer, "hub-buffer", 512, "Per-client buffer (frames)")
	fs.StringVar(&c.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	fs.DurationVar(&c.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.IntVar(&c.maxClients, "max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&c.handshakeTO, "handshake-timeout", 3*time.Second, "Client handshake timeout")
	fs.DurationVar(&c.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	fs.BoolVar(&c.mdnsEnable, "mdns-enable", false, "Enable mDNS advertisement")
	fs.StringVar(&c.mdnsName, "mdns-name", "", "mDNS instance name (default btcan-<hostname>)")

	fs.StringVar(&c.canIf, "socketcan-if", "", "Mirror the bus onto this SocketCAN interface (e.g. vcan0); empty disables")
	fs.StringVar(&c.capturePath, "capture", "", "Append received frames to this CBOR file; empty disables")
	fs.BoolVar(&c.monitor, "monitor", false, "Print received frames and connection events to stdout")
	fs.StringVar(&c.configFile, "config", "", "Optional ini file (section ["+iniSection+"], keys named like the flags)")
}

// parseConfig resolves settings with precedence flag > environment > ini file
// > default, then validates them.
func parseConfig(args []string, lookup func(string) (string, bool), out io.Writer) (*appConfig, bool, error) {
	cfg := &appConfig{}
	fs := flag.NewFlagSet("btcan-gateway", flag.ContinueOnError)
	fs.SetOutput(out)
	bindFlags(fs, cfg)
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	if *showVersion {
		return cfg, true, nil
	}

	set := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = struct{}{} })
	if err := applyEnvOverrides(fs, set, lookup); err != nil {
		return nil, false, fmt.Errorf("environment override error: %w", err)
	}
	if cfg.configFile != "" {
		if err := applyIniFile(fs, set, cfg.configFile); err != nil {
			return nil, false, err
		}
	}
	if cfg.deviceName == "" {
		if k, err := device.ParseKind(cfg.adapter); err == nil {
			cfg.deviceName = k.DefaultDeviceName()
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, false, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, false, nil
}

func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides maps BTCAN_* variables onto flags that were not set on
// the command line. Empty values are ignored. Parsing goes through the flag's
// own Value, so BTCAN_BAUD=abc fails the same way -baud abc would. Applied
// names are added to set so a config file cannot override them.
func applyEnvOverrides(fs *flag.FlagSet, set map[string]struct{}, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if _, ok := set[f.Name]; ok || f.Name == "version" {
			return
		}
		v, ok := lookup(envName(f.Name))
		v = strings.TrimSpace(v)
		if !ok || v == "" {
			return
		}
		if err := fs.Set(f.Name, normalizeBool(f, v)); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", envName(f.Name), err))
			return
		}
		set[f.Name] = struct{}{}
	})
	return errors.Join(errs...)
}

// applyIniFile fills flags still at their defaults from path. Keys are read
// from the [btcan] section, falling back to the unnamed default section.
func applyIniFile(fs *flag.FlagSet, set map[string]struct{}, path string) error {
	file, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	sections := []*ini.Section{file.Section(ini.DefaultSection)}
	if file.HasSection(iniSection) {
		sections = append([]*ini.Section{file.Section(iniSection)}, sections...)
	}
	var errs []error
	fs.VisitAll(func(f *flag.Flag) {
		if _, ok := set[f.Name]; ok || f.Name == "version" || f.Name == "config" {
			return
		}
		for _, sec := range sections {
			if !sec.HasKey(f.Name) {
				continue
			}
			v := strings.TrimSpace(sec.Key(f.Name).String())
			if v == "" {
				return
			}
			if err := fs.Set(f.Name, normalizeBool(f, v)); err != nil {
				errs = append(errs, fmt.Errorf("config file %s: %w", f.Name, err))
			}
			return
		}
	})
	return errors.Join(errs...)
}

// normalizeBool lets boolean settings use yes/no and on/off as well.
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

// validate checks values and ranges only; nothing is opened.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if _, err := device.ParseKind(c.adapter); err != nil {
		return err
	}
	switch c.transport {
	case "rfcomm", "serial":
	default:
		return fmt.Errorf("invalid transport: %s", c.transport)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.deviceName == "" {
		return errors.New("device name must not be empty")
	}
	if c.rfcommChannel < 1 || c.rfcommChannel > 30 {
		return fmt.Errorf("rfcomm-channel must be 1..30 (got %d)", c.rfcommChannel)
	}
	if c.transport == "serial" && c.serialDev == "" {
		return errors.New("serial device required with --transport=serial")
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.bitrate <= 0 {
		return fmt.Errorf("bitrate must be > 0 (got %d)", c.bitrate)
	}
	if c.canChannel < 1 || c.canChannel > 255 {
		return fmt.Errorf("can-channel must be 1..255 (got %d)", c.canChannel)
	}
	if c.retryThreshold < 0 {
		return fmt.Errorf("retry-threshold must be >= 0")
	}
	if c.retryDelay < 0 {
		return fmt.Errorf("retry-delay must be >= 0")
	}
	if c.reconnectAfter < 0 {
		return fmt.Errorf("reconnect-after must be >= 0")
	}
	if c.elmSettle <= 0 {
		return fmt.Errorf("elm-settle must be > 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.logMetricsEvery < 0 {
		return fmt.Errorf("log-metrics-interval must be >= 0")
	}
	return nil
}
