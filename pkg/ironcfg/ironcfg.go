// Package ironcfg holds the Forwarder's runtime configuration: flag-parsed
// defaults with an optional TOML overlay.
package ironcfg

import (
	"flag"
	"fmt"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/galpt/ironcore/internal/asap"
	"github.com/galpt/ironcore/internal/binqueue"
	"github.com/galpt/ironcore/internal/queue"
	"github.com/galpt/ironcore/internal/zlr"
)

// Config is the full set of tunables a node needs at startup. Flags set the
// defaults; an optional TOML file (-config) overrides any subset of them.
type Config struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`

	AdminHost string `toml:"admin_host"`
	AdminPort int    `toml:"admin_port"`

	MetricsHost string `toml:"metrics_host"`
	MetricsPort int    `toml:"metrics_port"`

	// DropPolicy selects head-drop vs tail-drop on a full PacketQueue.
	DropPolicy queue.DropPolicy `toml:"-"`
	DropPolicyName string `toml:"drop_policy"`

	MaxBinDepthPkts uint32 `toml:"max_bin_depth_pkts"`

	// ZLR tuning: observation-window bounds in milliseconds
	// and watermarks in bytes.
	ZLRWindowMin     int  `toml:"zlr_window_min_ms"`
	ZLRWindowMax     int  `toml:"zlr_window_max_ms"`
	ZLRLowWatermark  int  `toml:"zlr_low_watermark_bytes"`
	ZLRHighWatermark int  `toml:"zlr_high_watermark_bytes"`
	ZLRFastRecovery  bool `toml:"zlr_fast_recovery"`

	// ASAP tuning.
	ASAPCoefficient        float64       `toml:"asap_coefficient"`
	ASAPStarvationThresh   time.Duration `toml:"-"`
	ASAPStarvationThreshMS int           `toml:"asap_starvation_thresh_ms"`

	// NPLB tuning; mutually exclusive with ASAP per bin, since the
	// Algorithm choice builds either NPLB or ASAP, never both.
	NPLBDelayStickinessThreshMS int `toml:"nplb_delay_stickiness_thresh_ms"`

	QLAMInterval  time.Duration `toml:"-"`
	QLAMIntervalMS int `toml:"qlam_interval_ms"`

	StatsInterval   time.Duration `toml:"-"`
	StatsIntervalMS int `toml:"stats_interval_ms"`

	Multicast bool `toml:"multicast"`

	// Algorithm is the per-bin default; a node serving many destinations
	// may still vary it per bin at BinQueueMgr construction time.
	Algorithm     binqueue.Algorithm `toml:"-"`
	AlgorithmName string             `toml:"algorithm"`

	ConfigFile string `toml:"-"`
}

// Default returns the flag-package defaults, before any -config overlay.
func Default() Config {
	return Config{
		Host:                   "0.0.0.0",
		Port:                   11212,
		AdminHost:              "0.0.0.0",
		AdminPort:              11213,
		MetricsHost:            "0.0.0.0",
		MetricsPort:            11214,
		DropPolicy:             queue.DefaultDropPolicy,
		DropPolicyName:         "head",
		MaxBinDepthPkts:        binqueue.DefaultMaxBinDepthPkts,
		ZLRWindowMin:           int(zlr.LowerBoundWindow / time.Millisecond),
		ZLRWindowMax:           int(zlr.UpperBoundWindow / time.Millisecond),
		ZLRLowWatermark:        zlr.LowWaterMarkBytes,
		ZLRHighWatermark:       zlr.HighWaterMarkBytes,
		ZLRFastRecovery:        true,
		ASAPCoefficient:        asap.ASZCoefficient,
		ASAPStarvationThresh:   50 * time.Millisecond,
		ASAPStarvationThreshMS: 50,

		NPLBDelayStickinessThreshMS: 50,
		QLAMInterval:           time.Second,
		QLAMIntervalMS:         1000,
		StatsInterval:          5 * time.Second,
		StatsIntervalMS:        5000,
		Multicast:              false,
		Algorithm:              binqueue.AlgBase,
		AlgorithmName:          "base",
	}
}

// RegisterFlags binds cfg's fields to flag.CommandLine.
func RegisterFlags(cfg *Config) {
	flag.StringVar(&cfg.Host, "host", cfg.Host, "bind address for the forwarding transport")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "UDP port for the forwarding transport")
	flag.StringVar(&cfg.AdminHost, "admin-host", cfg.AdminHost, "bind address for the admin HTTP server")
	flag.IntVar(&cfg.AdminPort, "admin-port", cfg.AdminPort, "TCP port for the admin HTTP server")
	flag.StringVar(&cfg.MetricsHost, "metrics-host", cfg.MetricsHost, "bind address for the Prometheus exporter")
	flag.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "TCP port for the Prometheus exporter")
	flag.StringVar(&cfg.DropPolicyName, "drop-policy", cfg.DropPolicyName, "queue drop policy: head or tail")
	flag.Func("max-bin-depth", fmt.Sprintf("max packets per bin queue (default %d)", cfg.MaxBinDepthPkts), func(s string) error {
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return err
		}
		cfg.MaxBinDepthPkts = uint32(v)
		return nil
	})
	flag.IntVar(&cfg.ZLRWindowMin, "zlr-window-min-ms", cfg.ZLRWindowMin, "ZLR observation-window lower bound in milliseconds")
	flag.IntVar(&cfg.ZLRWindowMax, "zlr-window-max-ms", cfg.ZLRWindowMax, "ZLR observation-window upper bound in milliseconds")
	flag.IntVar(&cfg.ZLRLowWatermark, "zlr-low-watermark-bytes", cfg.ZLRLowWatermark, "ZLR low watermark in bytes")
	flag.IntVar(&cfg.ZLRHighWatermark, "zlr-high-watermark-bytes", cfg.ZLRHighWatermark, "ZLR high watermark in bytes")
	flag.BoolVar(&cfg.ZLRFastRecovery, "zlr-fast-recovery", cfg.ZLRFastRecovery, "enable ZLR fast-recovery sub-state-machine")
	flag.Float64Var(&cfg.ASAPCoefficient, "asap-coefficient", cfg.ASAPCoefficient, "ASAP quadratic delay-to-bytes coefficient")
	flag.IntVar(&cfg.ASAPStarvationThreshMS, "asap-starvation-thresh-ms", cfg.ASAPStarvationThreshMS, "ASAP starvation threshold in milliseconds")
	flag.IntVar(&cfg.NPLBDelayStickinessThreshMS, "nplb-delay-stickiness-thresh-ms", cfg.NPLBDelayStickinessThreshMS, "NPLB delay-stickiness threshold in milliseconds")
	flag.IntVar(&cfg.QLAMIntervalMS, "qlam-interval-ms", cfg.QLAMIntervalMS, "QLAM emission interval in milliseconds")
	flag.IntVar(&cfg.StatsIntervalMS, "stats-interval-ms", cfg.StatsIntervalMS, "statistics roll-up interval in milliseconds")
	flag.BoolVar(&cfg.Multicast, "multicast", cfg.Multicast, "enable multicast destination-group support")
	flag.StringVar(&cfg.AlgorithmName, "algorithm", cfg.AlgorithmName, "queue-shaping algorithm: base, hvyball, nplb, or ewma")
	flag.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "optional TOML file overlaying the flag defaults")
}

// Load applies cfg.ConfigFile's TOML overlay (if set) on top of the
// already flag-parsed values, then derives the time.Duration fields from
// their millisecond flag counterparts and resolves the name->enum fields.
func Load(cfg *Config) error {
	if cfg.ConfigFile != "" {
		if _, err := toml.DecodeFile(cfg.ConfigFile, cfg); err != nil {
			return fmt.Errorf("ironcfg: decode %s: %w", cfg.ConfigFile, err)
		}
	}

	cfg.ASAPStarvationThresh = time.Duration(cfg.ASAPStarvationThreshMS) * time.Millisecond
	cfg.QLAMInterval = time.Duration(cfg.QLAMIntervalMS) * time.Millisecond
	cfg.StatsInterval = time.Duration(cfg.StatsIntervalMS) * time.Millisecond

	switch cfg.DropPolicyName {
	case "head", "":
		cfg.DropPolicy = queue.DropHead
	case "tail":
		cfg.DropPolicy = queue.DropTail
	default:
		return fmt.Errorf("ironcfg: unknown drop policy %q (want head or tail)", cfg.DropPolicyName)
	}

	switch cfg.AlgorithmName {
	case "base", "":
		cfg.Algorithm = binqueue.AlgBase
	case "hvyball":
		cfg.Algorithm = binqueue.AlgHvyball
	case "nplb":
		cfg.Algorithm = binqueue.AlgNPLB
	case "ewma":
		cfg.Algorithm = binqueue.AlgEWMA
	default:
		return fmt.Errorf("ironcfg: unknown algorithm %q (want base, hvyball, nplb, or ewma)", cfg.AlgorithmName)
	}

	return Validate(cfg)
}

// ZLRParams renders the ZLR tuning fields as the params record
// internal/binqueue passes into each BinQueueMgr's ZLR instance.
func (c *Config) ZLRParams() zlr.Params {
	return zlr.Params{
		WindowLower:         time.Duration(c.ZLRWindowMin) * time.Millisecond,
		WindowUpper:         time.Duration(c.ZLRWindowMax) * time.Millisecond,
		LowWaterMarkBytes:   uint32(c.ZLRLowWatermark),
		HighWaterMarkBytes:  uint32(c.ZLRHighWatermark),
		DisableFastRecovery: !c.ZLRFastRecovery,
	}
}

// ASAPParams renders the ASAP tuning fields as the params record
// internal/binqueue passes into each BinQueueMgr's ASAP instance.
func (c *Config) ASAPParams() asap.Params {
	return asap.Params{
		Coefficient:      c.ASAPCoefficient,
		StarvationThresh: c.ASAPStarvationThresh,
	}
}

// NPLBStickiness renders the NPLB stickiness threshold as a Duration.
func (c *Config) NPLBStickiness() time.Duration {
	return time.Duration(c.NPLBDelayStickinessThreshMS) * time.Millisecond
}

// Validate checks the configuration mismatches that must be fatal before
// the loop starts: the ZLR window bounds and watermarks must be ordered
// and the bin depth positive.
func Validate(cfg *Config) error {
	if cfg.ZLRWindowMin <= 0 || cfg.ZLRWindowMax <= 0 || cfg.ZLRWindowMin > cfg.ZLRWindowMax {
		return fmt.Errorf("ironcfg: zlr window bounds invalid: min=%d max=%d", cfg.ZLRWindowMin, cfg.ZLRWindowMax)
	}
	if cfg.ZLRLowWatermark < 0 || cfg.ZLRHighWatermark < cfg.ZLRLowWatermark {
		return fmt.Errorf("ironcfg: zlr watermarks invalid: low=%d high=%d", cfg.ZLRLowWatermark, cfg.ZLRHighWatermark)
	}
	if cfg.MaxBinDepthPkts == 0 {
		return fmt.Errorf("ironcfg: max bin depth must be positive")
	}
	return nil
}
