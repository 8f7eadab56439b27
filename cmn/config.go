package cmn

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
)

type (
	// Config is the single configuration root loaded from a JSON file on
	// start-up. Field groups mirror the concerns each component owns.
	Config struct {
		Store    StoreConf    `json:"store"`
		HSS      HSSConf      `json:"hss"`
		Retry    RetryConf    `json:"retry"`
		Timeout  TimeoutConf  `json:"timeout"`
		Net      NetConf      `json:"net"`
		Log      LogConf      `json:"log"`
		Notify   NotifyConf   `json:"notify"`
		Metrics  MetricsConf  `json:"metrics"`
	}

	// StoreConf names the local and remote KV replicas.
	StoreConf struct {
		LocalAddr   string   `json:"local_store_addr"`
		RemoteAddrs []string `json:"remote_store_addrs"`
	}

	// HSSConf names the Diameter Cx peer this node presents itself to
	// the HSS as.
	HSSConf struct {
		Peer       string `json:"hss_peer"`
		DestRealm  string `json:"dest_realm"`
		DestHost   string `json:"dest_host"`
		ServerName string `json:"server_name"`
	}

	// RetryConf bounds the CAS engine's retry budgets.
	RetryConf struct {
		CacheCASRetries int `json:"cache_cas_retries"`
		StoreRetries    int `json:"store_retries"`
	}

	// TimeoutConf bounds per-operation deadlines.
	TimeoutConf struct {
		OpTimeoutMS int `json:"op_timeout_ms"`
	}

	NetConf struct {
		ListenAddr string `json:"listen_addr"`
	}

	LogConf struct {
		Verbosity int    `json:"verbosity"`
		Dir       string `json:"dir"`
	}

	NotifyConf struct {
		Addr string `json:"notify_addr"`
	}

	MetricsConf struct {
		ListenAddr string `json:"metrics_listen_addr"`
	}
)

// Default returns the baseline configuration: the store, retry, timeout,
// listen, log and metrics settings get standalone-mode values, so the
// server starts without a config file overriding them. The HSS and notify
// fields are left empty.
func Default() *Config {
	return &Config{
		Store: StoreConf{
			LocalAddr: "127.0.0.1:0", // in-process buntdb store, address informational only
		},
		Retry: RetryConf{
			CacheCASRetries: 3,
			StoreRetries:    3,
		},
		Timeout: TimeoutConf{
			OpTimeoutMS: 500,
		},
		Net: NetConf{
			ListenAddr: ":8080",
		},
		Log: LogConf{
			Verbosity: 1,
		},
		Metrics: MetricsConf{
			ListenAddr: ":9090",
		},
	}
}

// LoadConfig reads and validates a JSON configuration file, applying
// Default() as the base before overlaying the file's contents.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open config %s", path)
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "decode config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Store.LocalAddr == "" {
		return errors.New("store.local_store_addr must be set")
	}
	if c.Retry.CacheCASRetries < 0 || c.Retry.StoreRetries < 0 {
		return errors.New("retry counts must be non-negative")
	}
	if c.Timeout.OpTimeoutMS <= 0 {
		return errors.New("timeout.op_timeout_ms must be positive")
	}
	return nil
}

func (c *Config) OpTimeout() time.Duration {
	return time.Duration(c.Timeout.OpTimeoutMS) * time.Millisecond
}
