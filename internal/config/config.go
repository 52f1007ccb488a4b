// Package config loads node settings from flags and ZEPHYR_* environment
// variables. An explicitly set flag wins over the environment, which wins
// over the flag default.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "ZEPHYR"

type Config struct {
	SelfID           string
	SelfAddr         string
	Listen           string
	EtcdEndpoints    []string
	LeaseTTL         int64
	Coordinator      string
	BootstrapTimeout time.Duration
	LogLevel         string
	Version          string
	GitSHA           string
}

// Flags returns the flag set Load parses.
func Flags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("zephyrsync", pflag.ContinueOnError)
	flags.String("self-id", "", "node id (random when empty)")
	flags.String("self-addr", "", "host:port peers use to reach this node (hostname plus listen port when empty)")
	flags.String("listen", ":8080", "HTTP listen address")
	flags.StringSlice("etcd-endpoints", []string{"http://etcd:2379"}, "etcd endpoints for membership (empty disables discovery)")
	flags.Int64("lease-ttl", 10, "membership lease TTL in seconds")
	flags.String("coordinator", "", "node id asked for every bootstrap snapshot (ring owner when empty)")
	flags.Duration("bootstrap-timeout", 5*time.Second, "per-key bootstrap snapshot timeout")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("version", "dev", "version reported in build info")
	flags.String("git-sha", "", "git revision reported in build info")
	return flags
}

// Load parses args and resolves every setting.
func Load(args []string) (Config, error) {
	flags := Flags()
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return Config{}, err
	}

	cfg := Config{
		SelfID:           v.GetString("self-id"),
		SelfAddr:         v.GetString("self-addr"),
		Listen:           v.GetString("listen"),
		EtcdEndpoints:    splitList(v.GetStringSlice("etcd-endpoints")),
		LeaseTTL:         v.GetInt64("lease-ttl"),
		Coordinator:      v.GetString("coordinator"),
		BootstrapTimeout: v.GetDuration("bootstrap-timeout"),
		LogLevel:         v.GetString("log-level"),
		Version:          v.GetString("version"),
		GitSHA:           v.GetString("git-sha"),
	}
	if cfg.SelfID == "" {
		cfg.SelfID = uuid.NewString()
	}
	if cfg.SelfAddr == "" {
		addr, err := defaultAddr(cfg.Listen)
		if err != nil {
			return Config{}, err
		}
		cfg.SelfAddr = addr
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	var errs []error
	if c.BootstrapTimeout <= 0 {
		errs = append(errs, fmt.Errorf("config: bootstrap-timeout must be positive, got %s", c.BootstrapTimeout))
	}
	if len(c.EtcdEndpoints) > 0 && c.LeaseTTL <= 0 {
		errs = append(errs, fmt.Errorf("config: lease-ttl must be positive, got %d", c.LeaseTTL))
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("config: listen: %w", err))
	}
	return errors.Join(errs...)
}

func defaultAddr(listen string) (string, error) {
	_, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("config: listen: %w", err)
	}
	host, err := os.Hostname()
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, port), nil
}

// splitList accepts both repeated flags and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
