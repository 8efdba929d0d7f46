package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/pior/nsq"
)

type fileConfig struct {
	NSQD              []string `toml:"nsqd"`
	Topic             string   `toml:"topic"`
	Channel           string   `toml:"channel"`
	ClientID          string   `toml:"client_id"`
	AuthSecret        string   `toml:"auth_secret"`
	MaxInFlight       int      `toml:"max_in_flight"`
	MaxAttempts       int      `toml:"max_attempts"`
	HeartbeatInterval string   `toml:"heartbeat_interval"`
	MsgTimeout        string   `toml:"msg_timeout"`
	MetricsAddr       string   `toml:"metrics_addr"`
	LogLevel          string   `toml:"log_level"`
}

type cliConfig struct {
	Addrs       []string
	Topic       string
	Channel     string
	MetricsAddr string
	LogLevel    zerolog.Level
	NSQ         nsq.Config
}

func defaultCLIConfig() cliConfig {
	return cliConfig{
		Addrs:    []string{"127.0.0.1:4150"},
		Channel:  "nsqtail#ephemeral",
		LogLevel: zerolog.InfoLevel,
	}
}

func loadConfig(path string) (cliConfig, error) {
	cfg := defaultCLIConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return cliConfig{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cliConfig{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("nsqd") {
		cfg.Addrs = normalizeAddrs(raw.NSQD)
	}
	if meta.IsDefined("topic") {
		cfg.Topic = strings.TrimSpace(raw.Topic)
	}
	if meta.IsDefined("channel") {
		cfg.Channel = strings.TrimSpace(raw.Channel)
	}
	if meta.IsDefined("client_id") {
		cfg.NSQ.ClientID = strings.TrimSpace(raw.ClientID)
	}
	if meta.IsDefined("auth_secret") {
		cfg.NSQ.AuthSecret = raw.AuthSecret
	}
	if meta.IsDefined("max_in_flight") {
		cfg.NSQ.MaxInFlight = raw.MaxInFlight
	}
	if meta.IsDefined("max_attempts") {
		if raw.MaxAttempts < 0 || raw.MaxAttempts > 65535 {
			return cliConfig{}, fmt.Errorf("max_attempts %d out of range", raw.MaxAttempts)
		}
		cfg.NSQ.MaxAttempts = uint16(raw.MaxAttempts)
	}
	if meta.IsDefined("heartbeat_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HeartbeatInterval))
		if err != nil {
			return cliConfig{}, fmt.Errorf("parse heartbeat_interval: %w", err)
		}
		cfg.NSQ.HeartbeatInterval = d
	}
	if meta.IsDefined("msg_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.MsgTimeout))
		if err != nil {
			return cliConfig{}, fmt.Errorf("parse msg_timeout: %w", err)
		}
		cfg.NSQ.MsgTimeout = d
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("log_level") {
		level, err := zerolog.ParseLevel(strings.TrimSpace(raw.LogLevel))
		if err != nil {
			return cliConfig{}, fmt.Errorf("parse log_level: %w", err)
		}
		cfg.LogLevel = level
	}

	return cfg, nil
}

func normalizeAddrs(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}
