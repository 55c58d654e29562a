// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package config loads the agent configuration. The configuration is read
// once at startup and passed by value to component constructors; nothing
// re-reads it after the workers have started.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/DataDog/viper"
	"github.com/pkg/errors"
)

// MemdumpConfig holds the capture ring settings.
type MemdumpConfig struct {
	Enabled                 bool
	BufsizeBytes            uint64
	MaxDiskSizeBytes        uint64
	MaxInitAttempts         uint64
	Autodisable             bool
	HeadersPctThreshold     uint64
	MinTimeBetweenRotations time.Duration
	ReEnableInterval        time.Duration
}

// SecurityConfig holds the policy engine settings.
type SecurityConfig struct {
	PoliciesFile     string
	RulesDir         string
	WatchPolicies    bool
	ThrottlingRate   float64
	ThrottlingBurst  int
	ReportInterval   time.Duration
	CaptureChunkSize int
}

// ComplianceConfig holds the compliance client settings.
type ComplianceConfig struct {
	Enabled         bool
	SocketPath      string
	RefreshInterval time.Duration
	SendResults     bool
	SendEvents      bool
	SaveErrors      bool
}

// QueueConfig bounds the transport queue, per priority.
type QueueConfig struct {
	HighSize   int
	MediumSize int
	LowSize    int
}

// Config is the full agent configuration.
type Config struct {
	LogLevel   string
	LogFile    string
	StatsdAddr string

	RunRoot       string
	HostID        string
	CustomerID    string
	CrashdumpFile string

	EventSocket         string
	ContainerRuntimeBin string

	CompressionEnabled bool

	Memdump    MemdumpConfig
	Security   SecurityConfig
	Compliance ComplianceConfig
	Queue      QueueConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("statsd_addr", "127.0.0.1:8125")

	v.SetDefault("run_root", "/opt/secagent/run")
	v.SetDefault("host_id", "")
	v.SetDefault("customer_id", "")
	v.SetDefault("crashdump_file", "")

	v.SetDefault("compression.enabled", true)

	v.SetDefault("memdump.enabled", true)
	v.SetDefault("memdump.bufsize_mb", 300)
	v.SetDefault("memdump.max_disk_size_mb", 1024)
	v.SetDefault("memdump.max_init_attempts", 10)
	v.SetDefault("memdump.autodisable", true)
	v.SetDefault("memdump.headers_pct_threshold", 10)
	v.SetDefault("memdump.min_time_between_rotations_ms", 100)
	v.SetDefault("memdump.re_enable_interval_minutes", 5)

	v.SetDefault("event_socket", "")
	v.SetDefault("container_runtime_bin", "docker")

	v.SetDefault("security.policies_file", "")
	v.SetDefault("security.rules_dir", "")
	v.SetDefault("security.watch_policies", true)
	v.SetDefault("security.throttling_rate", 10)
	v.SetDefault("security.throttling_burst", 50)
	v.SetDefault("security.report_interval_s", 1)
	v.SetDefault("security.capture_chunk_size", 1<<20)

	v.SetDefault("compliance.enabled", false)
	v.SetDefault("compliance.socket_path", "")
	v.SetDefault("compliance.refresh_interval_s", 120)
	v.SetDefault("compliance.send_results", true)
	v.SetDefault("compliance.send_events", false)
	v.SetDefault("compliance.save_errors", false)

	v.SetDefault("queue.high_size", 10)
	v.SetDefault("queue.medium_size", 100)
	v.SetDefault("queue.low_size", 300)
}

// Load reads the configuration file at path, applying DD_ environment
// overrides on top of the defaults. A missing file is not an error: the
// defaults are returned.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(errors.Cause(err)) {
				return nil, errors.Wrapf(err, "unable to load config file `%s`", path)
			}
		}
	}

	c := &Config{
		LogLevel:   v.GetString("log_level"),
		LogFile:    v.GetString("log_file"),
		StatsdAddr: v.GetString("statsd_addr"),

		RunRoot:       v.GetString("run_root"),
		HostID:        v.GetString("host_id"),
		CustomerID:    v.GetString("customer_id"),
		CrashdumpFile: v.GetString("crashdump_file"),

		EventSocket:         v.GetString("event_socket"),
		ContainerRuntimeBin: v.GetString("container_runtime_bin"),

		CompressionEnabled: v.GetBool("compression.enabled"),

		Memdump: MemdumpConfig{
			Enabled:                 v.GetBool("memdump.enabled"),
			BufsizeBytes:            uint64(v.GetInt64("memdump.bufsize_mb")) << 20,
			MaxDiskSizeBytes:        uint64(v.GetInt64("memdump.max_disk_size_mb")) << 20,
			MaxInitAttempts:         uint64(v.GetInt64("memdump.max_init_attempts")),
			Autodisable:             v.GetBool("memdump.autodisable"),
			HeadersPctThreshold:     uint64(v.GetInt64("memdump.headers_pct_threshold")),
			MinTimeBetweenRotations: time.Duration(v.GetInt64("memdump.min_time_between_rotations_ms")) * time.Millisecond,
			ReEnableInterval:        time.Duration(v.GetInt64("memdump.re_enable_interval_minutes")) * time.Minute,
		},

		Security: SecurityConfig{
			PoliciesFile:     v.GetString("security.policies_file"),
			RulesDir:         v.GetString("security.rules_dir"),
			WatchPolicies:    v.GetBool("security.watch_policies"),
			ThrottlingRate:   v.GetFloat64("security.throttling_rate"),
			ThrottlingBurst:  v.GetInt("security.throttling_burst"),
			ReportInterval:   time.Duration(v.GetInt64("security.report_interval_s")) * time.Second,
			CaptureChunkSize: v.GetInt("security.capture_chunk_size"),
		},

		Compliance: ComplianceConfig{
			Enabled:         v.GetBool("compliance.enabled"),
			SocketPath:      v.GetString("compliance.socket_path"),
			RefreshInterval: time.Duration(v.GetInt64("compliance.refresh_interval_s")) * time.Second,
			SendResults:     v.GetBool("compliance.send_results"),
			SendEvents:      v.GetBool("compliance.send_events"),
			SaveErrors:      v.GetBool("compliance.save_errors"),
		},

		Queue: QueueConfig{
			HighSize:   v.GetInt("queue.high_size"),
			MediumSize: v.GetInt("queue.medium_size"),
			LowSize:    v.GetInt("queue.low_size"),
		},
	}

	if c.Memdump.BufsizeBytes == 0 {
		return nil, errors.New("memdump.bufsize_mb must be positive")
	}
	if c.EventSocket == "" {
		c.EventSocket = c.RunRoot + "/events.sock"
	}
	if c.Compliance.Enabled && c.Compliance.SocketPath == "" {
		c.Compliance.SocketPath = "unix://" + c.RunRoot + "/compliance.sock"
	}

	return c, nil
}
