// Package config loads head and chunk-server settings. A missing or bad
// file never stops a node: the loader warns and runs on defaults.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "CHUNKFS"

// ServerConfig is the part every node reads.
type ServerConfig struct {
	Port       int    `mapstructure:"port" validate:"min=1,max=65535"`
	ServerName string `mapstructure:"server_name"`
	IsPrimary  bool   `mapstructure:"is_primary"`
}

type HeadConfig struct {
	ServerConfig `mapstructure:",squash"`

	LogLevel           string        `mapstructure:"log_level"`
	DataDir            string        `mapstructure:"data_dir"`
	ReplicationFactor  int           `mapstructure:"replication_factor" validate:"min=1"`
	ChunkSize          int           `mapstructure:"chunk_size" validate:"min=1"`
	CapacityCeiling    float64       `mapstructure:"capacity_ceiling" validate:"gt=0,lte=1"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
	ProbeTimeout       time.Duration `mapstructure:"probe_timeout" validate:"gt=0"`
	GracePeriod        time.Duration `mapstructure:"grace_period" validate:"gt=0"`
	RepairInterval     time.Duration `mapstructure:"repair_interval" validate:"gt=0"`
	RepairWorkers      int           `mapstructure:"repair_workers" validate:"min=1"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval" validate:"gt=0"`
	ChunkServers       []string      `mapstructure:"chunk_servers" validate:"dive,hostname_port"`
	PlacementSeed      uint64        `mapstructure:"placement_seed"`
}

type ChunkServerConfig struct {
	ServerConfig `mapstructure:",squash"`

	LogLevel       string        `mapstructure:"log_level"`
	HeadURL        string        `mapstructure:"head_url" validate:"omitempty,url"`
	AdvertiseAddr  string        `mapstructure:"advertise_addr" validate:"omitempty,hostname_port"`
	DataDir        string        `mapstructure:"data_dir" validate:"required"`
	CapacityBytes  uint64        `mapstructure:"capacity_bytes"`
	ReportInterval time.Duration `mapstructure:"report_interval" validate:"gte=0"`
	StatsInterval  time.Duration `mapstructure:"stats_interval" validate:"gte=0"`
	NetInterface   string        `mapstructure:"net_interface"`
	IOTimeout      time.Duration `mapstructure:"io_timeout" validate:"gt=0"`
}

func DefaultHead() HeadConfig {
	return HeadConfig{
		ServerConfig:       ServerConfig{Port: 8080, ServerName: "head", IsPrimary: true},
		LogLevel:           "info",
		DataDir:            "head-data",
		ReplicationFactor:  2,
		ChunkSize:          64 << 20,
		CapacityCeiling:    0.95,
		HeartbeatInterval:  time.Second,
		ProbeTimeout:       3 * time.Second,
		GracePeriod:        10 * time.Second,
		RepairInterval:     30 * time.Second,
		RepairWorkers:      4,
		CheckpointInterval: 5 * time.Minute,
	}
}

func DefaultChunkServer() ChunkServerConfig {
	return ChunkServerConfig{
		ServerConfig:  ServerConfig{Port: 9001, ServerName: "chunkserver"},
		LogLevel:      "info",
		HeadURL:       "http://127.0.0.1:8080",
		DataDir:       "chunks",
		StatsInterval: 5 * time.Minute,
		IOTimeout:     30 * time.Second,
	}
}

var validate = validator.New()

// LoadHead reads path (any format viper knows, by extension) over the head
// defaults. An empty path means defaults plus environment.
func LoadHead(path string) HeadConfig {
	def := DefaultHead()
	cfg, err := load(path, def, headDefaults(def))
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config: using defaults")
		return def
	}
	return cfg
}

func LoadChunkServer(path string) ChunkServerConfig {
	def := DefaultChunkServer()
	cfg, err := load(path, def, chunkServerDefaults(def))
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config: using defaults")
		return def
	}
	return cfg
}

func load[T any](path string, def T, defaults func(*viper.Viper)) (T, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	defaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return def, fmt.Errorf("read %s: %w", path, err)
		}
	}

	var cfg T
	if err := v.Unmarshal(&cfg); err != nil {
		return def, fmt.Errorf("decode: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return def, fmt.Errorf("validate: %w", err)
	}
	return cfg, nil
}

// Every key needs a default for AutomaticEnv to reach it through Unmarshal.
func serverDefaults(v *viper.Viper, s ServerConfig) {
	v.SetDefault("port", s.Port)
	v.SetDefault("server_name", s.ServerName)
	v.SetDefault("is_primary", s.IsPrimary)
}

func headDefaults(d HeadConfig) func(*viper.Viper) {
	return func(v *viper.Viper) {
		serverDefaults(v, d.ServerConfig)
		v.SetDefault("log_level", d.LogLevel)
		v.SetDefault("data_dir", d.DataDir)
		v.SetDefault("replication_factor", d.ReplicationFactor)
		v.SetDefault("chunk_size", d.ChunkSize)
		v.SetDefault("capacity_ceiling", d.CapacityCeiling)
		v.SetDefault("heartbeat_interval", d.HeartbeatInterval)
		v.SetDefault("probe_timeout", d.ProbeTimeout)
		v.SetDefault("grace_period", d.GracePeriod)
		v.SetDefault("repair_interval", d.RepairInterval)
		v.SetDefault("repair_workers", d.RepairWorkers)
		v.SetDefault("checkpoint_interval", d.CheckpointInterval)
		v.SetDefault("chunk_servers", d.ChunkServers)
		v.SetDefault("placement_seed", d.PlacementSeed)
	}
}

func chunkServerDefaults(d ChunkServerConfig) func(*viper.Viper) {
	return func(v *viper.Viper) {
		serverDefaults(v, d.ServerConfig)
		v.SetDefault("log_level", d.LogLevel)
		v.SetDefault("head_url", d.HeadURL)
		v.SetDefault("advertise_addr", d.AdvertiseAddr)
		v.SetDefault("data_dir", d.DataDir)
		v.SetDefault("capacity_bytes", d.CapacityBytes)
		v.SetDefault("report_interval", d.ReportInterval)
		v.SetDefault("stats_interval", d.StatsInterval)
		v.SetDefault("net_interface", d.NetInterface)
		v.SetDefault("io_timeout", d.IOTimeout)
	}
}
