package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"atbridge_go/internal/types"

	ini "gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// Defaults 返回所有调优常量的默认值。
func Defaults() *types.Config {
	return &types.Config{
		BridgeConf: types.BridgeConf{
			MaxClients:      5,
			MaxSendLen:      2048,
			RecvBufferSize:  1460,
			InboundQueueLen: 8,
			PollIntervalMs:  200,
			ConnectTimeout:  10000,
			SendTimeoutMs:   5000,
			SendRetries:     3,
			SendRetryMs:     5,
			KeepAliveSec:    0,
			LingerSec:       -1,
			ServerTimeout:   180,
			LocalChannel:    "inproc",
			ChannelDepth:    16,
			SubmitRetries:   5,
			SubmitBackoffMs: 10,
			Multiplex:       true,
		},
		PassthroughConf: types.PassthroughConf{
			BufferSize:      4096,
			ChunkSize:       1460,
			FlushIntervalMs: 20,
			RetryPollMs:     10,
			Terminator:      "+++",
		},
		HostConf: types.HostConf{
			Mode:       "stdio",
			Baud:       115200,
			ListenAddr: "127.0.0.1:3333",
			WsPath:     "/host",
		},
		LogConf: types.LogConf{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load 根据扩展名选择 ini 或 yaml 加载器，未出现的键保持默认值。
func Load(fileName string) (*types.Config, error) {
	cfg := Defaults()
	var err error
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".yaml", ".yml":
		err = LoadYAML(cfg, fileName)
	default:
		err = LoadIni(cfg, fileName)
	}
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", fileName, err)
	}
	return cfg, nil
}

// LoadIni 从指定的 fileName 加载配置到传入的 types.Config 结构体中。
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}

	// MapTo 将各 section 映射到 cfg 的嵌入字段
	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}

	applyEnvOverrides(cfg)
	return nil
}

// LoadYAML 与 LoadIni 等价，只是文件格式为 YAML。
func LoadYAML(cfg *types.Config, fileName string) error {
	b, err := os.ReadFile(fileName)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	applyEnvOverrides(cfg)
	return nil
}

// SaveIni 将内存中的 types.Config 结构体保存回指定的 fileName。
func SaveIni(cfg *types.Config, fileName string) error {
	iniFile := ini.Empty()
	if err := ini.ReflectFrom(iniFile, cfg); err != nil {
		return fmt.Errorf("failed to reflect config to ini object: %w", err)
	}
	return iniFile.SaveTo(fileName)
}

// Validate 拒绝明显不合理的组合。
func Validate(cfg *types.Config) error {
	b, p := cfg.BridgeConf, cfg.PassthroughConf
	switch {
	case b.MaxClients < 1:
		return errors.New("bridge.max_clients must be >= 1")
	case b.MaxSendLen < 1:
		return errors.New("bridge.max_send_len must be >= 1")
	case b.RecvBufferSize < 1:
		return errors.New("bridge.recv_buffer_size must be >= 1")
	case b.PollIntervalMs < 1:
		return errors.New("bridge.poll_interval_ms must be >= 1")
	case b.LocalChannel != "inproc" && b.LocalChannel != "loopback":
		return fmt.Errorf("bridge.local_channel %q is not one of inproc, loopback", b.LocalChannel)
	case b.SendRetries < 1:
		return errors.New("bridge.send_retries must be >= 1")
	case b.SendRetryMs < 0:
		return errors.New("bridge.send_retry_delay_ms must be >= 0")
	case b.ChannelDepth < 1:
		return errors.New("bridge.local_channel_depth must be >= 1")
	case p.BufferSize < 1 || p.ChunkSize < 1:
		return errors.New("passthrough.buffer_size and chunk_size must be >= 1")
	case p.ChunkSize > p.BufferSize:
		return errors.New("passthrough.chunk_size must not exceed buffer_size")
	case p.FlushIntervalMs < 0:
		return errors.New("passthrough.flush_interval_ms must be >= 0")
	case p.Terminator == "":
		return errors.New("passthrough.terminator must not be empty")
	}
	switch cfg.HostConf.Mode {
	case "serial":
		if cfg.HostConf.Baud < 0 {
			return errors.New("host.baud must be >= 0")
		}
	case "stdio", "tcp", "websocket":
	default:
		return fmt.Errorf("host.mode %q is not supported", cfg.HostConf.Mode)
	}
	return nil
}

func applyEnvOverrides(cfg *types.Config) {
	overrideFromEnvInt(&cfg.BridgeConf.MaxClients, "ATBRIDGE_MAX_CLIENTS")
	overrideFromEnvInt(&cfg.WebConf.Port, "ATBRIDGE_WEB_PORT")
	overrideFromEnvString(&cfg.HostConf.Mode, "ATBRIDGE_HOST_MODE")
	overrideFromEnvString(&cfg.LogConf.Level, "ATBRIDGE_LOG_LEVEL")
}

// overrideFromEnvInt 是一个私有辅助函数
func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
