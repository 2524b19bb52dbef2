package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"atbridge_go/internal/app"
	"atbridge_go/internal/atcmd"
	"atbridge_go/internal/config"
	"atbridge_go/internal/shared/logger"
)

var version = "dev"

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	configFile := flag.String("config", "", "Config file (.ini or .yaml); overrides -configdir")
	flag.Parse()

	path := *configFile
	if path == "" {
		path = filepath.Join(*configDir, "atbridge.ini")
	}

	// 1. 加载配置
	cfg, err := config.Load(path)
	if err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", path, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. 创建并运行
	atcmd.Version = version
	appServer := app.New(cfg, path)
	if err := appServer.Run(); err != nil {
		logger.Fatal().Err(err).Msg("Bridge stopped with error")
	}
}
