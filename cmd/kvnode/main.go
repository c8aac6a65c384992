package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/evelyn32h/omnipaxos-database/configs"
	"github.com/evelyn32h/omnipaxos-database/internal/api"
	"github.com/evelyn32h/omnipaxos-database/internal/api/kv_grpc"
	"github.com/evelyn32h/omnipaxos-database/internal/util"
)

// kvnode 启动入口

func main() {
	// 配置文件路径，默认使用工作目录下的 settings.toml
	configPath := "settings.toml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	appCfg, err := configs.ReadConfig(configPath)
	if err != nil {
		log.Fatalf("read config failed: %v", err)
	}

	// 初始化全局日志（按天写文件到 <settings.toml>/logs/ ）
	closeLogger := initGlobalLogger(configPath, appCfg)
	defer closeLogger()

	ctx, cancel := signalContext()
	defer cancel()

	// 根据运行模式选择 KVService 实现
	svc, err := buildKVService(ctx, appCfg)
	if err != nil {
		log.Fatalf("build kv service failed: %v", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			util.L().Errorf("close kv service: %v", err)
		}
	}()

	if addr := appCfg.Self.GRPCAddress; addr != "" {
		go func() {
			if err := kv_grpc.StartGRPCServer(ctx, addr, svc); err != nil {
				util.L().Errorf("grpc server error: %v", err)
				cancel()
			}
		}()
	}

	util.L().Infof("node %s started in %s mode", appCfg.Self.ID, appCfg.Mode)
	if err := api.StartHTTPServer(ctx, appCfg.Self.ClientAddress, svc); err != nil {
		util.L().Errorf("http server error: %v", err)
	}
}

func initGlobalLogger(configPath string, appCfg *configs.AppConfig) func() {
	baseDir := filepath.Dir(configPath)
	if baseDir == "." {
		if wd, err := os.Getwd(); err == nil {
			baseDir = wd
		}
	}

	// 默认配置
	cfg := &configs.LoggerConfig{
		Enabled:   true,
		Dir:       "logs",
		Extension: "log",
		Prefix:    "kvnode",
		Level:     "info",
		Stdout:    true,
	}
	var nodeID string
	if appCfg != nil {
		nodeID = appCfg.Self.ID
		if appCfg.Logger != nil {
			cfg = appCfg.Logger
		}
	}
	if !cfg.Enabled {
		util.SetGlobalLogger(nil)
		return func() {}
	}

	l, err := util.NewDailyFileLogger(util.DailyFileLoggerOptions{
		BaseDir:    baseDir,
		Dir:        cfg.Dir,
		Extension:  cfg.Extension,
		Prefix:     cfg.Prefix,
		NodeID:     nodeID,
		MinLevel:   util.ParseLogLevel(cfg.Level),
		Stdout:     cfg.Stdout,
		TimeFormat: cfg.TimeFormat,
	})
	if err != nil {
		log.Printf("init file logger failed: %v", err)
		return func() {}
	}
	util.SetGlobalLogger(l)
	return func() {
		util.SetGlobalLogger(nil)
		_ = l.Close()
	}
}

// signalContext 返回一个在接收到中断/终止信号时关闭的 Context。
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
