package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"scalebridge/internal/config"
	"scalebridge/internal/gateway"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

func initLogger(cfg config.Config) {
	logDir := cfg.LogDir
	if logDir == "" {
		exePath, err := os.Executable()
		if err != nil {
			logrus.Fatalf("获取可执行文件路径失败: %v", err)
		}
		logDir = filepath.Join(filepath.Dir(exePath), "logs")
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		logrus.Fatalf("创建日志目录失败: %v", err)
	}

	logrus.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   filepath.Join(logDir, time.Now().Format("2006-01-02")+".log"),
		MaxSize:    20, // 单个日志文件最大20MB
		MaxBackups: 7,  // 最多保留7个备份
		MaxAge:     30, // 最多保留30天
		Compress:   false,
	}))
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Warnf("未知的日志级别 %q，使用 info", cfg.LogLevel)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("加载配置失败: %v", err)
	}
	initLogger(cfg)

	g, err := gateway.New(cfg)
	if err != nil {
		logrus.Fatalf("初始化网关失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logrus.Infof("地磅网关已启动，WebSocket 地址 ws://%s%s", cfg.WSAddr, cfg.WSPath)
	if err := g.Run(ctx); err != nil {
		logrus.Fatalf("网关异常退出: %v", err)
	}
}
