package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// 模拟仪表：按配置周期推送读数，并应答网关下发的指令

type MessageConfig struct {
	Interval int    `json:"interval"`         // 毫秒
	Message  string `json:"message"`          // 消息内容，为空时随机生成读数
	Repeat   int    `json:"repeat,omitempty"` // 推送次数（0=无限）
}

type Config struct {
	Port     int             `json:"port"`
	Messages []MessageConfig `json:"messages"`
}

var defaultConfig = Config{
	Port: 4001,
	Messages: []MessageConfig{
		{Interval: 1000},
	},
}

// scale 模拟仪表的状态，皮重和零点由指令修改
type scale struct {
	mu    sync.Mutex
	gross float64
	tare  float64
}

func (s *scale) next() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gross = 400 + rand.Float64()*50
}

func (s *scale) line(frame string, netWeight bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	weight, status := s.gross, "G"
	if netWeight {
		weight, status = s.gross-s.tare, "N"
	}
	return fmt.Sprintf("%s:    %.1f kg %s\r\n", frame, weight, status)
}

// reply 返回指令的应答，未知指令返回空
func (s *scale) reply(cmd string) string {
	switch cmd {
	case "20050026:":
		return s.line("81050026", false)
	case "20110027:":
		return s.line("81110027", true)
	case "20120008:8003":
		s.mu.Lock()
		s.tare = s.gross
		s.mu.Unlock()
		return "81120008:OK\r\n"
	case "21120008:0B":
		s.mu.Lock()
		s.gross, s.tare = 0, 0
		s.mu.Unlock()
		return "81120008:OK\r\n"
	}
	return ""
}

func handleConnection(conn net.Conn, s *scale, messages []MessageConfig) {
	defer conn.Close()
	log := logrus.WithField("remote", conn.RemoteAddr().String())
	log.Info("网关已连接")

	var writeMu sync.Mutex
	write := func(msg string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_, err := conn.Write([]byte(msg))
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.TrimSpace(line)
			log.WithField("command", cmd).Info("收到指令")
			if resp := s.reply(cmd); resp != "" {
				if err := write(resp); err != nil {
					return
				}
			}
		}
	}()

	for {
		for _, msg := range messages {
			for i := 0; msg.Repeat == 0 || i < msg.Repeat; i++ {
				text := msg.Message
				if text == "" {
					s.next()
					text = s.line("81050026", false)
				} else if !strings.HasSuffix(text, "\n") {
					text += "\r\n"
				}
				if err := write(text); err != nil {
					log.WithField("error", err).Warn("发送失败")
					return
				}
				select {
				case <-done:
					log.Info("网关已断开")
					return
				case <-time.After(time.Duration(msg.Interval) * time.Millisecond):
				}
			}
		}
	}
}

func loadConfigFromFile(path string) (Config, error) {
	currentPath, _ := os.Executable()
	configPath := filepath.Join(filepath.Dir(currentPath), path)
	config := defaultConfig
	data, err := os.ReadFile(configPath)
	if err != nil {
		return config, fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := json.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("解析配置失败: %w", err)
	}
	return config, nil
}

func main() {
	config, err := loadConfigFromFile("./config.json")
	if err != nil {
		logrus.WithError(err).Warn("使用默认配置")
	}
	if len(config.Messages) == 0 {
		config.Messages = defaultConfig.Messages
	}
	for i := range config.Messages {
		if config.Messages[i].Interval <= 0 {
			config.Messages[i].Interval = 1000
		}
	}

	addr := fmt.Sprintf(":%d", config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logrus.Fatalf("监听失败: %v", err)
	}
	logrus.Infof("模拟仪表运行于 tcp://localhost%s", addr)

	s := &scale{}
	for {
		conn, err := ln.Accept()
		if err != nil {
			logrus.WithError(err).Error("接受连接失败")
			continue
		}
		go handleConnection(conn, s, config.Messages)
	}
}
