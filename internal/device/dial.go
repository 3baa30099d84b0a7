package device

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"

	"go.bug.st/serial"
)

const defaultBaudRate = 9600

// DialFunc 打开一条到仪表的连接
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// NewDialer 根据地址选择传输方式：
//
//	127.0.0.1:4001 / tcp://127.0.0.1:4001  串口服务器（TCP）
//	serial:///dev/ttyUSB0?baud=9600        直连串口，8N1
func NewDialer(addr string) (DialFunc, error) {
	if !strings.Contains(addr, "://") {
		return tcpDialer(addr), nil
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("解析仪表地址失败: %w", err)
	}

	switch u.Scheme {
	case "tcp":
		return tcpDialer(u.Host), nil
	case "serial":
		port := u.Path
		if port == "" {
			port = u.Opaque
		}
		if port == "" {
			port = u.Host
		}
		baud := defaultBaudRate
		if b := u.Query().Get("baud"); b != "" {
			if baud, err = strconv.Atoi(b); err != nil {
				return nil, fmt.Errorf("无效的波特率 %q: %w", b, err)
			}
		}
		return serialDialer(port, baud), nil
	default:
		return nil, fmt.Errorf("不支持的仪表地址: %s", addr)
	}
}

// 不设置连接超时，交给操作系统的 SYN 超时
func tcpDialer(addr string) DialFunc {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

func serialDialer(portName string, baud int) DialFunc {
	mode := &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		return serial.Open(portName, mode)
	}
}

// TCPTarget 返回 TCP 地址的主机和端口，供桥接服务定位仪表；串口地址返回 false
func TCPTarget(addr string) (string, int, bool) {
	if strings.Contains(addr, "://") {
		u, err := url.Parse(addr)
		if err != nil || u.Scheme != "tcp" {
			return "", 0, false
		}
		addr = u.Host
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, false
	}
	return host, port, true
}
