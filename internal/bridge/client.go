package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultTimeout = 10 * time.Second
	// 响应体上限，桥接服务只返回一行仪表应答
	maxBodySize = 64 << 10
)

// ErrBodyTooLarge 响应体超过 maxBodySize
var ErrBodyTooLarge = fmt.Errorf("桥接响应超过 %d 字节", maxBodySize)

// StatusError 桥接服务返回了非 2xx 状态码
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("桥接服务返回 %d: %s", e.StatusCode, e.Body)
}

// Request 发给桥接服务的请求体。桥接服务自己连接仪表，需要知道仪表地址。
type Request struct {
	Command   string `json:"command"`
	IPAddress string `json:"ip_address,omitempty"`
	Port      int    `json:"port,omitempty"`
}

// Response 桥接服务的标准应答
type Response struct {
	Response string `json:"response"`
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithDevice 让请求带上仪表地址
func WithDevice(host string, port int) Option {
	return func(c *Client) {
		c.host = host
		c.port = port
	}
}

// Client 仪表直连不可用时的备用通道
type Client struct {
	url  string
	http *http.Client
	host string
	port int
}

func New(url string, opts ...Option) *Client {
	c := &Client{
		url:  url,
		http: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) URL() string {
	return c.url
}

// Send 把符号指令（如 "tare"）交给桥接服务，返回原始响应体
func (c *Client) Send(ctx context.Context, command string) (string, error) {
	payload, err := json.Marshal(Request{Command: command, IPAddress: c.host, Port: c.port})
	if err != nil {
		return "", fmt.Errorf("编码桥接请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("创建桥接请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("请求桥接服务失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return "", fmt.Errorf("读取桥接响应失败: %w", err)
	}
	if len(body) > maxBodySize {
		return "", ErrBodyTooLarge
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return string(body), nil
}

// Unwrap 取出 {"response": "..."} 中的仪表应答；不是这种格式时返回去掉首尾空白的原文
func Unwrap(body string) string {
	var r Response
	if err := json.Unmarshal([]byte(body), &r); err == nil && r.Response != "" {
		return r.Response
	}
	return strings.TrimSpace(body)
}
