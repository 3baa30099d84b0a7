package command

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"scalebridge/internal/bridge"
	"scalebridge/internal/parser"
)

// 符号指令到仪表指令的映射
var wireCommands = map[string]string{
	"read_gross": "20050026:",
	"read_net":   "20110027:",
	"tare":       "20120008:8003",
	"zero":       "21120008:0B",
}

// WireToken 返回符号指令对应的仪表指令，未知指令返回 false
func WireToken(cmd string) (string, bool) {
	token, ok := wireCommands[cmd]
	return token, ok
}

// Route 指令最终走的通道
type Route int

const (
	RouteDevice Route = iota
	RouteBridge
	RouteDropped
)

func (r Route) String() string {
	switch r {
	case RouteDevice:
		return "device"
	case RouteBridge:
		return "bridge"
	default:
		return "dropped"
	}
}

type DeviceWriter interface {
	WriteLine(line string) error
}

type Bridge interface {
	Send(ctx context.Context, command string) (string, error)
}

type Publisher interface {
	Publish(msg string)
}

type Option func(*Router)

// WithPreferBridge 所有指令都走桥接服务，不尝试直连
func WithPreferBridge(prefer bool) Option {
	return func(r *Router) { r.preferBridge = prefer }
}

func WithBridgeTimeout(d time.Duration) Option {
	return func(r *Router) { r.bridgeTimeout = d }
}

// Router 决定指令直接写给仪表还是交给桥接服务。
// bridge 为 nil 时没有备用通道。
type Router struct {
	device    DeviceWriter
	bridge    Bridge
	publisher Publisher

	preferBridge  bool
	bridgeTimeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewRouter(device DeviceWriter, b Bridge, publisher Publisher, opts ...Option) *Router {
	r := &Router{
		device:        device,
		bridge:        b,
		publisher:     publisher,
		bridgeTimeout: bridge.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dispatch 执行一条客户端指令。直连成功即返回；
// 否则在独立的 goroutine 中请求桥接服务，应答广播给所有订阅者。
// 桥接失败只记日志，不向客户端回报错误。
func (r *Router) Dispatch(ctx context.Context, cmd string) Route {
	log := logrus.WithFields(logrus.Fields{
		"module":  "Command",
		"command": cmd,
	})

	if !r.preferBridge {
		if token, ok := WireToken(cmd); ok {
			err := r.device.WriteLine(token)
			if err == nil {
				log.WithField("wire", token).Info("指令已直接发送给仪表")
				return RouteDevice
			}
			log.WithField("error", err).Warn("直连发送失败，改走桥接服务")
		} else {
			log.Info("未知指令，交给桥接服务")
		}
	}

	if r.bridge == nil {
		log.Warn("未配置桥接服务，指令被丢弃")
		return RouteDropped
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		log.Warn("路由已关闭，指令被丢弃")
		return RouteDropped
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go r.relay(context.WithoutCancel(ctx), cmd, log)
	return RouteBridge
}

// Wait 等待进行中的桥接请求结束
func (r *Router) Wait() {
	r.wg.Wait()
}

// Close 拒绝新的桥接请求并等待进行中的请求结束
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Router) relay(ctx context.Context, cmd string, log *logrus.Entry) {
	defer r.wg.Done()

	if r.bridgeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.bridgeTimeout)
		defer cancel()
	}

	body, err := r.bridge.Send(ctx, cmd)
	if err != nil {
		log.WithField("error", err).Error("桥接服务请求失败")
		return
	}

	msg := renderBridgeResponse(body)
	if msg == "" {
		log.Warn("桥接服务返回空响应")
		return
	}
	log.WithField("response", msg).Info("桥接服务已应答")
	r.publisher.Publish(msg)
}

// renderBridgeResponse 应答能解析成读数时按读数推送，否则原样推送
func renderBridgeResponse(body string) string {
	if strings.TrimSpace(body) == "" {
		return ""
	}
	if reading, ok := parser.Parse(bridge.Unwrap(body)); ok {
		if data, err := json.Marshal(reading); err == nil {
			return string(data)
		}
	}
	return body
}
