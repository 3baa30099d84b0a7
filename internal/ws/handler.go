package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"scalebridge/internal/command"
)

const (
	defaultWriteWait = 10 * time.Second
	// 客户端消息只有 ping 和短指令
	defaultReadLimit = 4 << 10
)

var (
	errClientClosed = errors.New("客户端已关闭连接")
	errUnsubscribed = errors.New("订阅已取消")
)

// Dispatcher 执行客户端发来的指令
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd string) command.Route
}

// inbound 客户端消息，只识别 ping 和 cmd 两种
type inbound struct {
	Ping json.RawMessage `json:"ping"`
	Cmd  *string         `json:"cmd"`
}

type HandlerOption func(*Handler)

func WithWriteWait(d time.Duration) HandlerOption {
	return func(h *Handler) { h.writeWait = d }
}

// WithReadLimit 单条客户端消息的最大字节数，超出时关闭连接
func WithReadLimit(n int64) HandlerOption {
	return func(h *Handler) { h.readLimit = n }
}

// Handler 每个 WebSocket 客户端一对 goroutine：
// 一个把广播写给客户端，一个读取客户端指令。任意一个结束，连接即关闭。
type Handler struct {
	hub        *Hub
	dispatcher Dispatcher
	upgrader   websocket.Upgrader
	writeWait  time.Duration
	readLimit  int64
}

func NewHandler(hub *Hub, dispatcher Dispatcher, opts ...HandlerOption) *Handler {
	h := &Handler{
		hub:        hub,
		dispatcher: dispatcher,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		writeWait: defaultWriteWait,
		readLimit: defaultReadLimit,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"module": "WebSocket",
			"error":  err,
		}).Error("连接升级失败")
		return
	}
	if h.readLimit > 0 {
		conn.SetReadLimit(h.readLimit)
	}

	sub := h.hub.Subscribe()
	log := logrus.WithFields(logrus.Fields{
		"module": "WebSocket",
		"remote": conn.RemoteAddr().String(),
	})
	log.WithField("clientCount", h.hub.Count()).Info("新客户端连接")

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return h.writePump(ctx, conn, sub, log) })
	g.Go(func() error { return h.readPump(ctx, conn, log) })
	g.Go(func() error {
		// 任一方向结束后关闭连接，打断另一方向阻塞的读
		<-ctx.Done()
		h.hub.Unsubscribe(sub)
		return conn.Close()
	})

	err = g.Wait()
	log.WithFields(logrus.Fields{
		"reason":         err,
		"remainingCount": h.hub.Count(),
	}).Info("客户端连接已断开")
}

func (h *Handler) writePump(ctx context.Context, conn *websocket.Conn, sub *Subscription, log *logrus.Entry) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				return errUnsubscribed
			}
			if missed := sub.Missed(); missed > 0 {
				log.WithField("missed", missed).Warn("客户端消费过慢，丢弃旧消息")
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				log.WithField("error", err).Error("写入消息失败")
				return err
			}
		}
	}
}

func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, log *logrus.Entry) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return errClientClosed
			}
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		h.handleText(ctx, data, log)
	}
}

// handleText 解析一条文本消息。无法识别的消息只记日志，不回报客户端。
func (h *Handler) handleText(ctx context.Context, data []byte, log *logrus.Entry) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		log.WithField("message", string(data)).Debug("忽略无法解析的消息")
		return
	}
	if msg.Ping != nil {
		return
	}

	if msg.Cmd == nil {
		log.WithField("message", string(data)).Debug("忽略无法识别的消息")
		return
	}

	route := h.dispatcher.Dispatch(ctx, *msg.Cmd)
	log.WithFields(logrus.Fields{
		"command": *msg.Cmd,
		"route":   route.String(),
	}).Debug("指令已处理")
}
