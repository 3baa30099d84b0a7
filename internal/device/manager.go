package device

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"scalebridge/internal/parser"
)

const (
	DefaultConnectBackoff   = 3 * time.Second
	DefaultReconnectBackoff = 2 * time.Second
	DefaultWriteTimeout     = 2 * time.Second
	DefaultLineTerminator   = "\n"
)

var (
	ErrNotConnected   = errors.New("仪表未连接")
	ErrAlreadyRunning = errors.New("连接管理器已在运行")
	ErrWriteTimeout   = errors.New("写入仪表超时")
)

// State 仪表连接状态
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Publisher 接收每一行序列化后的仪表数据
type Publisher interface {
	Publish(msg string)
}

// deadlineWriter 由 net.Conn 实现；串口没有写超时
type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

type Option func(*Manager)

func WithConnectBackoff(d time.Duration) Option {
	return func(m *Manager) { m.connectBackoff = d }
}

func WithReconnectBackoff(d time.Duration) Option {
	return func(m *Manager) { m.reconnectBackoff = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(m *Manager) { m.writeTimeout = d }
}

func WithLineTerminator(term string) Option {
	return func(m *Manager) { m.terminator = term }
}

// Manager 维护到仪表的唯一一条连接：断开后无限重连，
// 读到的每一行经解析后推送给 Publisher。
// 写端只在 mu 保护下短暂使用，Run 是唯一修改它的地方。
type Manager struct {
	dial      DialFunc
	publisher Publisher

	connectBackoff   time.Duration
	reconnectBackoff time.Duration
	writeTimeout     time.Duration
	terminator       string

	mu     sync.Mutex
	writer io.WriteCloser

	state    atomic.Int32
	running  atomic.Bool
	attempts atomic.Uint64
}

func NewManager(dial DialFunc, publisher Publisher, opts ...Option) *Manager {
	m := &Manager{
		dial:             dial,
		publisher:        publisher,
		connectBackoff:   DefaultConnectBackoff,
		reconnectBackoff: DefaultReconnectBackoff,
		writeTimeout:     DefaultWriteTimeout,
		terminator:       DefaultLineTerminator,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) Connected() bool {
	return m.State() == Connected
}

// Attempts 返回累计的连接尝试次数
func (m *Manager) Attempts() uint64 {
	return m.attempts.Load()
}

// Run 连接-读取-断开-退避循环，直到 ctx 结束。同一时间只允许一个 Run。
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)

	log := logrus.WithField("module", "Device")
	for {
		m.setState(Connecting)
		m.attempts.Add(1)

		conn, err := m.dial(ctx)
		if err != nil {
			m.setState(Disconnected)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithFields(logrus.Fields{
				"error":   err,
				"backoff": m.connectBackoff,
			}).Warn("连接仪表失败，稍后重试")
			if !sleep(ctx, m.connectBackoff) {
				return ctx.Err()
			}
			continue
		}

		log.Info("仪表已连接")
		m.setWriter(conn)
		m.setState(Connected)

		err = m.readLoop(ctx, conn)

		m.setWriter(nil)
		m.setState(Disconnected)
		if cerr := conn.Close(); cerr != nil {
			log.WithField("error", cerr).Debug("关闭仪表连接时出错")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.WithFields(logrus.Fields{
			"error":   err,
			"backoff": m.reconnectBackoff,
		}).Warn("仪表连接已断开，稍后重连")
		if !sleep(ctx, m.reconnectBackoff) {
			return ctx.Err()
		}
	}
}

// readLoop 按行读取直到 EOF 或出错，返回导致退出的错误（EOF 时为 io.EOF）
func (m *Manager) readLoop(ctx context.Context, conn io.ReadWriteCloser) error {
	// ctx 结束时关闭连接以打断阻塞的读
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// EOF 前没有换行符的残留数据
			if text := strings.TrimSpace(line); text != "" {
				m.publisher.Publish(parser.Encode(text))
			}
			return err
		}
		m.publisher.Publish(parser.Encode(line))
	}
}

// WriteLine 把一条指令写给仪表，自动补上行结束符。
// 锁只在单次写期间持有，写入最长 writeTimeout。
func (m *Manager) WriteLine(line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writer == nil {
		return ErrNotConnected
	}
	w := m.writer
	data := line + m.terminator
	if m.writeTimeout <= 0 {
		_, err := io.WriteString(w, data)
		return err
	}

	if dw, ok := w.(deadlineWriter); ok {
		err := dw.SetWriteDeadline(time.Now().Add(m.writeTimeout))
		if err == nil {
			_, err = io.WriteString(w, data)
			return err
		}
		logrus.WithFields(logrus.Fields{
			"module": "Device",
			"error":  err,
		}).Warn("设置写超时失败，改用定时关闭")
	}

	// 串口没有写超时：到期关闭连接打断阻塞的写，读循环随之退出并重连
	var expired atomic.Bool
	timer := time.AfterFunc(m.writeTimeout, func() {
		expired.Store(true)
		w.Close()
	})
	_, err := io.WriteString(w, data)
	timer.Stop()
	if expired.Load() {
		return ErrWriteTimeout
	}
	return err
}

func (m *Manager) setWriter(w io.WriteCloser) {
	m.mu.Lock()
	m.writer = w
	m.mu.Unlock()
}

func (m *Manager) setState(s State) {
	m.state.Store(int32(s))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
