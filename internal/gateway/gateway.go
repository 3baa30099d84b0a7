package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"scalebridge/internal/bridge"
	"scalebridge/internal/command"
	"scalebridge/internal/config"
	"scalebridge/internal/device"
	"scalebridge/internal/ws"
)

const shutdownTimeout = 5 * time.Second

// Gateway 组装仪表连接、广播中心、指令路由和 WebSocket 服务
type Gateway struct {
	cfg     config.Config
	hub     *ws.Hub
	device  *device.Manager
	router  *command.Router
	handler *ws.Handler
}

func New(cfg config.Config) (*Gateway, error) {
	dial, err := device.NewDialer(cfg.ScaleAddr)
	if err != nil {
		return nil, err
	}

	hub := ws.NewHub(cfg.HubCapacity)

	devOpts := []device.Option{
		device.WithConnectBackoff(cfg.Timeouts.ConnectBackoff),
		device.WithReconnectBackoff(cfg.Timeouts.ReconnectBackoff),
		device.WithWriteTimeout(cfg.Timeouts.WriteTimeout),
	}
	if cfg.LineTerminator != "" {
		devOpts = append(devOpts, device.WithLineTerminator(cfg.LineTerminator))
	}
	dev := device.NewManager(dial, hub, devOpts...)

	// 未配置桥接地址时 br 保持为 nil 接口
	var br command.Bridge
	if cfg.BridgeURL != "" {
		opts := []bridge.Option{bridge.WithTimeout(cfg.Timeouts.BridgeTimeout)}
		if host, port, ok := device.TCPTarget(cfg.ScaleAddr); ok {
			opts = append(opts, bridge.WithDevice(host, port))
		}
		br = bridge.New(cfg.BridgeURL, opts...)
	}

	router := command.NewRouter(dev, br, hub,
		command.WithPreferBridge(cfg.PreferBridge),
		command.WithBridgeTimeout(cfg.Timeouts.BridgeTimeout),
	)

	return &Gateway{
		cfg:     cfg,
		hub:     hub,
		device:  dev,
		router:  router,
		handler: ws.NewHandler(hub, router),
	}, nil
}

func (g *Gateway) Hub() *ws.Hub {
	return g.hub
}

func (g *Gateway) Device() *device.Manager {
	return g.device
}

// Routes WebSocket 同时挂在配置的路径和根路径上
func (g *Gateway) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", g.health).Methods(http.MethodGet, http.MethodOptions)
	r.Handle(g.wsPath(), g.handler)
	if g.wsPath() != "/" {
		r.Handle("/", g.handler)
	}
	r.Use(mux.CORSMethodMiddleware(r))
	return r
}

func (g *Gateway) wsPath() string {
	if g.cfg.WSPath == "" {
		return "/ws"
	}
	return g.cfg.WSPath
}

type healthResponse struct {
	Status       string `json:"status"`
	Device       string `json:"device"`
	Clients      int    `json:"clients"`
	Bridge       bool   `json:"bridge"`
	PreferBridge bool   `json:"prefer_bridge"`
}

func (g *Gateway) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if r.Method == http.MethodOptions {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	resp := healthResponse{
		Status:       "ok",
		Device:       g.device.State().String(),
		Clients:      g.hub.Count(),
		Bridge:       g.cfg.BridgeURL != "",
		PreferBridge: g.cfg.PreferBridge,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logrus.WithFields(logrus.Fields{
			"module": "Gateway",
			"error":  err,
		}).Error("响应编码失败")
	}
}

// Run 监听 cfg.WSAddr 并阻塞到 ctx 结束
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.WSAddr)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", g.cfg.WSAddr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve 在给定的监听器上提供服务，同时运行唯一的仪表连接管理器。
// ctx 结束时关闭 HTTP 服务和所有 WebSocket 连接，并等待进行中的桥接请求。
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	grp, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler:           g.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// WebSocket 连接的上下文派生自 ctx，关闭时一并断开
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	log := logrus.WithField("module", "Gateway")
	log.WithFields(logrus.Fields{
		"addr":   ln.Addr().String(),
		"scale":  g.cfg.ScaleAddr,
		"bridge": g.cfg.BridgeURL,
	}).Info("网关已启动")

	grp.Go(func() error {
		if err := g.device.Run(ctx); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	grp.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		g.router.Close()
		log.Info("网关已停止")
		return err
	})

	return grp.Wait()
}
