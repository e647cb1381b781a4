package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dougsko/sqandr/pkg/config"
	"github.com/dougsko/sqandr/pkg/engine"
	"github.com/dougsko/sqandr/pkg/hardware"
	"github.com/dougsko/sqandr/pkg/host"
	"github.com/dougsko/sqandr/pkg/logging"
	"github.com/dougsko/sqandr/pkg/monitor"
	"github.com/dougsko/sqandr/pkg/publish"
	"github.com/dougsko/sqandr/pkg/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const statusPublishInterval = 10 * time.Second

// Daemon wires the link engine to its optional surfaces: the frame log, the
// MQTT publisher, the signal monitor and the web API.
type Daemon struct {
	config *config.Config
	wg     sync.WaitGroup

	engine    *engine.Engine
	store     *storage.FrameStore
	publisher *publish.Publisher
	hub       *FrameHub

	monitor  *monitor.SignalMonitor
	metrics  *monitor.Metrics
	registry *prometheus.Registry
	pool     *hardware.SnapshotPool

	webServer *http.Server
}

// NewDaemon opens the transport and host channel and builds every enabled
// component. Nothing is running until Run.
func NewDaemon(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	d := &Daemon{
		config:   cfg,
		registry: prometheus.NewRegistry(),
	}
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.metrics = monitor.NewMetrics(d.registry)
	d.monitor = monitor.NewSignalMonitor(cfg.Monitor.FFTSize, d.metrics)
	d.pool = hardware.NewSnapshotPool(cfg.Monitor.FFTSize)

	transport, err := hardware.Open(ctx, hardware.ConfigFromSettings(cfg))
	if err != nil {
		return nil, err
	}

	channel, err := host.OpenChannel(host.ChannelConfig{
		Type:     cfg.Host.Type,
		Device:   cfg.Host.Device,
		BaudRate: cfg.Host.BaudRate,
	})
	if err != nil {
		transport.Close()
		return nil, err
	}

	d.engine, err = engine.NewEngine(cfg, transport, channel)
	if err != nil {
		transport.Close()
		channel.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	d.engine.SetMetrics(d.metrics)
	d.engine.SetMonitor(d.monitor, d.pool)

	if err := d.setupSinks(); err != nil {
		d.engine.Close()
		d.closeSinks()
		return nil, err
	}

	if cfg.Web.Enabled {
		d.setupWebServer()
	}

	return d, nil
}

func (d *Daemon) setupSinks() error {
	if d.config.Storage.Enabled {
		store, err := storage.NewFrameStore(d.config.Storage.DatabasePath, d.config.Storage.MaxFrames)
		if err != nil {
			return err
		}
		d.store = store
		d.engine.AddSink(store)
	}

	if d.config.MQTT.Enabled {
		publisher, err := publish.NewPublisher(publish.ConfigFromSettings(d.config))
		if err != nil {
			return err
		}
		d.publisher = publisher
		d.engine.AddSink(publisher)
	}

	if d.config.Web.Enabled {
		d.hub = NewFrameHub()
		d.engine.AddSink(d.hub)
	}
	return nil
}

// Run starts the background services and runs the link until ctx is done,
// the host exits, or the link fails. The link error, if any, is returned
// after everything has been shut down.
func (d *Daemon) Run(ctx context.Context) error {
	svcCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.monitor.Run(svcCtx)
	}()
	go func() {
		defer d.wg.Done()
		d.pool.ReportStatistics(svcCtx, time.Minute)
	}()

	if d.publisher != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.publisher.RunStatus(svcCtx, statusPublishInterval, d.engine.Status)
		}()
	}

	if d.webServer != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			logging.Info("web", fmt.Sprintf("Starting web server on %s", d.webServer.Addr))
			if err := d.webServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("web", fmt.Sprintf("Web server error: %v", err))
			}
		}()
	}

	err := d.engine.Run(ctx)

	d.stop()
	cancel()
	d.wg.Wait()
	return err
}

// stop shuts the web server down and closes the sinks. The engine has
// already drained them by the time Run returns.
func (d *Daemon) stop() {
	logging.Info("main", "Stopping daemon...")

	if d.webServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.webServer.Shutdown(ctx); err != nil {
			logging.Warn("web", fmt.Sprintf("Web server shutdown error: %v", err))
		}
	}
	d.closeSinks()
}

func (d *Daemon) closeSinks() {
	if d.hub != nil {
		d.hub.Close()
	}
	if d.publisher != nil {
		if err := d.publisher.PublishStatus(d.engine.Status()); err != nil {
			logging.Debug("mqtt", "Final status not published", map[string]interface{}{"error": err.Error()})
		}
		d.publisher.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logging.Warn("storage", fmt.Sprintf("Failed to close frame store: %v", err))
		}
	}
}

// setupWebServer initializes the web server and routes
func (d *Daemon) setupWebServer() {
	addr := fmt.Sprintf("%s:%d", d.config.Web.BindAddress, d.config.Web.Port)
	d.webServer = &http.Server{
		Addr:    addr,
		Handler: d.newRouter(),
	}
}

func (d *Daemon) newRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger(), gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.GET("/ping", d.handlePing)
		api.GET("/status", d.handleGetStatus)
		api.GET("/config", d.handleGetConfig)
		api.GET("/frames", d.handleGetFrames)
		api.GET("/frames/stats", d.handleGetFrameStats)
		api.POST("/frames/cleanup", d.handleCleanupFrames)
		api.GET("/sessions", d.handleGetSessions)
		api.GET("/signal", d.handleGetSignal)
		api.GET("/serial-devices", d.handleGetSerialDevices)
		api.GET("/ws", d.handleWebSocket)
	}
	router.GET("/metrics", d.handleMetrics())

	return router
}
