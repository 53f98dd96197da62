// Package dashboard hosts the monitor HTTP server: a live run snapshot at
// /status, Prometheus metrics at /metrics, a websocket metric stream at
// /ws/metrics, and JSON history endpoints for metrics, logs and host
// resources.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"simflow/config"
	"simflow/internal/metrics"
	"simflow/logger"
)

const (
	// monitorHistory bounds the in-memory metric, log and resource rings.
	monitorHistory = 200

	// resourceSampleInterval paces the host resource sampler.
	resourceSampleInterval = 5 * time.Second

	// defaultStreamBuffer is the per-reader websocket queue depth when the
	// config leaves stream_buffer unset.
	defaultStreamBuffer = 64

	defaultListenPort = "8880"
)

// Server is the monitor for a run. It observes the simulator through the
// global metric dispatch and a logger hook, so the pipeline never knows
// it is being watched.
type Server struct {
	cfg         config.MonitorConfig
	log         *logger.Log
	statusFn    StatusFunc
	metricStore *metricStore
	logStore    *logStore
	stream      *metricStream
	sampler     *resourceSampler
	handlerID   metrics.MetricHandlerID
	httpServer  *http.Server
}

// NewServer builds the monitor when the config enables it. A disabled
// monitor returns nil, and every method on a nil *Server is a no-op.
// statusFn supplies the live run snapshot for /status; nil is allowed and
// makes /status answer 503.
func NewServer(cfg config.MonitorConfig, log *logger.Log, statusFn StatusFunc) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cfg.Listen = normalizeAddress(cfg.Listen)
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaultStreamBuffer
	}

	s := &Server{
		cfg:         cfg,
		log:         log,
		statusFn:    statusFn,
		metricStore: newMetricStore(monitorHistory),
		logStore:    newLogStore(monitorHistory),
		stream:      newMetricStream(cfg.StreamBuffer, log),
		sampler:     newResourceSampler(monitorHistory, resourceSampleInterval, "/", log),
	}

	s.handlerID = metrics.RegisterMetricHandler(func(m metrics.Metric) {
		s.metricStore.handle(m)
		s.stream.broadcast(m)
	})
	log.AddHook(s.logStore)

	return s, nil
}

// Run serves the monitor until the context is cancelled or the listener
// fails. Safe to call on a nil receiver.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	defer s.cleanup()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.sampler.start(ctx)

	s.httpServer = &http.Server{
		Addr:    s.cfg.Listen,
		Handler: router,
	}

	s.log.WithComponent("monitor").WithFields(logger.Fields{
		"address": s.cfg.Listen,
	}).Info("monitor listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.handlerID)
	s.stream.close()
	if s.logStore != nil {
		s.logStore.close()
	}
	s.sampler.stop()
}

// Address reports the normalized listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Listen
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/status", func(c *gin.Context) {
		if s.statusFn == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no run attached"})
			return
		}
		c.JSON(http.StatusOK, s.statusFn())
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.GET("/ws/metrics", func(c *gin.Context) {
		s.stream.serve(c.Writer, c.Request)
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		snapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(snapshot))
		for _, m := range snapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		snapshot := s.logStore.snapshot()
		payload := make([]gin.H, 0, len(snapshot))
		for _, l := range snapshot {
			payload = append(payload, gin.H{
				"timestamp": l.Timestamp.Format(time.RFC3339Nano),
				"level":     l.Level,
				"component": l.Component,
				"message":   l.Message,
				"fields":    l.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"logs": payload})
	})

	router.GET("/api/resources", func(c *gin.Context) {
		snapshot := s.sampler.snapshot()
		payload := make([]gin.H, 0, len(snapshot))
		for _, snap := range snapshot {
			payload = append(payload, gin.H{
				"timestamp":      snap.Timestamp.Format(time.RFC3339Nano),
				"cpu_percent":    snap.CPUPercent,
				"memory_used":    snap.MemoryUsed,
				"memory_total":   snap.MemoryTotal,
				"memory_percent": snap.MemoryPct,
				"disk_used":      snap.DiskUsed,
				"disk_total":     snap.DiskTotal,
				"disk_percent":   snap.DiskPct,
			})
		}
		c.JSON(http.StatusOK, gin.H{"resources": payload})
	})

	return router, nil
}

// normalizeAddress turns whatever the config offers ("", ":8880",
// "localhost", "http://host:9000", "*:8080") into a host:port pair that
// net.Listen accepts.
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return net.JoinHostPort("0.0.0.0", defaultListenPort)
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			switch {
			case parsed.Host != "":
				addr = parsed.Host
			case parsed.Opaque != "":
				addr = parsed.Opaque
			}
		}
	}

	// ":9090" style; the digit check keeps bare IPv6 literals like "::1"
	// out of this branch.
	if strings.HasPrefix(addr, ":") && len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
		return "0.0.0.0" + addr
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = defaultListenPort
		}
		return net.JoinHostPort(host, port)
	}

	// Bare IPv6 literals fail SplitHostPort but still need a port; so do
	// plain hostnames and IPv4 addresses.
	if net.ParseIP(addr) != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, defaultListenPort)
	}

	return addr
}
