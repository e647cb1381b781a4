package main

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.bug.st/serial"
	"gopkg.in/yaml.v2"

	"github.com/dougsko/sqandr/pkg/logging"
	"github.com/dougsko/sqandr/pkg/storage"
)

const (
	defaultFrameLimit = 50
	maxFrameLimit     = 1000
)

// requestLogger routes gin's access log through the daemon logger so stdout
// stays reserved for the host channel.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("web", "Request", map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
	}
}

// handlePing answers liveness checks
func (d *Daemon) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleGetStatus returns the link status
func (d *Daemon) handleGetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, d.engine.Status())
}

// handleGetConfig returns the effective configuration with secrets masked
func (d *Daemon) handleGetConfig(c *gin.Context) {
	yamlData, err := yaml.Marshal(d.config)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("failed to marshal config: %v", err),
		})
		return
	}

	var yamlConfig interface{}
	if err := yaml.Unmarshal(yamlData, &yamlConfig); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("failed to unmarshal config: %v", err),
		})
		return
	}

	configMap := convertYamlToJson(yamlConfig)
	if m, ok := configMap.(map[string]interface{}); ok {
		if broker, ok := m["mqtt"].(map[string]interface{}); ok && broker["password"] != "" {
			broker["password"] = "********"
		}
	}

	c.JSON(http.StatusOK, configMap)
}

// convertYamlToJson converts YAML map[interface{}]interface{} to JSON-compatible map[string]interface{}
func convertYamlToJson(i interface{}) interface{} {
	switch x := i.(type) {
	case map[interface{}]interface{}:
		m2 := map[string]interface{}{}
		for k, v := range x {
			m2[fmt.Sprint(k)] = convertYamlToJson(v)
		}
		return m2
	case []interface{}:
		for i, v := range x {
			x[i] = convertYamlToJson(v)
		}
	}
	return i
}

// requireStore writes a 503 and returns nil when frame storage is disabled
func (d *Daemon) requireStore(c *gin.Context) *storage.FrameStore {
	if d.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "frame storage is disabled",
		})
		return nil
	}
	return d.store
}

// handleGetFrames returns logged frames, newest first
func (d *Daemon) handleGetFrames(c *gin.Context) {
	store := d.requireStore(c)
	if store == nil {
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultFrameLimit)))
	if err != nil || limit <= 0 {
		limit = defaultFrameLimit
	}
	if limit > maxFrameLimit {
		limit = maxFrameLimit
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	query := storage.FrameQuery{
		Limit:     limit,
		Offset:    offset,
		Session:   c.Query("session"),
		Direction: strings.ToUpper(c.Query("direction")),
		SyncOnly:  c.Query("sync") == "true",
	}
	if query.Direction != "" && query.Direction != "RX" && query.Direction != "TX" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("invalid direction %q", c.Query("direction")),
		})
		return
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an RFC3339 timestamp"})
			return
		}
		query.Since = &t
	}

	frames, err := store.GetFrames(query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("failed to get frames: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"frames": frames,
		"count":  len(frames),
	})
}

// handleGetFrameStats returns frame log totals
func (d *Daemon) handleGetFrameStats(c *gin.Context) {
	store := d.requireStore(c)
	if store == nil {
		return
	}

	stats, err := store.GetFrameStats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("failed to get frame stats: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// handleCleanupFrames triggers manual cleanup of old frames
func (d *Daemon) handleCleanupFrames(c *gin.Context) {
	store := d.requireStore(c)
	if store == nil {
		return
	}

	if err := store.CleanupOldFrames(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("failed to cleanup frames: %v", err),
		})
		return
	}

	count, _ := store.GetFrameCount()
	c.JSON(http.StatusOK, gin.H{
		"status":      "cleaned",
		"frame_count": count,
	})
}

// handleGetSessions returns per-session summaries
func (d *Daemon) handleGetSessions(c *gin.Context) {
	store := d.requireStore(c)
	if store == nil {
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		limit = 20
	}

	sessions, err := store.GetSessions(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("failed to get sessions: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"current":  d.engine.Session(),
	})
}

// handleGetSignal returns the latest receive signal analysis
func (d *Daemon) handleGetSignal(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"levels":     d.monitor.Latest(),
		"statistics": d.monitor.GetStatistics(),
	})
}

// handleGetSerialDevices lists serial ports usable as a host channel
func (d *Daemon) handleGetSerialDevices(c *gin.Context) {
	ports, err := serial.GetPortsList()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("failed to enumerate serial ports: %v", err),
		})
		return
	}
	if ports == nil {
		ports = []string{}
	}

	c.JSON(http.StatusOK, gin.H{
		"serial_devices": ports,
	})
}

// handleMetrics exposes the daemon's Prometheus registry
func (d *Daemon) handleMetrics() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
}
