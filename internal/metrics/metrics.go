package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of active websocket sessions",
	})
	MessagesStoredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_stored_total",
		Help: "Total number of chat messages durably stored",
	})
	FanoutPushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_fanout_pushes_total",
		Help: "Total number of messages pushed to live sessions",
	})
	FanoutDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_fanout_dropped_sessions_total",
		Help: "Total number of room subscriptions dropped because a session's send buffer was full",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(WsConnections, MessagesStoredTotal, FanoutPushesTotal, FanoutDroppedTotal, HttpRequestsTotal, HttpRequestDuration)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
