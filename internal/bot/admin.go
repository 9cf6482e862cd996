package bot

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/wisp/internal/cache"
	"github.com/danmuck/wisp/internal/cluster"
	"github.com/danmuck/wisp/internal/observability"
)

const adminVersion = "0.0.1"

// StatusReport is the admin /status payload.
type StatusReport struct {
	Bot            string                `json:"bot"`
	Uptime         string                `json:"uptime"`
	Ready          bool                  `json:"ready"`
	Shards         []cluster.ShardStatus `json:"shards"`
	Cache          cache.Stats           `json:"cache"`
	StandbyPending int                   `json:"standby_pending"`
	Commands       []string              `json:"commands"`
}

func (s *Service) adminRouter() *gin.Engine {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(s.cfg.Name))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CorsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  s.Uptime().String(),
			"bot":     s.cfg.Name,
			"version": adminVersion,
		})
	})

	r.GET("/readyz", func(c *gin.Context) {
		ready := s.Ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"uptime":  s.Uptime().String(),
			"bot":     s.cfg.Name,
			"version": adminVersion,
		})
	})

	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.statusReport())
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func (s *Service) statusReport() StatusReport {
	report := StatusReport{
		Bot:      s.cfg.Name,
		Uptime:   s.Uptime().String(),
		Ready:    s.Ready(),
		Commands: s.commands.List(),
	}
	if s.clu != nil {
		report.Shards = s.clu.ShardStatuses()
	}
	if s.store != nil {
		report.Cache = s.store.Stats()
	}
	if s.registry != nil {
		report.StandbyPending = s.registry.Pending()
	}
	return report
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
