package daemon

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/espmctl/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (d *Daemon) statusRouter() *gin.Engine {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(d.logger))
	r.Use(observability.RequestMetricsMiddleware(d.cfg.PortID))
	if origins := normalizeOrigins(d.cfg.StatusCORSOrigins); len(origins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: origins,
			AllowMethods: []string{"GET"},
			AllowHeaders: []string{"Origin", "Accept"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "port_id": d.cfg.PortID})
	})
	r.GET("/ready", func(c *gin.Context) {
		state := d.State()
		code := http.StatusOK
		if !state.Serving() {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"state": state})
	})
	r.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, d.Status())
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

func (d *Daemon) serveStatus(ctx context.Context) error {
	srv := &http.Server{
		Addr:              d.cfg.StatusAddr,
		Handler:           d.statusRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	d.logger.Info().Str("addr", d.cfg.StatusAddr).Msg("daemon.status listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}
