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

	"cryptotrack/config"
	"cryptotrack/internal/metrics"
	"cryptotrack/internal/orchestrator"
	"cryptotrack/logger"
	"cryptotrack/models"
)

// StatusSource reports the supervised venues.
type StatusSource interface {
	Status() []orchestrator.VenueStatus
}

// DataSource is the read side of the persistence collaborator.
type DataSource interface {
	ListVenues() []models.Venue
	ListAggregatedMarketData() []models.AggregatedMarketData
	AggregatedMarketData(symbol string) (models.AggregatedMarketData, bool)
	AllBalances() []models.BalanceRecord
	Balances(venue models.VenueID) []models.BalanceRecord
}

// Server is the operator status server: venue stream states, degraded
// venues, market data, balances, recent logs and metrics.
type Server struct {
	cfg           config.DashboardConfig
	log           *logger.Log
	status        StatusSource
	data          DataSource
	metricStore   *metricStore
	logStore      *logStore
	unsubscribe   func()
	runtime       *runtimeSampler
	httpServer    *http.Server
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg config.DashboardConfig, log *logger.Log, status StatusSource, data DataSource) (*Server, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if status == nil || data == nil {
		return nil, errors.New("dashboard requires status and data sources")
	}
	log = logger.OrDefault(log)
	cfg.Address = normalizeAddress(cfg.Address)

	ms := newMetricStore(cfg.MetricBuffer)
	ls := newLogStore(cfg.LogBuffer)
	log.AddHook(ls)

	return &Server{
		cfg:           cfg,
		log:           log,
		status:        status,
		data:          data,
		metricStore:   ms,
		logStore:      ls,
		unsubscribe:   metrics.Subscribe(ms.handle),
		runtime:       newRuntimeSampler(cfg.MetricBuffer, 5*time.Second),
	}, nil
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context, appName string) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	router, err := s.buildRouter(appName)
	if err != nil {
		return err
	}
	s.runtime.start(ctx)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("ops server listening")

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
	s.unsubscribe()
	s.logStore.close()
	s.runtime.stop()
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

type venueView struct {
	models.Venue
	Credentials *models.Credentials        `json:"credentials,omitempty"`
	Stream      *orchestrator.VenueStatus `json:"stream,omitempty"`
}

func (s *Server) venues() []venueView {
	byVenue := make(map[models.VenueID]orchestrator.VenueStatus)
	for _, st := range s.status.Status() {
		byVenue[st.Venue] = st
	}
	rows := s.data.ListVenues()
	out := make([]venueView, 0, len(rows))
	for _, v := range rows {
		view := venueView{Venue: v}
		if v.Credentials != nil {
			redacted := v.Credentials.Redacted()
			view.Credentials = &redacted
		}
		if st, ok := byVenue[v.ID]; ok {
			st := st
			view.Stream = &st
		}
		out = append(out, view)
	}
	return out
}

func (s *Server) buildRouter(appName string) (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		var degraded []models.VenueID
		for _, st := range s.status.Status() {
			if st.Degraded {
				degraded = append(degraded, st.Venue)
			}
		}
		status := "ok"
		if len(degraded) > 0 {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{"app": appName, "status": status, "degraded": degraded})
	})

	router.GET("/api/venues", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"venues": s.venues()})
	})

	router.GET("/api/market", func(c *gin.Context) {
		if symbol := strings.ToUpper(c.Query("symbol")); symbol != "" {
			rec, ok := s.data.AggregatedMarketData(symbol)
			if !ok {
				c.JSON(http.StatusNotFound, gin.H{"error": "no market data for " + symbol})
				return
			}
			c.JSON(http.StatusOK, rec)
			return
		}
		c.JSON(http.StatusOK, gin.H{"market": s.data.ListAggregatedMarketData()})
	})

	router.GET("/api/balances", func(c *gin.Context) {
		if v := c.Query("venue"); v != "" {
			id, ok := models.ParseVenueID(v)
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown venue " + v})
				return
			}
			c.JSON(http.StatusOK, gin.H{"balances": s.data.Balances(id)})
			return
		}
		c.JSON(http.StatusOK, gin.H{"balances": s.data.AllBalances()})
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
				"type":      m.Kind,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot(c.Query("level"))})
	})

	router.GET("/api/runtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"runtime": s.runtime.snapshot()})
	})

	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	return router, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if parsed.Host != "" {
				addr = parsed.Host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") && len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
		return "0.0.0.0" + addr
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if net.ParseIP(addr) != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
