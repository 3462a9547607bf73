// Package dashboard serves the intake HTTP API, the live event stream and
// Prometheus metrics.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zulandar/intakeyard/internal/intake"
	"github.com/zulandar/intakeyard/internal/messaging"
	"github.com/zulandar/intakeyard/internal/models"
	"github.com/zulandar/intakeyard/internal/processor"
	"github.com/zulandar/intakeyard/internal/store"
	"gorm.io/gorm"
)

// DefaultHeartbeat is the SSE heartbeat interval.
const DefaultHeartbeat = 15 * time.Second

// Intakes opens processors for records.
type Intakes interface {
	Start(ctx context.Context, sourceRef string, items []intake.NewItem) (*processor.Processor, error)
	Get(ctx context.Context, id string) (*processor.Processor, error)
}

// Records reads persisted records.
type Records interface {
	Load(ctx context.Context, id string) (*models.IntakeRecord, error)
	List(ctx context.Context, filters store.ListFilters) ([]models.IntakeRecord, error)
}

// Cards lists identity cards.
type Cards interface {
	List(ctx context.Context) ([]models.IdentityCard, error)
	ListAvailable(ctx context.Context) ([]models.IdentityCard, error)
}

// Subscriber is the live event source.
type Subscriber interface {
	Subscribe(buffer int) (<-chan messaging.Event, func())
}

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Intakes Intakes
	Records Records
	Cards   Cards
	Bus     Subscriber
	// DB serves the event history; nil disables it.
	DB *gorm.DB
	// Gatherer serves /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer  prometheus.Gatherer
	Port      int
	Heartbeat time.Duration
	Out       io.Writer
}

func (o StartOpts) validate() error {
	if o.Intakes == nil {
		return fmt.Errorf("dashboard: intakes are required")
	}
	if o.Records == nil {
		return fmt.Errorf("dashboard: records are required")
	}
	return nil
}

// NewRouter builds the gin engine serving every route.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, &api{opts: opts})
	return router, nil
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}
