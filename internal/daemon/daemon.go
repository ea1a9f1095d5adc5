// Package daemon runs the reaper on an interval and serves health and
// Prometheus metrics while it does.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yairfalse/fleetreaper/internal/reaper"
	"github.com/yairfalse/fleetreaper/internal/telemetry"
)

const shutdownTimeout = 5 * time.Second

// Runner is one full pass over every region.
type Runner interface {
	Run(ctx context.Context) ([]reaper.RegionResult, error)
}

// Config holds daemon configuration
type Config struct {
	Interval    time.Duration
	MetricsAddr string
}

// Daemon runs cleanup cycles until its context is cancelled.
type Daemon struct {
	interval    time.Duration
	metricsAddr string
	runner      Runner
	gatherer    prometheus.Gatherer
	metrics     *DaemonMetrics
	logger      *telemetry.Logger
	startTime   time.Time

	cycleCount atomic.Int64
	lastCycle  atomic.Pointer[CycleSummary]

	mu   sync.Mutex
	addr string
}

// CycleSummary describes the most recent cycle.
type CycleSummary struct {
	Started       time.Time `json:"started"`
	Finished      time.Time `json:"finished"`
	Regions       int       `json:"regions"`
	FailedRegions []string  `json:"failed_regions,omitempty"`
	Terminated    int       `json:"terminated"`
}

// NewDaemon creates a daemon. gatherer backs /metrics; nil uses the
// default Prometheus registry.
func NewDaemon(cfg Config, runner Runner, gatherer prometheus.Gatherer) (*Daemon, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("daemon interval must be positive, got %s", cfg.Interval)
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	metrics, err := NewDaemonMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create daemon metrics: %w", err)
	}

	return &Daemon{
		interval:    cfg.Interval,
		metricsAddr: cfg.MetricsAddr,
		runner:      runner,
		gatherer:    gatherer,
		metrics:     metrics,
		logger:      telemetry.Component("daemon"),
		startTime:   time.Now(),
	}, nil
}

// Start runs cycles and the HTTP server until ctx is cancelled or the
// server fails. A cycle runs immediately, then once per interval.
func (d *Daemon) Start(ctx context.Context) error {
	var g run.Group

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g.Add(func() error {
		<-ctx.Done()
		return nil
	}, func(error) {
		cancel()
	})

	g.Add(func() error {
		return d.loop(ctx)
	}, func(error) {
		cancel()
	})

	if d.metricsAddr != "" {
		ln, err := net.Listen("tcp", d.metricsAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", d.metricsAddr, err)
		}
		d.mu.Lock()
		d.addr = ln.Addr().String()
		d.mu.Unlock()

		srv := &http.Server{Handler: d.Handler(), ReadHeaderTimeout: 10 * time.Second}
		g.Add(func() error {
			d.logger.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		}, func(error) {
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	d.logger.Info().Dur("interval", d.interval).Msg("daemon started")
	err := g.Run()
	d.logger.Info().Int64("cycles", d.cycleCount.Load()).Msg("daemon stopped")
	return err
}

func (d *Daemon) loop(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		d.runCycle(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// runCycle never fails the daemon: region failures are logged and counted,
// and the next cycle starts from a fresh selection.
func (d *Daemon) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n := d.cycleCount.Add(1)
	summary := &CycleSummary{Started: time.Now()}

	results, err := d.runner.Run(ctx)

	summary.Finished = time.Now()
	summary.Regions = len(results)
	for _, res := range results {
		summary.Terminated += len(res.Terminated)
		if res.Err != nil {
			summary.FailedRegions = append(summary.FailedRegions, res.Region)
		}
	}
	d.lastCycle.Store(summary)

	status := "success"
	if err != nil {
		status = "failure"
	}
	d.metrics.RecordCycle(ctx, status, summary.Finished.Sub(summary.Started))

	event := d.logger.Info()
	if err != nil {
		event = d.logger.Error().Err(err)
	}
	event.
		Int64("cycle", n).
		Int("regions", summary.Regions).
		Strs("failed_regions", summary.FailedRegions).
		Int("terminated", summary.Terminated).
		Msg("cycle finished")
}

// Handler serves /metrics, /health, /-/healthy and /-/ready.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.Health())
	})
	mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
		if d.lastCycle.Load() == nil {
			http.Error(w, "first cycle still running", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready\n"))
	})
	return mux
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	return HealthStatus{
		Status:    "healthy",
		Uptime:    int64(time.Since(d.startTime).Seconds()),
		Cycles:    d.cycleCount.Load(),
		LastCycle: d.lastCycle.Load(),
	}
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status    string        `json:"status"`
	Uptime    int64         `json:"uptime_seconds"`
	Cycles    int64         `json:"cycles"`
	LastCycle *CycleSummary `json:"last_cycle,omitempty"`
}

// CycleCount returns how many cycles have started.
func (d *Daemon) CycleCount() int64 {
	return d.cycleCount.Load()
}

// Addr returns the address the HTTP server listens on, once started.
func (d *Daemon) Addr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}
