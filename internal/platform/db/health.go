package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var dependencyUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "recordstore_dependency_up",
	Help: "Result of the last health probe per dependency (1 = ok, 0 = failing).",
}, []string{"dependency"})

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Probe checks one dependency. Redis and object storage register probes
// next to the database ping.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// DependencyReport is the body of the readiness endpoint.
type DependencyReport struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies"`
	Pool         *PoolStats        `json:"pool,omitempty"`
}

// RunProbes executes every probe with a shared deadline and reports the
// outcome per dependency.
func RunProbes(ctx context.Context, probes []Probe) (DependencyReport, bool) {
	report := DependencyReport{Status: "healthy", Dependencies: make(map[string]string, len(probes))}
	healthy := true
	for _, p := range probes {
		if err := p.Check(ctx); err != nil {
			report.Dependencies[p.Name] = err.Error()
			dependencyUp.WithLabelValues(p.Name).Set(0)
			healthy = false
			continue
		}
		report.Dependencies[p.Name] = "ok"
		dependencyUp.WithLabelValues(p.Name).Set(1)
	}
	if !healthy {
		report.Status = "unhealthy"
	}
	return report, healthy
}

// HealthHandler pings the database plus any extra probes and answers 503
// when one of them fails.
func HealthHandler(pool *pgxpool.Pool, extra ...Probe) echo.HandlerFunc {
	probes := append([]Probe{{Name: "postgres", Check: pool.Ping}}, extra...)
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		report, ok := RunProbes(ctx, probes)
		report.Pool = GetPoolStats(pool)
		if !ok {
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}
