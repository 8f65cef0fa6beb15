package db

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/ehr/intake-bridge/internal/platform/apierror"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	Driver          string `json:"driver"`
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count,omitempty"`
	AcquireDuration string `json:"acquire_duration,omitempty"`
	Healthy         bool   `json:"healthy"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		Driver:          "postgres",
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// GetSQLStats returns statistics for a database/sql handle.
func GetSQLStats(conn *sql.DB) *PoolStats {
	stat := conn.Stats()
	return &PoolStats{
		Driver:        "sqlite",
		TotalConns:    int32(stat.OpenConnections),
		IdleConns:     int32(stat.Idle),
		AcquiredConns: int32(stat.InUse),
		MaxConns:      int32(stat.MaxOpenConnections),
		Healthy:       true,
	}
}

// Pinger is satisfied by *pgxpool.Pool and, through SQLPinger, *sql.DB.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SQLPinger adapts *sql.DB to Pinger.
type SQLPinger struct{ DB *sql.DB }

func (p SQLPinger) Ping(ctx context.Context) error { return p.DB.PingContext(ctx) }

// HealthHandler returns a handler for the database health check endpoint.
func HealthHandler(p Pinger, stats func() *PoolStats) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		err := p.Ping(ctx)
		var st *PoolStats
		if stats != nil {
			st = stats()
		}

		if err != nil {
			if st != nil {
				st.Healthy = false
			}
			return apierror.Fail(c, apierror.New(http.StatusServiceUnavailable, apierror.CodeDatabase, "database unavailable").
				WithDetails(map[string]interface{}{"pool": st}))
		}

		return apierror.OK(c, http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"pool":   st,
		})
	}
}
