package db

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
	Error           string `json:"error,omitempty"`
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
		Healthy:         stat.TotalConns() > 0,
	}
}

// CheckHealth pings the database and returns the pool statistics.
func CheckHealth(ctx context.Context, pool *pgxpool.Pool) *PoolStats {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := pool.Ping(ctx)
	stats := GetPoolStats(pool)
	if err != nil {
		stats.Healthy = false
		stats.Error = err.Error()
	}
	return stats
}

// Print writes the statistics in a fixed two-column layout.
func (s *PoolStats) Print(w io.Writer) {
	status := "healthy"
	if !s.Healthy {
		status = "unhealthy"
	}
	fmt.Fprintf(w, "%-18s %s\n", "status", status)
	if s.Error != "" {
		fmt.Fprintf(w, "%-18s %s\n", "error", s.Error)
	}
	fmt.Fprintf(w, "%-18s %d\n", "total_conns", s.TotalConns)
	fmt.Fprintf(w, "%-18s %d\n", "idle_conns", s.IdleConns)
	fmt.Fprintf(w, "%-18s %d\n", "acquired_conns", s.AcquiredConns)
	fmt.Fprintf(w, "%-18s %d\n", "max_conns", s.MaxConns)
	fmt.Fprintf(w, "%-18s %d\n", "acquire_count", s.AcquireCount)
	fmt.Fprintf(w, "%-18s %s\n", "acquire_duration", s.AcquireDuration)
}
