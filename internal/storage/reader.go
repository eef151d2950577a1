package storage

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader provides read access to the tool_usage_events table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	conn, err := openConn(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// ToolUsage aggregates one tool's calls.
type ToolUsage struct {
	ToolID  string  `json:"tool_id"`
	Calls   int     `json:"calls"`
	Errors  int     `json:"errors"`
	Credits float64 `json:"credits"`
}

// UsageSummary holds a user's usage over a window.
type UsageSummary struct {
	Days         int         `json:"days"`
	TotalCalls   int         `json:"total_calls"`
	TotalCredits float64     `json:"total_credits"`
	LatencyP50   float64     `json:"latency_p50_ms"`
	LatencyP95   float64     `json:"latency_p95_ms"`
	Tools        []ToolUsage `json:"tools"`
}

// Summarize returns per-tool usage for a user over the given number of days.
func (r *Reader) Summarize(ctx context.Context, userID string, days int) (*UsageSummary, error) {
	args := []any{
		clickhouse.Named("user_id", userID),
		clickhouse.Named("range_start", time.Now().UTC().Add(-time.Duration(days)*24*time.Hour)),
	}
	result := &UsageSummary{Days: days, Tools: []ToolUsage{}}

	var total uint64
	var credits, p50, p95 float64
	err := r.conn.QueryRow(ctx,
		"SELECT count(), sum(credits), "+
			"quantile(0.5)(latency_ms), quantile(0.95)(latency_ms) "+
			"FROM tool_usage_events "+
			"WHERE user_id = @user_id AND timestamp >= @range_start",
		args...,
	).Scan(&total, &credits, &p50, &p95)
	if err != nil {
		return nil, fmt.Errorf("Summarize totals: %w", err)
	}
	result.TotalCalls = int(total)
	result.TotalCredits = credits
	result.LatencyP50 = safeFloat(p50)
	result.LatencyP95 = safeFloat(p95)

	rows, err := r.conn.Query(ctx,
		"SELECT tool_id, count() AS calls, "+
			"countIf(status NOT IN ('success', 'processing')) AS errors, "+
			"sum(credits) AS credits "+
			"FROM tool_usage_events "+
			"WHERE user_id = @user_id AND timestamp >= @range_start "+
			"GROUP BY tool_id ORDER BY calls DESC LIMIT 50",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("Summarize tools: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var u ToolUsage
		var calls, errs uint64
		if err := rows.Scan(&u.ToolID, &calls, &errs, &u.Credits); err != nil {
			return nil, fmt.Errorf("Summarize tools scan: %w", err)
		}
		u.Calls, u.Errors = int(calls), int(errs)
		result.Tools = append(result.Tools, u)
	}
	return result, rows.Err()
}

// safeFloat replaces NaN/Inf with 0.0.
// ClickHouse returns NaN for quantile() on empty result sets.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	return f
}
