package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ToolStore abstracts DB queries for testability.
type ToolStore interface {
	ListTools(ctx context.Context) ([]toolRow, error)
}

type toolRow struct {
	ID            string
	Name          string
	Description   string
	Category      string
	Provider      sql.NullString
	Endpoint      string
	ExecutionMode string
	InputSchema   string // JSONB as string
	OutputType    sql.NullString
	Pricing       string // JSONB as string
	Enabled       bool
	Tags          string // JSONB array as string
}

// sqlToolStore is the real implementation using *sql.DB.
type sqlToolStore struct {
	db *sql.DB
}

func (s *sqlToolStore) ListTools(ctx context.Context) ([]toolRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, category, provider, endpoint,
		       execution_mode, input_schema, output_type, pricing, enabled, tags
		FROM tool_definitions
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []toolRow
	for rows.Next() {
		var r toolRow
		if err := rows.Scan(
			&r.ID, &r.Name, &r.Description, &r.Category, &r.Provider, &r.Endpoint,
			&r.ExecutionMode, &r.InputSchema, &r.OutputType, &r.Pricing, &r.Enabled, &r.Tags,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PostgresSource loads tool definitions from the tool_definitions table
// into a Registry. Database rows override built-in definitions with the same ID.
type PostgresSource struct {
	store  ToolStore
	logger *zap.Logger
}

// NewPostgresSource creates a source backed by db.
func NewPostgresSource(db *sql.DB, logger *zap.Logger) *PostgresSource {
	return &PostgresSource{store: &sqlToolStore{db: db}, logger: logger}
}

// newPostgresSourceWithStore creates a source with a custom store (for testing).
func newPostgresSourceWithStore(store ToolStore, logger *zap.Logger) *PostgresSource {
	return &PostgresSource{store: store, logger: logger}
}

// LoadInto registers every valid row into reg and returns the number loaded.
// Rows that fail to parse or register are logged and skipped.
func (s *PostgresSource) LoadInto(ctx context.Context, reg *Registry) (int, error) {
	rows, err := s.store.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("LoadInto: %w", err)
	}

	loaded := 0
	for i := range rows {
		def, err := parseToolRow(&rows[i])
		if err != nil {
			s.logger.Warn("skipping malformed tool row", zap.String("tool_id", rows[i].ID), zap.Error(err))
			continue
		}
		if err := reg.Register(*def, RegisterOptions{AllowOverride: true}); err != nil {
			s.logger.Warn("skipping invalid tool row", zap.String("tool_id", rows[i].ID), zap.Error(err))
			continue
		}
		loaded++
	}
	return loaded, nil
}

// Watch reloads definitions every interval until ctx is cancelled.
func (s *PostgresSource) Watch(ctx context.Context, reg *Registry, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.refreshInBackground(ctx, reg)
			}
		}
	}()
}

func (s *PostgresSource) refreshInBackground(parent context.Context, reg *Registry) {
	ctx, cancel := context.WithTimeout(parent, 5*time.Second)
	defer cancel()

	n, err := s.LoadInto(ctx, reg)
	if err != nil {
		s.logger.Warn("background tool catalog refresh failed", zap.Error(err))
		return
	}
	s.logger.Debug("tool catalog refreshed", zap.Int("tools", n))
}

func parseToolRow(row *toolRow) (*ToolDefinition, error) {
	td := &ToolDefinition{
		ID:            row.ID,
		Name:          row.Name,
		Description:   row.Description,
		Category:      row.Category,
		Endpoint:      row.Endpoint,
		ExecutionMode: ExecutionMode(row.ExecutionMode),
		Enabled:       row.Enabled,
	}
	if row.Provider.Valid {
		td.Provider = row.Provider.String
	}
	if row.OutputType.Valid {
		td.OutputType = row.OutputType.String
	}

	if row.InputSchema != "" {
		var schema InputSchema
		if err := json.Unmarshal([]byte(row.InputSchema), &schema); err != nil {
			return nil, fmt.Errorf("parseToolRow: input_schema: %w", err)
		}
		td.InputSchema = &schema
	}

	if row.Pricing != "" && row.Pricing != "{}" {
		if err := json.Unmarshal([]byte(row.Pricing), &td.Pricing); err != nil {
			return nil, fmt.Errorf("parseToolRow: pricing: %w", err)
		}
	}

	if row.Tags != "" && row.Tags != "[]" {
		if err := json.Unmarshal([]byte(row.Tags), &td.Tags); err != nil {
			return nil, fmt.Errorf("parseToolRow: tags: %w", err)
		}
	}

	return td, nil
}
