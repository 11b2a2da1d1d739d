package auditlog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/invrecon/pkg/config"
	"github.com/cuemby/invrecon/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a connection pool to the reservation database
func Connect(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

// quoteTable quotes a possibly schema-qualified table name
func quoteTable(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

// likePrefix escapes s for use as a literal LIKE prefix
func likePrefix(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// PostgresLog reads the audit log and dispatch queue from Postgres
type PostgresLog struct {
	pool *pgxpool.Pool
	cfg  config.AuditLogConfig

	auditTable    string
	dispatchTable string
}

// NewPostgresLog creates a repository over pool. Table and column names
// come from cfg and are quoted, never interpolated raw.
func NewPostgresLog(pool *pgxpool.Pool, cfg config.AuditLogConfig) *PostgresLog {
	return &PostgresLog{
		pool:          pool,
		cfg:           cfg,
		auditTable:    quoteTable(cfg.Table),
		dispatchTable: quoteTable(cfg.DispatchTable),
	}
}

// Ping checks the connection
func (p *PostgresLog) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresLog) FetchChanges(ctx context.Context, from, to time.Time) ([]types.ChangeLogRow, error) {
	query := fmt.Sprintf(`SELECT log_id, log_time, action, entity_table, changes
		FROM %s
		WHERE log_time >= $1 AND log_time < $2 AND entity_table LIKE $3
		ORDER BY log_time, log_id`, p.auditTable)

	rows, err := p.pool.Query(ctx, query, from, to, likePrefix(p.cfg.ParentEntity+"_")+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var changes []types.ChangeLogRow
	for rows.Next() {
		var row types.ChangeLogRow
		var raw []byte
		if err := rows.Scan(&row.LogID, &row.LogTime, &row.Action, &row.EntityTable, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan audit log row: %w", err)
		}
		row.Changes = raw
		changes = append(changes, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}
	return changes, nil
}

func (p *PostgresLog) FindCorrelatedChildren(ctx context.Context, parentID, hotelID int64, window types.Window) ([]types.ChildRow, error) {
	query := fmt.Sprintf(`SELECT log_id, log_time, changes
		FROM %s
		WHERE entity_table = $1 AND action = 'DELETE' AND changes->>($2::text) = $3
		  AND log_time >= $4 AND log_time <= $5
		ORDER BY log_time, log_id`, p.auditTable)

	rows, err := p.pool.Query(ctx, query,
		EntityTable(p.cfg.ChildEntity, hotelID),
		p.cfg.ForeignKey,
		strconv.FormatInt(parentID, 10),
		window.From, window.To)
	if err != nil {
		return nil, fmt.Errorf("failed to query child rows: %w", err)
	}
	defer rows.Close()

	var children []types.ChildRow
	for rows.Next() {
		var row types.ChangeLogRow
		var raw []byte
		if err := rows.Scan(&row.LogID, &row.LogTime, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan child row: %w", err)
		}
		row.Changes = raw
		child, err := decodeChild(row, hotelID, p.cfg.Columns, p.cfg.ForeignKey)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read child rows: %w", err)
	}
	return children, nil
}

func (p *PostgresLog) ListDispatches(ctx context.Context, hotelID int64, servicePattern string, from, to time.Time) ([]types.DispatchRecord, error) {
	query := fmt.Sprintf(`SELECT hotel_id, created_at, COALESCE(request_id, ''), service_name, COALESCE(status, '')
		FROM %s
		WHERE hotel_id = $1 AND service_name LIKE $2 AND created_at > $3 AND created_at <= $4
		ORDER BY created_at`, p.dispatchTable)

	rows, err := p.pool.Query(ctx, query, hotelID, servicePattern, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatch queue: %w", err)
	}
	defer rows.Close()

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.DispatchRecord, error) {
		var rec types.DispatchRecord
		err := row.Scan(&rec.HotelID, &rec.CreatedAt, &rec.RequestID, &rec.ServiceName, &rec.Status)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read dispatch queue: %w", err)
	}
	return records, nil
}
