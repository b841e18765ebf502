package registry

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/blueberrycongee/vortex/pkg/asset"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

const assetColumns = `id, name, version, host, port, path, scheme, method, mode, type,
	token, sign, firewall, retries, balance, weight, timeout,
	rate_capacity, rate_window, args, command, metadata`

// PostgresOptions contains catalog database settings.
type PostgresOptions struct {
	DSN          string
	Table        string
	MaxOpenConns int
	ConnLifetime time.Duration
}

// PostgresSource reads the catalog from a table. Only rows with enabled = true are loaded.
type PostgresSource struct {
	db    *sql.DB
	query string
}

// OpenPostgresSource connects to the catalog database.
func OpenPostgresSource(ctx context.Context, opts PostgresOptions) (*PostgresSource, error) {
	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxOpenConns)
	}
	if opts.ConnLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	src, err := NewPostgresSource(db, opts.Table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return src, nil
}

// NewPostgresSource wraps an open database handle.
func NewPostgresSource(db *sql.DB, table string) (*PostgresSource, error) {
	if table == "" {
		table = "vortex_asset"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid catalog table name %q", table)
	}
	return &PostgresSource{
		db:    db,
		query: fmt.Sprintf("SELECT %s FROM %s WHERE enabled = true ORDER BY id", assetColumns, table),
	}, nil
}

// Name implements Source.
func (s *PostgresSource) Name() string { return "postgres" }

// Load implements Source.
func (s *PostgresSource) Load(ctx context.Context) ([]asset.Asset, error) {
	rows, err := s.db.QueryContext(ctx, s.query)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()

	var assets []asset.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assets: %w", err)
	}
	return assets, nil
}

// Stats exposes connection pool statistics.
func (s *PostgresSource) Stats() sql.DBStats {
	return s.db.Stats()
}

// Close closes the database connection.
func (s *PostgresSource) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (asset.Asset, error) {
	var a asset.Asset
	var name, version, path, scheme, mode, verb sql.NullString
	var firewall, balance, args, command, metadata sql.NullString
	var port, token, sign, retries, weight, timeout sql.NullInt64
	var rateCapacity, rateWindow sql.NullInt64

	err := row.Scan(
		&a.ID, &name, &version, &a.Host, &port, &path, &scheme, &a.Method, &mode, &verb,
		&token, &sign, &firewall, &retries, &balance, &weight, &timeout,
		&rateCapacity, &rateWindow, &args, &command, &metadata,
	)
	if err != nil {
		return asset.Asset{}, fmt.Errorf("scan asset: %w", err)
	}

	a.Name = name.String
	a.Version = version.String
	a.Path = path.String
	a.Scheme = scheme.String
	a.Mode = asset.Mode(mode.String)
	a.Type = asset.Verb(verb.String)
	a.Firewall = firewall.String
	a.Balance = balance.String
	a.Args = args.String
	a.Command = command.String
	a.Metadata = metadata.String
	a.Port = int(port.Int64)
	a.Token = int(token.Int64)
	a.Sign = int(sign.Int64)
	a.Retries = int(retries.Int64)
	a.Weight = int(weight.Int64)
	a.Timeout = int(timeout.Int64)
	a.RateCapacity = int(rateCapacity.Int64)
	a.RateWindow = int(rateWindow.Int64)
	return a, nil
}
