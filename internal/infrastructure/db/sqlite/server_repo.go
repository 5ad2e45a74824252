package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tuxpay/tuxpay/internal/core/domain"
)

type serverRepository struct {
	db *sql.DB
}

func NewServerRepository(config ...interface{}) (domain.ServerRepository, error) {
	db, err := dbFromConfig("server", config...)
	if err != nil {
		return nil, err
	}
	return &serverRepository{db}, nil
}

func (r *serverRepository) Close() {
	_ = r.db.Close()
}

func (r *serverRepository) GetAll(ctx context.Context, symbol string) ([]domain.Server, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT
			symbol, host, tcp_port, tls_port, version, pruning, connections, failures,
			first_seen, last_check, last_seen, latency_ms
		FROM server WHERE symbol = ? ORDER BY host`, symbol,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query servers: %w", err)
	}
	defer rows.Close()

	servers := make([]domain.Server, 0)
	for rows.Next() {
		var (
			s                              domain.Server
			firstSeen, lastCheck, lastSeen int64
			latency                        int64
		)
		if err := rows.Scan(
			&s.Symbol, &s.Host, &s.TCPPort, &s.TLSPort, &s.Version, &s.Pruning,
			&s.Connections, &s.Failures, &firstSeen, &lastCheck, &lastSeen, &latency,
		); err != nil {
			return nil, err
		}
		s.FirstSeen = fromUnix(firstSeen)
		s.LastCheck = fromUnix(lastCheck)
		s.LastSeen = fromUnix(lastSeen)
		s.Latency = time.Duration(latency) * time.Millisecond
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

func (r *serverRepository) Upsert(ctx context.Context, servers ...domain.Server) error {
	if len(servers) <= 0 {
		return nil
	}
	return execTx(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO server (
				symbol, host, tcp_port, tls_port, version, pruning, connections, failures,
				first_seen, last_check, last_seen, latency_ms
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (symbol, host) DO UPDATE SET
				tcp_port = excluded.tcp_port,
				tls_port = excluded.tls_port,
				version = excluded.version,
				pruning = excluded.pruning,
				connections = excluded.connections,
				failures = excluded.failures,
				first_seen = excluded.first_seen,
				last_check = excluded.last_check,
				last_seen = excluded.last_seen,
				latency_ms = excluded.latency_ms`,
		)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, s := range servers {
			if _, err := stmt.ExecContext(ctx,
				s.Symbol, s.Host, s.TCPPort, s.TLSPort, s.Version, s.Pruning,
				s.Connections, s.Failures, toUnix(s.FirstSeen), toUnix(s.LastCheck),
				toUnix(s.LastSeen), s.Latency.Milliseconds(),
			); err != nil {
				return fmt.Errorf("failed to upsert server %s: %w", s.Host, err)
			}
		}
		return nil
	})
}

func (r *serverRepository) Delete(ctx context.Context, symbol string, hosts ...string) error {
	if len(hosts) <= 0 {
		return nil
	}
	placeholders := make([]string, 0, len(hosts))
	args := []any{symbol}
	for _, host := range hosts {
		placeholders = append(placeholders, "?")
		args = append(args, host)
	}
	query := fmt.Sprintf(
		`DELETE FROM server WHERE symbol = ? AND host IN (%s)`, strings.Join(placeholders, ", "),
	)
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete servers: %w", err)
	}
	return nil
}
