package chargebacks

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/ridgeline-games/commerce/internal/idgen"
)

// PostgresStore persists chargeback logs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed chargeback log store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, log *Log) error {
	if log.ID == "" {
		log.ID = idgen.WithPrefix("cb_")
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO chargeback_logs (
			id, account_id, order_id, store, voided_timestamp,
			reason, source, unbanned, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
		ON CONFLICT (order_id) WHERE NOT unbanned DO NOTHING`,
		log.ID, log.AccountID, log.OrderID, log.Store, log.VoidedTimestamp,
		log.Reason, log.Source, log.CreatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyLogged
	}
	return nil
}

func (p *PostgresStore) FilterNew(ctx context.Context, orderIDs []string) ([]string, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT order_id FROM chargeback_logs
		WHERE order_id = ANY($1) AND NOT unbanned`, pq.Array(orderIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	logged := make(map[string]bool, len(orderIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		logged[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var fresh []string
	for _, id := range orderIDs {
		if !logged[id] {
			fresh = append(fresh, id)
		}
	}
	return fresh, nil
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string) ([]*Log, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, order_id, store, voided_timestamp,
		       reason, source, unbanned, created_at
		FROM chargeback_logs
		WHERE account_id = $1
		ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanLogs(rows)
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Log, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, order_id, store, voided_timestamp,
		       reason, source, unbanned, created_at
		FROM chargeback_logs
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanLogs(rows)
}

func (p *PostgresStore) UnbanByAccount(ctx context.Context, accountID string) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE chargeback_logs SET unbanned = TRUE
		WHERE account_id = $1 AND NOT unbanned`, accountID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanLogs(rows *sql.Rows) ([]*Log, error) {
	var result []*Log
	for rows.Next() {
		l := &Log{}
		if err := rows.Scan(
			&l.ID, &l.AccountID, &l.OrderID, &l.Store, &l.VoidedTimestamp,
			&l.Reason, &l.Source, &l.Unbanned, &l.CreatedAt,
		); err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
