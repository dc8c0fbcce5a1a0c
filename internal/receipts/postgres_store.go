package receipts

import (
	"context"
	"database/sql"
)

// PostgresStore persists receipts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed receipt store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) LookupAndCount(ctx context.Context, orderID string) (string, int64, bool, error) {
	var accountID string
	var count int64
	err := p.db.QueryRowContext(ctx, `
		UPDATE receipts
		SET validation_count = validation_count + 1
		WHERE order_id = $1
		RETURNING account_id, validation_count`, orderID).Scan(&accountID, &count)
	if err == sql.ErrNoRows {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	return accountID, count, true, nil
}

func (p *PostgresStore) Create(ctx context.Context, r *Receipt) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO receipts (
			order_id, account_id, store, package_name, product_id,
			purchase_time, purchase_state, purchase_token, quantity,
			acknowledged, validation_count, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12
		)
		ON CONFLICT (order_id) DO NOTHING`,
		r.OrderID, r.AccountID, r.Store, r.PackageName, r.ProductID,
		r.PurchaseTime, r.PurchaseState, r.PurchaseToken, r.Quantity,
		r.Acknowledged, r.ValidationCount, r.CreatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrReceiptExists
	}
	return nil
}

func (p *PostgresStore) AccountForOrder(ctx context.Context, orderID string) (string, error) {
	var accountID string
	err := p.db.QueryRowContext(ctx, `
		SELECT account_id FROM receipts WHERE order_id = $1`, orderID).Scan(&accountID)
	if err == sql.ErrNoRows {
		return "", ErrReceiptNotFound
	}
	return accountID, err
}

func (p *PostgresStore) Get(ctx context.Context, orderID string) (*Receipt, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT order_id, account_id, store, package_name, product_id,
		       purchase_time, purchase_state, purchase_token, quantity,
		       acknowledged, validation_count, created_at
		FROM receipts WHERE order_id = $1`, orderID)

	r, err := scanReceipt(row)
	if err == sql.ErrNoRows {
		return nil, ErrReceiptNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT order_id, account_id, store, package_name, product_id,
		       purchase_time, purchase_state, purchase_token, quantity,
		       acknowledged, validation_count, created_at
		FROM receipts
		WHERE account_id = $1
		ORDER BY purchase_time DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanReceipts(rows)
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]*Receipt, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT order_id, account_id, store, package_name, product_id,
		       purchase_time, purchase_state, purchase_token, quantity,
		       acknowledged, validation_count, created_at
		FROM receipts
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanReceipts(rows)
}

// --- scanners ---

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(sc scanner) (*Receipt, error) {
	r := &Receipt{}
	err := sc.Scan(
		&r.OrderID, &r.AccountID, &r.Store, &r.PackageName, &r.ProductID,
		&r.PurchaseTime, &r.PurchaseState, &r.PurchaseToken, &r.Quantity,
		&r.Acknowledged, &r.ValidationCount, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func scanReceipts(rows *sql.Rows) ([]*Receipt, error) {
	var result []*Receipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

var _ Store = (*PostgresStore)(nil)

// PostgresForcedStore persists forced validations in PostgreSQL.
type PostgresForcedStore struct {
	db *sql.DB
}

// NewPostgresForcedStore creates a new PostgreSQL-backed forced validation store.
func NewPostgresForcedStore(db *sql.DB) *PostgresForcedStore {
	return &PostgresForcedStore{db: db}
}

func (p *PostgresForcedStore) Force(ctx context.Context, f *ForcedValidation) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO forced_validations (order_id, account_id, note, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id) DO UPDATE SET account_id = $2, note = $3`,
		f.OrderID, f.AccountID, f.Note, f.CreatedAt,
	)
	return err
}

func (p *PostgresForcedStore) IsForced(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM forced_validations WHERE order_id = $1)`, orderID).Scan(&exists)
	return exists, err
}

func (p *PostgresForcedStore) List(ctx context.Context) ([]*ForcedValidation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT order_id, account_id, note, created_at
		FROM forced_validations
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*ForcedValidation
	for rows.Next() {
		f := &ForcedValidation{}
		if err := rows.Scan(&f.OrderID, &f.AccountID, &f.Note, &f.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

var _ ForcedStore = (*PostgresForcedStore)(nil)
