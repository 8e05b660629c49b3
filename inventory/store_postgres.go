package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists Product aggregates in PostgreSQL. One Save is one
// transaction covering the product row, the reservation rows, the movement
// ledger and the outbox, guarded by the row version.
//
// Schema:
//
//	products(id, name, active, low_stock_threshold, available, reserved,
//	         low_stock_crossings, version, updated_at)
//	stock_reservations(id, product_id, order_id, quantity, expires_at, state)
//	stock_movements(id bigserial, product_id, movement_type, quantity,
//	                balance_before, balance_after, reference_id, created_at)
//	event_outbox(id bigserial, aggregate_id, topic, payload, published,
//	             created_at)
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Create(ctx context.Context, p *Product) error {
	query := `
		INSERT INTO products
		(id, name, active, low_stock_threshold, available, reserved, low_stock_crossings, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.Name, p.Active, p.LowStockThreshold, p.Available, p.Reserved, p.LowStockCrossings)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrVersionConflict
		}
		return fmt.Errorf("failed to insert product: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, productID string) (*Product, error) {
	p := &Product{Reservations: map[string]*Reservation{}}

	query := `
		SELECT id, name, active, low_stock_threshold, available, reserved, low_stock_crossings, version
		FROM products WHERE id = $1
	`
	err := s.db.QueryRowContext(ctx, query, productID).Scan(
		&p.ID, &p.Name, &p.Active, &p.LowStockThreshold,
		&p.Available, &p.Reserved, &p.LowStockCrossings, &p.Version)
	if err == sql.ErrNoRows {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, quantity, expires_at, state
		FROM stock_reservations WHERE product_id = $1
	`, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r := &Reservation{ProductID: productID}
		var state string
		if err := rows.Scan(&r.ID, &r.OrderID, &r.Quantity, &r.ExpiresAt, &state); err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		r.State = ReservationState(state)
		p.Reservations[r.ID] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Save(ctx context.Context, p *Product) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE products
		SET name = $1, active = $2, low_stock_threshold = $3,
		    available = $4, reserved = $5, low_stock_crossings = $6,
		    version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $7 AND version = $8
	`, p.Name, p.Active, p.LowStockThreshold, p.Available, p.Reserved,
		p.LowStockCrossings, p.ID, p.Version)
	if err != nil {
		return fmt.Errorf("failed to update product: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrVersionConflict
	}

	for _, r := range p.Reservations {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stock_reservations (id, product_id, order_id, quantity, expires_at, state)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state
		`, r.ID, r.ProductID, r.OrderID, r.Quantity, r.ExpiresAt, string(r.State))
		if err != nil {
			return fmt.Errorf("failed to upsert reservation %s: %w", r.ID, err)
		}
	}

	for _, m := range p.PendingMovements {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stock_movements
			(product_id, movement_type, quantity, balance_before, balance_after, reference_id)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, p.ID, m.Type, m.Quantity, m.BalanceBefore, m.BalanceAfter, m.ReferenceID)
		if err != nil {
			return fmt.Errorf("failed to insert movement: %w", err)
		}
	}

	for _, e := range p.Outbox {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO event_outbox (aggregate_id, topic, payload)
			VALUES ($1, $2, $3)
		`, p.ID, e.Topic, e.Payload)
		if err != nil {
			return fmt.Errorf("failed to insert outbox row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit save transaction: %w", err)
	}

	p.Version++
	p.Outbox = nil
	p.PendingMovements = nil
	return nil
}

func (s *PostgresStore) ProductIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query product ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan product id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) ReservationsForOrder(ctx context.Context, orderID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, id
		FROM stock_reservations
		WHERE order_id = $1 AND state = 'ACTIVE'
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order reservations: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var productID, reservationID string
		if err := rows.Scan(&productID, &reservationID); err != nil {
			return nil, fmt.Errorf("failed to scan order reservation: %w", err)
		}
		out[productID] = reservationID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) PendingOutbox(ctx context.Context, limit int) ([]OutboxRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aggregate_id, topic, payload, created_at
		FROM event_outbox
		WHERE published = FALSE
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxRow
	for rows.Next() {
		var r OutboxRow
		if err := rows.Scan(&r.ID, &r.AggregateID, &r.Topic, &r.Payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE event_outbox SET published = TRUE WHERE id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to mark outbox published: %w", err)
	}
	return nil
}

var _ ProductStore = (*PostgresStore)(nil)
