package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/tally"
	"github.com/xraph/tally/fiscal"
	"github.com/xraph/tally/id"
)

// ──────────────────────────────────────────────────
// Pairing and devices
// ──────────────────────────────────────────────────

// CreatePairingCode inserts a code. The UNIQUE index on code reports
// collisions.
func (s *Store) CreatePairingCode(ctx context.Context, pc *fiscal.PairingCode) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tally_pairing_codes (id, tenant_id, store_id, code, expires_at, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		pc.ID.String(), pc.TenantID, pc.StoreID, pc.Code, pc.ExpiresAt, pc.CreatedBy, pc.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return tally.ErrPairingCodeCollision
		}
		return fmt.Errorf("tally/postgres: create pairing code: %w", err)
	}
	return nil
}

// RedeemPairingCode locks the code row, checks it, inserts the device and
// consumes the code in one transaction. A concurrent redemption blocks on
// the row lock and then sees consumed_at set.
func (s *Store) RedeemPairingCode(ctx context.Context, code string, dev *fiscal.Device, now time.Time) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			pc     fiscal.PairingCode
			codeID string
		)
		err := tx.QueryRow(ctx, `
			SELECT id, tenant_id, store_id, expires_at, consumed_at
			FROM tally_pairing_codes
			WHERE code = $1
			FOR UPDATE`,
			code,
		).Scan(&codeID, &pc.TenantID, &pc.StoreID, &pc.ExpiresAt, &pc.ConsumedAt)
		if isNoRows(err) {
			return tally.ErrInvalidPairingCode
		}
		if err != nil {
			return fmt.Errorf("tally/postgres: lock pairing code: %w", err)
		}
		if !pc.Redeemable(now) {
			return tally.ErrInvalidPairingCode
		}

		dev.TenantID = pc.TenantID
		dev.StoreID = pc.StoreID
		if _, err := tx.Exec(ctx, `
			INSERT INTO tally_connector_devices (id, tenant_id, store_id, name, credential_hash, paired_at, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			dev.ID.String(), dev.TenantID, dev.StoreID, dev.Name, dev.CredentialHash, dev.PairedAt, dev.Active,
		); err != nil {
			return fmt.Errorf("tally/postgres: insert device: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE tally_pairing_codes SET consumed_at = $2, device_id = $3 WHERE id = $1`,
			codeID, now, dev.ID.String(),
		); err != nil {
			return fmt.Errorf("tally/postgres: consume pairing code: %w", err)
		}
		return nil
	})
}

const deviceColumns = `id, tenant_id, store_id, name, credential_hash, paired_at, last_seen_at, active`

// GetDevice returns a device by ID.
func (s *Store) GetDevice(ctx context.Context, deviceID id.DeviceID) (*fiscal.Device, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM tally_connector_devices WHERE id = $1`, deviceID.String())
	return scanDeviceRow(row, "get device")
}

// GetDeviceByCredential returns the device holding a credential hash.
func (s *Store) GetDeviceByCredential(ctx context.Context, hash string) (*fiscal.Device, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+deviceColumns+` FROM tally_connector_devices WHERE credential_hash = $1`, hash)
	return scanDeviceRow(row, "get device by credential")
}

func scanDeviceRow(row pgx.Row, op string) (*fiscal.Device, error) {
	var d fiscal.Device
	err := row.Scan(&d.ID, &d.TenantID, &d.StoreID, &d.Name, &d.CredentialHash, &d.PairedAt, &d.LastSeenAt, &d.Active)
	if isNoRows(err) {
		return nil, tally.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tally/postgres: %s: %w", op, err)
	}
	return &d, nil
}

// TouchDevice sets last_seen_at.
func (s *Store) TouchDevice(ctx context.Context, deviceID id.DeviceID, at time.Time) error {
	return s.updateDevice(ctx, "touch device",
		`UPDATE tally_connector_devices SET last_seen_at = $2 WHERE id = $1`, deviceID.String(), at)
}

// SetDeviceActive enables or disables a device.
func (s *Store) SetDeviceActive(ctx context.Context, deviceID id.DeviceID, active bool) error {
	return s.updateDevice(ctx, "set device active",
		`UPDATE tally_connector_devices SET active = $2 WHERE id = $1`, deviceID.String(), active)
}

func (s *Store) updateDevice(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("tally/postgres: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return tally.ErrDeviceNotFound
	}
	return nil
}

// ──────────────────────────────────────────────────
// Documents
// ──────────────────────────────────────────────────

const documentColumns = `id, tenant_id, store_id, order_id, idempotency_key, mode, device_id, status,
	payload, attempts, last_error, next_retry_at, provider_receipt_id, fiscal_number, qr,
	created_at, updated_at, sent_at`

// EnqueueDocument inserts a document.
func (s *Store) EnqueueDocument(ctx context.Context, doc *fiscal.Document) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tally_fiscal_documents (`+documentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		documentArgs(doc)...,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return tally.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("tally/postgres: enqueue document: %w", err)
	}
	return nil
}

// GetDocument returns a document by ID.
func (s *Store) GetDocument(ctx context.Context, docID id.DocumentID) (*fiscal.Document, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM tally_fiscal_documents WHERE id = $1`, docID.String())
	return scanDocumentRow(row, "get document")
}

// GetDocumentByKey returns a document by idempotency key.
func (s *Store) GetDocumentByKey(ctx context.Context, key string) (*fiscal.Document, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM tally_fiscal_documents WHERE idempotency_key = $1`, key)
	return scanDocumentRow(row, "get document by key")
}

// ClaimDocuments selects candidates with FOR UPDATE SKIP LOCKED and moves
// exactly those rows to PROCESSING in the same statement. The status
// filter on the outer UPDATE keeps a row another claim already moved
// from being claimed twice.
func (s *Store) ClaimDocuments(ctx context.Context, tenantID, storeID string, deviceID id.DeviceID, limit int, now time.Time) ([]*fiscal.Document, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE tally_fiscal_documents
			SET status = 'PROCESSING', device_id = $3, attempts = attempts + 1, updated_at = $5
			WHERE id IN (
				SELECT id FROM tally_fiscal_documents
				WHERE tenant_id = $1
				  AND store_id = $2
				  AND status = 'QUEUED'
				  AND mode = 'connector'
				ORDER BY created_at ASC
				LIMIT $4
				FOR UPDATE SKIP LOCKED
			)
			AND status = 'QUEUED'
			RETURNING `+documentColumns+`
		)
		SELECT * FROM claimed ORDER BY created_at ASC`,
		tenantID, storeID, deviceID.String(), limit, now,
	)
	if err != nil {
		return nil, fmt.Errorf("tally/postgres: claim documents: %w", err)
	}
	defer rows.Close()
	return collectDocuments(rows, "claim documents")
}

// UpdateDocument reads the row FOR UPDATE, applies fn and writes the
// result plus the order projection in one transaction.
func (s *Store) UpdateDocument(ctx context.Context, docID id.DocumentID, fn func(*fiscal.Document) (bool, error)) (*fiscal.Document, error) {
	var out *fiscal.Document
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `SELECT `+documentColumns+` FROM tally_fiscal_documents WHERE id = $1 FOR UPDATE`, docID.String())
		cur, err := scanDocumentRow(row, "lock document")
		if err != nil {
			return err
		}
		next := cur.Clone()
		write, err := fn(next)
		if err != nil {
			return err
		}
		if !write {
			out = cur
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE tally_fiscal_documents SET
				device_id = $2, status = $3, payload = $4, attempts = $5, last_error = $6,
				next_retry_at = $7, provider_receipt_id = $8, fiscal_number = $9, qr = $10,
				updated_at = $11, sent_at = $12
			WHERE id = $1`,
			next.ID.String(), next.DeviceID, string(next.Status), string(next.Payload), next.Attempts,
			next.LastError, next.NextRetryAt, next.ProviderReceiptID, next.FiscalNumber, next.QR,
			next.UpdatedAt, next.SentAt,
		); err != nil {
			return fmt.Errorf("tally/postgres: update document: %w", err)
		}

		if next.Projects() {
			o := fiscal.ProjectionOf(next)
			if _, err := tx.Exec(ctx, `
				INSERT INTO tally_order_fiscal_status (
					tenant_id, order_id, document_id, status, provider_receipt_id,
					fiscal_number, qr, last_error, updated_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (tenant_id, order_id) DO UPDATE SET
					document_id = EXCLUDED.document_id,
					status = EXCLUDED.status,
					provider_receipt_id = EXCLUDED.provider_receipt_id,
					fiscal_number = EXCLUDED.fiscal_number,
					qr = EXCLUDED.qr,
					last_error = EXCLUDED.last_error,
					updated_at = EXCLUDED.updated_at
				WHERE tally_order_fiscal_status.status <> 'SENT'`,
				o.TenantID, o.OrderID, o.DocumentID.String(), string(o.Status), o.ProviderReceiptID,
				o.FiscalNumber, o.QR, o.LastError, o.UpdatedAt,
			); err != nil {
				return fmt.Errorf("tally/postgres: project order status: %w", err)
			}
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DueAdapterRetries returns adapter documents that are FAILED and due,
// or PROCESSING with an expired lease.
func (s *Store) DueAdapterRetries(ctx context.Context, now time.Time, limit int) ([]*fiscal.Document, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+documentColumns+`
		FROM tally_fiscal_documents
		WHERE mode = 'adapter' AND status IN ('FAILED', 'PROCESSING') AND next_retry_at <= $1
		ORDER BY next_retry_at ASC
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("tally/postgres: due adapter retries: %w", err)
	}
	defer rows.Close()
	return collectDocuments(rows, "due adapter retries")
}

// GetOrderStatus returns the order projection.
func (s *Store) GetOrderStatus(ctx context.Context, tenantID, orderID string) (*fiscal.OrderStatus, error) {
	var (
		o      fiscal.OrderStatus
		status string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT tenant_id, order_id, document_id, status, provider_receipt_id,
			fiscal_number, qr, last_error, updated_at
		FROM tally_order_fiscal_status
		WHERE tenant_id = $1 AND order_id = $2`,
		tenantID, orderID,
	).Scan(&o.TenantID, &o.OrderID, &o.DocumentID, &status, &o.ProviderReceiptID,
		&o.FiscalNumber, &o.QR, &o.LastError, &o.UpdatedAt)
	if isNoRows(err) {
		return nil, tally.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tally/postgres: get order status: %w", err)
	}
	o.Status = fiscal.Status(status)
	return &o, nil
}

// ──────────────────────────────────────────────────
// Row mapping
// ──────────────────────────────────────────────────

func documentArgs(d *fiscal.Document) []any {
	return []any{
		d.ID.String(), d.TenantID, d.StoreID, d.OrderID, d.IdempotencyKey, string(d.Mode),
		d.DeviceID, string(d.Status), string(d.Payload), d.Attempts, d.LastError,
		d.NextRetryAt, d.ProviderReceiptID, d.FiscalNumber, d.QR,
		d.CreatedAt, d.UpdatedAt, d.SentAt,
	}
}

func scanDocument(row pgx.Row) (*fiscal.Document, error) {
	var (
		d       fiscal.Document
		mode    string
		status  string
		payload []byte
	)
	err := row.Scan(
		&d.ID, &d.TenantID, &d.StoreID, &d.OrderID, &d.IdempotencyKey, &mode,
		&d.DeviceID, &status, &payload, &d.Attempts, &d.LastError,
		&d.NextRetryAt, &d.ProviderReceiptID, &d.FiscalNumber, &d.QR,
		&d.CreatedAt, &d.UpdatedAt, &d.SentAt,
	)
	if err != nil {
		return nil, err
	}
	d.Mode = fiscal.Mode(mode)
	d.Status = fiscal.Status(status)
	d.Payload = payload
	return &d, nil
}

func scanDocumentRow(row pgx.Row, op string) (*fiscal.Document, error) {
	d, err := scanDocument(row)
	if isNoRows(err) {
		return nil, tally.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tally/postgres: %s: %w", op, err)
	}
	return d, nil
}

func collectDocuments(rows pgx.Rows, op string) ([]*fiscal.Document, error) {
	var docs []*fiscal.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("tally/postgres: %s: scan: %w", op, err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tally/postgres: %s: %w", op, err)
	}
	return docs, nil
}
