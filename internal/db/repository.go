package db

import (
	"context"

	"github.com/anstrom/portgate/internal/scanning"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Repository stores scan results.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository instance.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// SaveScan writes res and its port results in one transaction. Saving the
// same scan ID again replaces the earlier record.
func (r *Repository) SaveScan(ctx context.Context, res *scanning.Result) error {
	row, err := newScanRow(res)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return sanitizeDBError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	scanQuery := `
		INSERT INTO scans (
			id, target, address, scan_type, cached, incomplete, warning,
			os_guess, os_error, adaptive, total_ports, open_ports,
			started_at, finished_at, duration_ms
		)
		VALUES (
			:id, :target, :address, :scan_type, :cached, :incomplete, :warning,
			:os_guess, :os_error, :adaptive, :total_ports, :open_ports,
			:started_at, :finished_at, :duration_ms
		)
		ON CONFLICT (id) DO UPDATE SET
			address = EXCLUDED.address,
			cached = EXCLUDED.cached,
			incomplete = EXCLUDED.incomplete,
			warning = EXCLUDED.warning,
			os_guess = EXCLUDED.os_guess,
			os_error = EXCLUDED.os_error,
			adaptive = EXCLUDED.adaptive,
			total_ports = EXCLUDED.total_ports,
			open_ports = EXCLUDED.open_ports,
			finished_at = EXCLUDED.finished_at,
			duration_ms = EXCLUDED.duration_ms`

	if _, err := tx.NamedExecContext(ctx, scanQuery, row); err != nil {
		return sanitizeDBError("insert scan", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM port_results WHERE scan_id = $1`, res.ScanID); err != nil {
		return sanitizeDBError("clear port results", err)
	}

	portQuery := `
		INSERT INTO port_results (
			scan_id, port, protocol, state, reason, service, version,
			banner, confidence, ttl, window_size
		)
		VALUES (
			:scan_id, :port, :protocol, :state, :reason, :service, :version,
			:banner, :confidence, :ttl, :window_size
		)`

	for _, p := range res.Ports {
		if _, err := tx.NamedExecContext(ctx, portQuery, newPortRow(res.ScanID, p)); err != nil {
			return sanitizeDBError("insert port result", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return sanitizeDBError("commit transaction", err)
	}
	return nil
}

// GetScan loads a stored scan with its port results ordered by port.
func (r *Repository) GetScan(ctx context.Context, id string) (*scanning.Result, error) {
	var row scanRow
	query := `
		SELECT id, target, address, scan_type, cached, incomplete, warning,
		       os_guess, os_error, adaptive, total_ports, open_ports,
		       started_at, finished_at, duration_ms
		FROM scans WHERE id = $1`
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, sanitizeDBError("get scan", err)
	}

	var ports []portRow
	portsQuery := `
		SELECT scan_id, port, protocol, state, reason, service, version,
		       banner, confidence, ttl, window_size
		FROM port_results WHERE scan_id = $1 ORDER BY port, protocol`
	if err := r.db.SelectContext(ctx, &ports, portsQuery, id); err != nil {
		return nil, sanitizeDBError("get port results", err)
	}

	return row.result(ports)
}

// ListScans returns the most recent scans first. A non-positive limit
// selects the default page size; limits above 500 are clamped.
func (r *Repository) ListScans(ctx context.Context, limit int) ([]ScanSummary, error) {
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}

	scans := make([]ScanSummary, 0, limit)
	query := `
		SELECT id, target, scan_type, total_ports, open_ports, cached,
		       incomplete, started_at, duration_ms
		FROM scans ORDER BY started_at DESC LIMIT $1`
	if err := r.db.SelectContext(ctx, &scans, query, limit); err != nil {
		return nil, sanitizeDBError("list scans", err)
	}
	return scans, nil
}
