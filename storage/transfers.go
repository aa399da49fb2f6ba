package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SaveTransfer inserts or updates one transfer row. CreatedAt is kept from
// the first save of a transfer id.
func (s *Store) SaveTransfer(record Transfer) error {
	if record.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if record.Filename == "" {
		return errors.New("filename is required")
	}
	if record.TotalLength < 0 {
		return errors.New("total_length must be >= 0")
	}
	if record.PacketLength <= 0 {
		return errors.New("packet_length must be > 0")
	}
	if err := validateTransferDirection(record.Direction); err != nil {
		return err
	}
	if record.TransferStatus == "" {
		record.TransferStatus = TransferStatusRequested
	}
	if err := validateTransferStatus(record.TransferStatus); err != nil {
		return err
	}

	now := nowUnixMilli()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = now
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			transfer_id, direction, peer_address, filename, total_length, packet_length,
			stored_path, checksum, transfer_status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id) DO UPDATE SET
			direction = excluded.direction,
			peer_address = excluded.peer_address,
			filename = excluded.filename,
			total_length = excluded.total_length,
			packet_length = excluded.packet_length,
			stored_path = excluded.stored_path,
			checksum = excluded.checksum,
			transfer_status = excluded.transfer_status,
			updated_at = excluded.updated_at`,
		record.TransferID,
		record.Direction,
		record.PeerAddress,
		record.Filename,
		record.TotalLength,
		record.PacketLength,
		record.StoredPath,
		record.Checksum,
		record.TransferStatus,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save transfer %q: %w", record.TransferID, err)
	}
	return nil
}

// UpdateTransferStatus updates the lifecycle status of one transfer.
func (s *Store) UpdateTransferStatus(transferID, status string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateTransferStatus(status); err != nil {
		return err
	}

	result, err := s.db.Exec(
		`UPDATE transfers SET transfer_status = ?, updated_at = ? WHERE transfer_id = ?`,
		status,
		nowUnixMilli(),
		transferID,
	)
	if err != nil {
		return fmt.Errorf("update transfer status %q: %w", transferID, err)
	}
	return requireRowsAffected(result, "update transfer status")
}

// SetTransferChecksum records the digest of a received file.
func (s *Store) SetTransferChecksum(transferID, checksum string) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}

	result, err := s.db.Exec(
		`UPDATE transfers SET checksum = ?, updated_at = ? WHERE transfer_id = ?`,
		checksum,
		nowUnixMilli(),
		transferID,
	)
	if err != nil {
		return fmt.Errorf("set transfer checksum %q: %w", transferID, err)
	}
	return requireRowsAffected(result, "set transfer checksum")
}

// GetTransfer returns one transfer by id.
func (s *Store) GetTransfer(transferID string) (*Transfer, error) {
	row := s.db.QueryRow(
		`SELECT transfer_id, direction, peer_address, filename, total_length, packet_length,
			stored_path, checksum, transfer_status, created_at, updated_at
		FROM transfers WHERE transfer_id = ?`,
		transferID,
	)

	record, err := scanTransfer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer %q: %w", transferID, err)
	}
	return record, nil
}

// ListTransfers returns transfers newest first, narrowed by filter.
func (s *Store) ListTransfers(filter TransferFilter) ([]Transfer, error) {
	if filter.Direction != "" {
		if err := validateTransferDirection(filter.Direction); err != nil {
			return nil, err
		}
	}
	if filter.Status != "" {
		if err := validateTransferStatus(filter.Status); err != nil {
			return nil, err
		}
	}
	if filter.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	if filter.Offset < 0 {
		return nil, errors.New("offset must be >= 0")
	}

	var (
		clauses []string
		args    []any
	)
	if filter.Direction != "" {
		clauses = append(clauses, "direction = ?")
		args = append(args, filter.Direction)
	}
	if filter.Status != "" {
		clauses = append(clauses, "transfer_status = ?")
		args = append(args, filter.Status)
	}
	if filter.FromTimestamp != nil {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, nullInt64(filter.FromTimestamp))
	}

	query := `SELECT transfer_id, direction, peer_address, filename, total_length, packet_length,
		stored_path, checksum, transfer_status, created_at, updated_at
	FROM transfers`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY updated_at DESC, transfer_id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	} else if filter.Offset > 0 {
		query += " LIMIT -1 OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		transfers = append(transfers, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}

	return transfers, nil
}

// PruneTransfers deletes finished transfers last updated before cutoff.
func (s *Store) PruneTransfers(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM transfers
		WHERE updated_at < ?
		AND transfer_status IN (?, ?, ?, ?)`,
		cutoff.UnixMilli(),
		TransferStatusComplete,
		TransferStatusDenied,
		TransferStatusCancelled,
		TransferStatusFailed,
	)
	if err != nil {
		return 0, fmt.Errorf("prune transfers: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune transfers rows affected: %w", err)
	}
	return removed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(scanner rowScanner) (*Transfer, error) {
	var record Transfer
	if err := scanner.Scan(
		&record.TransferID,
		&record.Direction,
		&record.PeerAddress,
		&record.Filename,
		&record.TotalLength,
		&record.PacketLength,
		&record.StoredPath,
		&record.Checksum,
		&record.TransferStatus,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &record, nil
}

func requireRowsAffected(result sql.Result, operation string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", operation, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
