package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"opscron/internal/dbpool"
)

var _ dbpool.ConnectionStore = (*Store)(nil)

// ErrConnectionNotFound wraps dbpool.ErrConnectionNotFound.
var ErrConnectionNotFound = errors.Wrap(dbpool.ErrConnectionNotFound, "store")

const connColumns = `id, name, engine, host, port, username, password, database_name, params, status, remark, created_at, updated_at`

func (s *Store) InsertConnection(ctx context.Context, conn *dbpool.Connection) error {
	now := time.Now().UTC()
	conn.CreatedAt = now
	conn.UpdatedAt = now
	if conn.Status == "" {
		conn.Status = dbpool.StatusUnknown
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO connections (`+connColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, conn.ID, conn.Name, conn.Engine, conn.Host, conn.Port, conn.Username, conn.Password, conn.Database,
		conn.Params, conn.Status, conn.Remark, formatTime(conn.CreatedAt), formatTime(conn.UpdatedAt))
	if err != nil {
		return errors.Wrap(err, "insert connection")
	}
	return nil
}

func (s *Store) UpdateConnection(ctx context.Context, conn *dbpool.Connection) error {
	conn.UpdatedAt = time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE connections
		SET name = ?, engine = ?, host = ?, port = ?, username = ?, password = ?, database_name = ?,
			params = ?, status = ?, remark = ?, updated_at = ?
		WHERE id = ?
	`, conn.Name, conn.Engine, conn.Host, conn.Port, conn.Username, conn.Password, conn.Database,
		conn.Params, conn.Status, conn.Remark, formatTime(conn.UpdatedAt), conn.ID)
	if err != nil {
		return errors.Wrap(err, "update connection")
	}
	return affectedOne(res, ErrConnectionNotFound)
}

func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete connection")
	}
	return affectedOne(res, ErrConnectionNotFound)
}

func (s *Store) GetConnection(ctx context.Context, id string) (*dbpool.Connection, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+connColumns+` FROM connections WHERE id = ?`, id)
	conn, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConnectionNotFound
		}
		return nil, err
	}
	return conn, nil
}

func (s *Store) ListConnections(ctx context.Context) ([]*dbpool.Connection, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+connColumns+` FROM connections ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "list connections")
	}
	defer rows.Close()
	var conns []*dbpool.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate connections")
	}
	return conns, nil
}

// UpdateConnectionStatus records reachability only; credentials are never
// touched.
func (s *Store) UpdateConnectionStatus(ctx context.Context, id string, status dbpool.Status) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE connections SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return errors.Wrap(err, "update connection status")
	}
	return affectedOne(res, ErrConnectionNotFound)
}

func scanConnection(sc scanner) (*dbpool.Connection, error) {
	var (
		conn      dbpool.Connection
		engine    string
		status    string
		createdAt string
		updatedAt string
	)
	if err := sc.Scan(&conn.ID, &conn.Name, &engine, &conn.Host, &conn.Port, &conn.Username, &conn.Password,
		&conn.Database, &conn.Params, &status, &conn.Remark, &createdAt, &updatedAt); err != nil {
		return nil, errors.Wrap(err, "scan connection")
	}
	conn.Engine = dbpool.Engine(engine)
	conn.Status = dbpool.Status(status)
	conn.CreatedAt = parseTime(createdAt)
	conn.UpdatedAt = parseTime(updatedAt)
	return &conn, nil
}
