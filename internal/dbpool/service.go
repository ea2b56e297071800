package dbpool

import (
	"context"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ConnectionInput describes a connection to register. Password is
// plaintext and is encrypted before it is stored.
type ConnectionInput struct {
	Name     string
	Engine   string
	Host     string
	Port     int
	Username string
	Password string
	Database string
	Params   string
	Remark   string
}

// ConnectionPatch is a partial update. An empty Password keeps the stored one.
type ConnectionPatch struct {
	Name     *string
	Engine   *string
	Host     *string
	Port     *int
	Username *string
	Password *string
	Database *string
	Params   *string
	Remark   *string
}

// ConnectionService is the admin interface over external connections and
// the entry point for running SQL against them.
type ConnectionService struct {
	store    ConnectionStore
	cipher   Cipher
	registry *Registry
	logger   *slog.Logger
}

func NewConnectionService(store ConnectionStore, cipher Cipher, registry *Registry, logger *slog.Logger) *ConnectionService {
	return &ConnectionService{store: store, cipher: cipher, registry: registry, logger: logger}
}

// Registry exposes the pool registry for callers that manage pools directly.
func (s *ConnectionService) Registry() *Registry { return s.registry }

func (s *ConnectionService) Create(ctx context.Context, in ConnectionInput) (*Connection, error) {
	engine, ok := ParseEngine(in.Engine)
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedEngine, "%q", in.Engine)
	}
	conn := &Connection{
		ID:       uuid.NewString(),
		Name:     strings.TrimSpace(in.Name),
		Engine:   engine,
		Host:     strings.TrimSpace(in.Host),
		Port:     in.Port,
		Username: strings.TrimSpace(in.Username),
		Database: strings.TrimSpace(in.Database),
		Params:   strings.TrimSpace(in.Params),
		Status:   StatusUnknown,
		Remark:   in.Remark,
	}
	if err := validateConnection(conn, in.Password); err != nil {
		return nil, err
	}
	ciphertext, err := s.cipher.Encrypt(in.Password)
	if err != nil {
		return nil, errors.Wrap(err, "encrypt password")
	}
	conn.Password = ciphertext
	if err := s.store.InsertConnection(ctx, conn); err != nil {
		return nil, err
	}
	s.logger.Info("connection created", "conn_id", conn.ID, "name", conn.Name, "engine", conn.Engine)
	return conn, nil
}

// Update applies patch and refreshes the pool so the next use reconnects
// with the new parameters.
func (s *ConnectionService) Update(ctx context.Context, id string, patch ConnectionPatch) (*Connection, error) {
	conn, err := s.store.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Engine != nil {
		engine, ok := ParseEngine(*patch.Engine)
		if !ok {
			return nil, errors.Wrapf(ErrUnsupportedEngine, "%q", *patch.Engine)
		}
		conn.Engine = engine
	}
	setString(&conn.Name, patch.Name)
	setString(&conn.Host, patch.Host)
	setString(&conn.Username, patch.Username)
	setString(&conn.Database, patch.Database)
	setString(&conn.Params, patch.Params)
	if patch.Remark != nil {
		conn.Remark = *patch.Remark
	}
	if patch.Port != nil {
		conn.Port = *patch.Port
	}
	password := ""
	if patch.Password != nil && *patch.Password != "" {
		password = *patch.Password
		ciphertext, err := s.cipher.Encrypt(password)
		if err != nil {
			return nil, errors.Wrap(err, "encrypt password")
		}
		conn.Password = ciphertext
	}
	if err := validateConnection(conn, password); err != nil {
		return nil, err
	}
	conn.Status = StatusUnknown
	if err := s.store.UpdateConnection(ctx, conn); err != nil {
		return nil, err
	}
	s.registry.Refresh(id)
	return conn, nil
}

func (s *ConnectionService) Delete(ctx context.Context, id string) error {
	s.registry.Remove(id)
	return s.store.DeleteConnection(ctx, id)
}

func (s *ConnectionService) Get(ctx context.Context, id string) (*Connection, error) {
	return s.store.GetConnection(ctx, id)
}

func (s *ConnectionService) List(ctx context.Context) ([]*Connection, error) {
	return s.store.ListConnections(ctx)
}

// TestParams tests unsaved parameters.
func (s *ConnectionService) TestParams(ctx context.Context, in ConnectionInput) TestResult {
	engine, ok := ParseEngine(in.Engine)
	if !ok {
		return TestResult{Message: "unsupported database engine " + in.Engine}
	}
	return s.registry.TestConnection(ctx, Params{
		Engine:   engine,
		Host:     strings.TrimSpace(in.Host),
		Port:     in.Port,
		Username: strings.TrimSpace(in.Username),
		Password: in.Password,
		Database: strings.TrimSpace(in.Database),
		Options:  strings.TrimSpace(in.Params),
	})
}

// TestStored tests a registered connection and records its reachability.
// A password that cannot be decrypted marks the connection unreachable.
func (s *ConnectionService) TestStored(ctx context.Context, id string) (TestResult, error) {
	conn, err := s.store.GetConnection(ctx, id)
	if err != nil {
		return TestResult{}, err
	}
	var result TestResult
	password, err := s.cipher.Decrypt(conn.Password)
	if err != nil {
		s.logger.Warn("stored password unusable", "conn_id", id, "err", err)
		result = TestResult{Message: "cannot decrypt password, reset the connection password"}
	} else {
		result = s.registry.TestConnection(ctx, ParamsOf(conn, password))
	}

	status := StatusUnreachable
	if result.OK {
		status = StatusReachable
	}
	if err := s.store.UpdateConnectionStatus(ctx, id, status); err != nil {
		s.logger.Warn("record connection status", "conn_id", id, "err", err)
	}
	s.logger.Info("connection tested", "conn_id", id, "ok", result.OK, "message", result.Message)
	return result, nil
}

// Query runs a row-returning statement on the connection's pool.
func (s *ConnectionService) Query(ctx context.Context, id, query string, args ...any) ([]map[string]any, error) {
	pool, err := s.registry.Ensure(ctx, id)
	if err != nil {
		return nil, err
	}
	rows, err := pool.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errors.Wrap(err, "columns")
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.Wrap(err, "scan row")
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate rows")
	}
	return out, nil
}

// Exec runs a statement and returns the number of affected rows.
func (s *ConnectionService) Exec(ctx context.Context, id, query string, args ...any) (int64, error) {
	pool, err := s.registry.Ensure(ctx, id)
	if err != nil {
		return 0, err
	}
	res, err := pool.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, "exec")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return n, nil
}

func validateConnection(conn *Connection, password string) error {
	if conn.Name == "" {
		return errors.Wrap(ErrInvalidConnection, "name is required")
	}
	if conn.Port < 0 || conn.Port > 65535 {
		return errors.Wrapf(ErrInvalidConnection, "port %d out of range", conn.Port)
	}
	return ParamsOf(conn, password).Validate()
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}
