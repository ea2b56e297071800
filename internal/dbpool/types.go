package dbpool

import (
	"context"
	"strings"
	"time"
)

// Engine identifies the database engine of an external connection.
type Engine string

const (
	EngineMySQL    Engine = "mysql"
	EnginePostgres Engine = "postgresql"
	EngineSQLite   Engine = "sqlite"
)

// ParseEngine normalizes an engine name.
func ParseEngine(s string) (Engine, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mysql", "mariadb":
		return EngineMySQL, true
	case "postgresql", "postgres", "pg":
		return EnginePostgres, true
	case "sqlite", "sqlite3":
		return EngineSQLite, true
	default:
		return Engine(s), false
	}
}

// Status is the last known reachability of a connection.
type Status string

const (
	StatusUnknown     Status = "unknown"
	StatusReachable   Status = "reachable"
	StatusUnreachable Status = "unreachable"
)

// Connection is a registered external database. Password holds the vault
// ciphertext, never the plaintext.
type Connection struct {
	ID        string
	Name      string
	Engine    Engine
	Host      string
	Port      int
	Username  string
	Password  string
	Database  string
	Params    string // driver options, k=v&k2=v2
	Status    Status
	Remark    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Params are plaintext connection parameters used to open a database.
type Params struct {
	Engine   Engine
	Host     string
	Port     int
	Username string
	Password string
	Database string
	Options  string
}

// Source loads connection records for the registry.
type Source interface {
	GetConnection(ctx context.Context, id string) (*Connection, error)
}

// StatusRecorder stores the reachability of a connection.
type StatusRecorder interface {
	UpdateConnectionStatus(ctx context.Context, id string, status Status) error
}

// ConnectionStore persists connection records.
type ConnectionStore interface {
	Source
	InsertConnection(ctx context.Context, conn *Connection) error
	UpdateConnection(ctx context.Context, conn *Connection) error
	DeleteConnection(ctx context.Context, id string) error
	ListConnections(ctx context.Context) ([]*Connection, error)
	StatusRecorder
}

// Decrypter recovers a stored password.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Cipher is the vault as used by the connection service.
type Cipher interface {
	Decrypter
	Encrypt(plaintext string) (string, error)
}
