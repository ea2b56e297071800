package dbpool

import (
	"context"
	"database/sql"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Limits bounds the size of a pool.
type Limits struct {
	MinSize     int
	MaxSize     int
	ConnMaxIdle time.Duration
}

func (l Limits) normalized() Limits {
	if l.MaxSize <= 0 {
		l.MaxSize = 10
	}
	if l.MinSize < 0 {
		l.MinSize = 0
	}
	if l.MinSize > l.MaxSize {
		l.MinSize = l.MaxSize
	}
	return l
}

// OpenFunc opens a database handle for p. It does not need to connect.
type OpenFunc func(ctx context.Context, p Params, limits Limits) (*sql.DB, error)

const dialTimeout = 5 * time.Second

// OpenDB is the default OpenFunc. It selects the driver by engine and
// applies limits to the handle.
func OpenDB(_ context.Context, p Params, limits Limits) (*sql.DB, error) {
	var db *sql.DB
	switch p.Engine {
	case EngineMySQL:
		cfg, err := mysqlConfig(p)
		if err != nil {
			return nil, err
		}
		connector, err := mysql.NewConnector(cfg)
		if err != nil {
			return nil, errors.Wrap(err, "mysql connector")
		}
		db = sql.OpenDB(connector)
	case EnginePostgres:
		cfg, err := pgx.ParseConfig(postgresDSN(p))
		if err != nil {
			return nil, errors.Wrap(err, "postgres config")
		}
		db = stdlib.OpenDB(*cfg)
	case EngineSQLite:
		dsn, err := sqliteDSN(p)
		if err != nil {
			return nil, err
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite")
		}
	default:
		return nil, errors.Wrapf(ErrUnsupportedEngine, "%q", p.Engine)
	}
	limits = limits.normalized()
	db.SetMaxOpenConns(limits.MaxSize)
	db.SetMaxIdleConns(limits.MinSize)
	if limits.ConnMaxIdle > 0 {
		db.SetConnMaxIdleTime(limits.ConnMaxIdle)
	}
	return db, nil
}

func mysqlConfig(p Params) (*mysql.Config, error) {
	cfg := mysql.NewConfig()
	cfg.User = p.Username
	cfg.Passwd = p.Password
	cfg.Net = "tcp"
	cfg.Addr = hostPort(p.Host, p.Port, 3306)
	cfg.DBName = p.Database
	cfg.ParseTime = true
	cfg.Timeout = dialTimeout
	opts, err := url.ParseQuery(p.Options)
	if err != nil {
		return nil, errors.Wrap(err, "parse mysql params")
	}
	for key, values := range opts {
		if len(values) == 0 {
			continue
		}
		if cfg.Params == nil {
			cfg.Params = make(map[string]string)
		}
		cfg.Params[key] = values[len(values)-1]
	}
	return cfg, nil
}

func postgresDSN(p Params) string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.Username, p.Password),
		Host:   hostPort(p.Host, p.Port, 5432),
		Path:   "/" + p.Database,
	}
	q, err := url.ParseQuery(p.Options)
	if err != nil {
		q = url.Values{}
	}
	if q.Get("connect_timeout") == "" {
		q.Set("connect_timeout", strconv.Itoa(int(dialTimeout/time.Second)))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// sqliteDSN treats Database as the file path; options become query
// parameters such as _pragma=busy_timeout(5000).
func sqliteDSN(p Params) (string, error) {
	path := strings.TrimSpace(p.Database)
	if path == "" {
		return "", errors.Wrap(ErrInvalidConnection, "sqlite needs a database path")
	}
	if opts := strings.TrimPrefix(strings.TrimSpace(p.Options), "?"); opts != "" {
		return path + "?" + opts, nil
	}
	return path, nil
}

func hostPort(host string, port, fallback int) string {
	if port <= 0 {
		port = fallback
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ParamsOf combines a stored connection with its decrypted password.
func ParamsOf(conn *Connection, password string) Params {
	return Params{
		Engine:   conn.Engine,
		Host:     conn.Host,
		Port:     conn.Port,
		Username: conn.Username,
		Password: password,
		Database: conn.Database,
		Options:  conn.Params,
	}
}

// Validate checks that p carries what its engine needs to connect.
func (p Params) Validate() error {
	switch p.Engine {
	case EngineSQLite:
		if strings.TrimSpace(p.Database) == "" {
			return errors.Wrap(ErrInvalidConnection, "missing required connection parameters")
		}
	case EngineMySQL, EnginePostgres:
		if strings.TrimSpace(p.Host) == "" || strings.TrimSpace(p.Username) == "" {
			return errors.Wrap(ErrInvalidConnection, "missing required connection parameters")
		}
	default:
		return errors.Wrapf(ErrUnsupportedEngine, "%q", p.Engine)
	}
	return nil
}
