package dbpool

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opscron/internal/logging"
	"opscron/internal/vault"
)

func newTestService(t *testing.T) (*ConnectionService, *memConnections, *vault.Vault) {
	t.Helper()
	v := vault.New("secret", "salt")
	store := newMemConnections()
	reg := NewRegistry(store, v, logging.NewTest(t), Options{})
	t.Cleanup(reg.Close)
	return NewConnectionService(store, v, reg, logging.NewTest(t)), store, v
}

func TestTestConnectionSQLite(t *testing.T) {
	svc, _, _ := newTestService(t)
	res := svc.TestParams(context.Background(), ConnectionInput{
		Engine: "sqlite", Database: filepath.Join(t.TempDir(), "target.db"),
	})
	assert.True(t, res.OK, res.Message)
	assert.Equal(t, "connection successful", res.Message)
}

func TestTestConnectionFailures(t *testing.T) {
	svc, _, _ := newTestService(t)

	res := svc.TestParams(context.Background(), ConnectionInput{Engine: "mysql", Username: "root"})
	assert.False(t, res.OK)
	assert.Equal(t, "missing required connection parameters", res.Message)

	res = svc.TestParams(context.Background(), ConnectionInput{Engine: "db2"})
	assert.False(t, res.OK)
	assert.Contains(t, res.Message, "unsupported")

	// nothing listens on port 1
	res = svc.TestParams(context.Background(), ConnectionInput{
		Engine: "postgresql", Host: "127.0.0.1", Port: 1, Username: "u", Password: "p", Database: "d",
	})
	assert.False(t, res.OK)
	assert.True(t, strings.HasPrefix(res.Message, "connection"), res.Message)
}

func TestTestStoredRecordsStatus(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	conn, err := svc.Create(ctx, ConnectionInput{
		Name: "local", Engine: "sqlite", Database: filepath.Join(t.TempDir(), "local.db"), Password: "pw",
	})
	require.NoError(t, err)

	res, err := svc.TestStored(ctx, conn.ID)
	require.NoError(t, err)
	assert.True(t, res.OK)
	got, _ := store.GetConnection(ctx, conn.ID)
	assert.Equal(t, StatusReachable, got.Status)

	// a password written under another key cannot be recovered
	other := vault.New("other", "salt")
	foreign, err := other.Encrypt("pw")
	require.NoError(t, err)
	got.Password = foreign
	require.NoError(t, store.UpdateConnection(ctx, got))

	res, err = svc.TestStored(ctx, conn.ID)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, "cannot decrypt password, reset the connection password", res.Message)
	got, _ = store.GetConnection(ctx, conn.ID)
	assert.Equal(t, StatusUnreachable, got.Status)
	assert.Equal(t, foreign, got.Password)
}

func TestCreateEncryptsAndUpdateRefreshes(t *testing.T) {
	svc, store, v := newTestService(t)
	ctx := context.Background()
	conn, err := svc.Create(ctx, ConnectionInput{
		Name: "local", Engine: "sqlite3", Database: filepath.Join(t.TempDir(), "a.db"), Password: "pw",
	})
	require.NoError(t, err)
	assert.Equal(t, EngineSQLite, conn.Engine)

	stored, _ := store.GetConnection(ctx, conn.ID)
	plain, err := v.Decrypt(stored.Password)
	require.NoError(t, err)
	assert.Equal(t, "pw", plain)

	first, err := svc.Registry().Ensure(ctx, conn.ID)
	require.NoError(t, err)

	remark := "moved"
	empty := ""
	updated, err := svc.Update(ctx, conn.ID, ConnectionPatch{Remark: &remark, Password: &empty})
	require.NoError(t, err)
	assert.Equal(t, stored.Password, updated.Password)
	assert.True(t, first.Closed())

	second, err := svc.Registry().Ensure(ctx, conn.ID)
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	require.NoError(t, svc.Delete(ctx, conn.ID))
	assert.True(t, second.Closed())
	_, err = svc.Get(ctx, conn.ID)
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestCreateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Create(context.Background(), ConnectionInput{Name: "x", Engine: "mongo"})
	assert.ErrorIs(t, err, ErrUnsupportedEngine)
	_, err = svc.Create(context.Background(), ConnectionInput{Name: "x", Engine: "mysql"})
	assert.ErrorIs(t, err, ErrInvalidConnection)
	_, err = svc.Create(context.Background(), ConnectionInput{Engine: "sqlite", Database: "a.db"})
	assert.ErrorIs(t, err, ErrInvalidConnection)
}

func TestDSNBuilders(t *testing.T) {
	cfg, err := mysqlConfig(Params{
		Engine: EngineMySQL, Host: "db", Username: "app", Password: "p@ss", Database: "orders", Options: "charset=utf8mb4",
	})
	require.NoError(t, err)
	assert.Equal(t, "db:3306", cfg.Addr)
	assert.Equal(t, "utf8mb4", cfg.Params["charset"])
	assert.Contains(t, cfg.FormatDSN(), "app:p@ss@tcp(db:3306)/orders")

	dsn := postgresDSN(Params{Engine: EnginePostgres, Host: "pg", Port: 6432, Username: "u", Password: "a b", Database: "app", Options: "sslmode=disable"})
	assert.Equal(t, "postgres://u:a%20b@pg:6432/app?connect_timeout=5&sslmode=disable", dsn)

	_, err = sqliteDSN(Params{Engine: EngineSQLite})
	assert.ErrorIs(t, err, ErrInvalidConnection)
	path, err := sqliteDSN(Params{Engine: EngineSQLite, Database: "/tmp/x.db", Options: "_pragma=busy_timeout(5000)"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.db?_pragma=busy_timeout(5000)", path)
}
