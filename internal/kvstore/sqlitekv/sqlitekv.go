// Package sqlitekv is a durable kvstore backend on a single SQLite file
// accessed through a zombiezen connection pool.
package sqlitekv

import (
	"context"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/keithlinneman/capserve/internal/kvstore"
	"github.com/keithlinneman/capserve/internal/log"
	"github.com/keithlinneman/capserve/internal/xerrors"
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
	k TEXT PRIMARY KEY NOT NULL,
	v BLOB
) WITHOUT ROWID;`

type Options struct {
	// Path of the database file. The parent directory must exist.
	Path     string
	PoolSize int
	Logger   log.Logger
}

type Store struct {
	pool   *sqlitex.Pool
	path   string
	logger log.Logger
}

var _ kvstore.Store = (*Store)(nil)

// Open creates the pool and ensures the schema exists on every connection.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, xerrors.New("sqlitekv: Path is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	size := opts.PoolSize
	if size <= 0 {
		size = max(runtime.NumCPU(), 4)
	}

	pool, err := sqlitex.NewPool(opts.Path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "sqlitekv: open %s", opts.Path)
	}

	opts.Logger.Info(context.Background(), "sqlite store opened",
		"path", opts.Path,
		"pool_size", size,
	)
	return &Store{pool: pool, path: opts.Path, logger: opts.Logger}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return xerrors.Wrapf(err, "sqlitekv: %s", pragma)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return xerrors.Wrap(err, "sqlitekv: create schema")
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "sqlitekv: take")
	}
	defer s.pool.Put(conn)

	var (
		found bool
		value []byte
	)
	err = sqlitex.Execute(conn, "SELECT v FROM kv WHERE k = ?", &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			value = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, value)
			return nil
		},
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "sqlitekv: get %s", key)
	}
	if !found {
		return nil, kvstore.ErrNotFound
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return xerrors.Wrap(err, "sqlitekv: take")
	}
	defer s.pool.Put(conn)

	if value == nil {
		value = []byte{}
	}
	err = sqlitex.Execute(conn,
		"INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v",
		&sqlitex.ExecOptions{Args: []any{key, value}},
	)
	if err != nil {
		return xerrors.Wrapf(err, "sqlitekv: set %s", key)
	}
	return nil
}

// Delete removes every key in one immediate transaction.
func (s *Store) Delete(ctx context.Context, keys ...string) (err error) {
	if len(keys) == 0 {
		return nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return xerrors.Wrap(err, "sqlitekv: take")
	}
	defer s.pool.Put(conn)

	endTx, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return xerrors.Wrap(err, "sqlitekv: begin transaction")
	}
	defer endTx(&err)

	for _, k := range keys {
		if err = sqlitex.Execute(conn, "DELETE FROM kv WHERE k = ?", &sqlitex.ExecOptions{
			Args: []any{k},
		}); err != nil {
			return xerrors.Wrapf(err, "sqlitekv: delete %s", k)
		}
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "sqlitekv: take")
	}
	defer s.pool.Put(conn)

	var keys []string
	err = sqlitex.Execute(conn,
		"SELECT k FROM kv WHERE substr(k, 1, length(?1)) = ?1 ORDER BY k",
		&sqlitex.ExecOptions{
			Args: []any{prefix},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				keys = append(keys, stmt.ColumnText(0))
				return nil
			},
		},
	)
	if err != nil {
		return nil, xerrors.Wrapf(err, "sqlitekv: list %q", prefix)
	}
	return keys, nil
}

func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return xerrors.Wrap(err, "sqlitekv: take")
	}
	defer s.pool.Put(conn)
	return sqlitex.ExecuteTransient(conn, "SELECT 1", nil)
}

func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		s.logger.Error(context.Background(), err, "sqlite store close failed", "path", s.path)
		return xerrors.Wrapf(err, "sqlitekv: close %s", s.path)
	}
	return nil
}
