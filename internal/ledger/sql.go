package ledger

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"XLayer-WalletBot/deploy/migrations"
	xerrors "XLayer-WalletBot/internal/errors"
)

// SQLConfig 描述关系型后端的连接参数。
type SQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	SkipMigrations  bool
}

// SQLStore 基于 database/sql 保存提现记录，MySQL 与 SQLite 共用同一套语句。
type SQLStore struct {
	db      *sql.DB
	dialect string
}

const recordColumns = `id, user_id, from_addr, to_addr, amount, value_minor, nonce, gas_price, gas_limit, route, tx_hash, order_id, status, error_message, created_at, updated_at`

// NewMySQLStore 连接 MySQL 并执行迁移。
func NewMySQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "MySQL DSN 不能为空")
	}
	parsed, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "解析 MySQL DSN 失败")
	}
	parsed.ParseTime = true
	connector, err := mysql.NewConnector(parsed)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	db := sql.OpenDB(connector)
	applyPool(db, cfg, 20, 10)
	return openStore(ctx, db, "mysql", cfg.SkipMigrations)
}

// NewSQLiteStore 打开 SQLite 文件并执行迁移。
func NewSQLiteStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	path := strings.TrimSpace(cfg.DSN)
	if path == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "SQLite 路径不能为空")
	}
	if !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据库目录失败")
		}
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 SQLite 失败")
	}
	// SQLite 只允许一个写连接。
	db.SetMaxOpenConns(1)
	return openStore(ctx, db, "sqlite", cfg.SkipMigrations)
}

func applyPool(db *sql.DB, cfg SQLConfig, defOpen, defIdle int) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(defOpen)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(defIdle)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
}

func openStore(ctx context.Context, db *sql.DB, dialect string, skipMigrations bool) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到数据库")
	}
	store := &SQLStore{db: db, dialect: dialect}
	if !skipMigrations {
		fsys, err := migrations.For(dialect)
		if err != nil {
			_ = db.Close()
			return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "加载迁移失败")
		}
		if err := runMigrations(ctx, db, fsys); err != nil {
			_ = db.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移失败")
		}
	}
	return store, nil
}

// Create 实现 Store 接口。
func (s *SQLStore) Create(ctx context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	now := time.Now().Unix()
	if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `INSERT INTO withdrawals (`+recordColumns+`)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.From, rec.To, rec.Amount, rec.ValueMinor, rec.Nonce, rec.GasPrice, rec.GasLimit,
		rec.Route, rec.TxHash, rec.OrderID, string(rec.Status), truncate(rec.Error, 512), rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if isDuplicate(err) {
			return ErrRecordConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入提现记录失败")
	}
	return nil
}

// Update 实现 Store 接口。
func (s *SQLStore) Update(ctx context.Context, id string, u Update) error {
	if err := validateUpdate(u); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE withdrawals SET status = ?,
    tx_hash = CASE WHEN ? = '' THEN tx_hash ELSE ? END,
    order_id = CASE WHEN ? = '' THEN order_id ELSE ? END,
    error_message = CASE WHEN ? = '' THEN error_message ELSE ? END,
    updated_at = ?
    WHERE id = ?`,
		string(u.Status), u.TxHash, u.TxHash, u.OrderID, u.OrderID, truncate(u.Error, 512), truncate(u.Error, 512), time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新提现记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取影响行数失败")
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Get 实现 Store 接口。
func (s *SQLStore) Get(ctx context.Context, id string) (*Record, error) {
	return s.queryOne(ctx, `SELECT `+recordColumns+` FROM withdrawals WHERE id = ?`, id)
}

// FindByTxHash 实现 Store 接口。
func (s *SQLStore) FindByTxHash(ctx context.Context, hash string) (*Record, error) {
	if hash == "" {
		return nil, ErrRecordNotFound
	}
	return s.queryOne(ctx, `SELECT `+recordColumns+` FROM withdrawals WHERE tx_hash = ? ORDER BY created_at DESC LIMIT 1`, hash)
}

// FindByOrderID 实现 Store 接口。
func (s *SQLStore) FindByOrderID(ctx context.Context, orderID string) (*Record, error) {
	if orderID == "" {
		return nil, ErrRecordNotFound
	}
	return s.queryOne(ctx, `SELECT `+recordColumns+` FROM withdrawals WHERE order_id = ? ORDER BY created_at DESC LIMIT 1`, orderID)
}

// ListByUser 按创建时间倒序返回用户的记录。
func (s *SQLStore) ListByUser(ctx context.Context, userID int64, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM withdrawals WHERE user_id = ?
    ORDER BY created_at DESC, id DESC LIMIT ?`, userID, normalizeLimit(limit))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询提现记录失败")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历提现记录失败")
	}
	return out, nil
}

// Close 关闭数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) queryOne(ctx context.Context, query string, args ...any) (*Record, error) {
	row := s.db.QueryRowContext(ctx, query, args...)
	rec, err := scanRecord(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*Record, error) {
	var (
		rec    Record
		status string
	)
	err := sc.Scan(&rec.ID, &rec.UserID, &rec.From, &rec.To, &rec.Amount, &rec.ValueMinor, &rec.Nonce,
		&rec.GasPrice, &rec.GasLimit, &rec.Route, &rec.TxHash, &rec.OrderID, &status, &rec.Error,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析提现记录失败")
	}
	rec.Status = Status(status)
	return &rec, nil
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// String 便于日志输出。
func (s *SQLStore) String() string {
	return fmt.Sprintf("ledger(%s)", s.dialect)
}
