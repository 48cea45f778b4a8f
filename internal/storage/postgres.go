package storage

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/lk2023060901/warp-hub-go/internal/types"
	"github.com/lk2023060901/warp-hub-go/internal/userdata"
	"github.com/lk2023060901/warp-hub-go/pkg/util/merr"
)

const (
	pgUniqueViolation = "23505"

	constraintUsersPK     = "warp_users_pkey"
	constraintUsersFolded = "warp_users_folded_key"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS warp_users (
		uin           BIGINT NOT NULL,
		nickname      TEXT   NOT NULL,
		folded        TEXT   NOT NULL,
		password_hash TEXT   NOT NULL,
		flags         BIGINT NOT NULL DEFAULT 0,
		totp_secret   TEXT   NOT NULL DEFAULT '',
		CONSTRAINT ` + constraintUsersPK + ` PRIMARY KEY (uin),
		CONSTRAINT ` + constraintUsersFolded + ` UNIQUE (folded)
	)`,
	`CREATE TABLE IF NOT EXISTS warp_spool (
		id   BIGSERIAL PRIMARY KEY,
		uin  BIGINT NOT NULL,
		data BYTEA  NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS warp_spool_uin_idx ON warp_spool (uin, id)`,
}

// Postgres 通过 database/sql 与 pgx 驱动访问 PostgreSQL。
type Postgres struct {
	db *sql.DB
}

// OpenPostgres 打开连接池，ping 失败时按退避重试，然后建表。
func OpenPostgres(ctx context.Context, dsn string, attempts int) (*Postgres, error) {
	if dsn == "" {
		return nil, merr.WrapErrParameterMissing("storage.postgresDSN")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "db open error")
	}
	if err := connect(ctx, "postgres", attempts, func() error { return db.PingContext(ctx) }); err != nil {
		db.Close()
		return nil, err
	}
	p := &Postgres{db: db}
	if err := p.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "migration error")
		}
	}
	return nil
}

func (p *Postgres) scanUser(row *sql.Row, key any) (*userdata.Record, error) {
	var (
		rec   userdata.Record
		uin   int64
		flags int64
	)
	err := row.Scan(&uin, &rec.Nickname, &rec.Folded, &rec.PasswordHash, &flags, &rec.TOTPSecret)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, merr.WrapErrUserNotFound(key)
		}
		return nil, merr.WrapErrIoFailed("warp_users", err)
	}
	rec.UIN = types.UIN(uint64(uin))
	rec.Flags = types.UserFlags(flags)
	return &rec, nil
}

func (p *Postgres) GetByUIN(ctx context.Context, uin types.UIN) (*userdata.Record, error) {
	query := `SELECT uin, nickname, folded, password_hash, flags, totp_secret
		FROM warp_users WHERE uin = $1`
	return p.scanUser(p.db.QueryRowContext(ctx, query, int64(uin)), uin)
}

func (p *Postgres) GetByNickname(ctx context.Context, folded string) (*userdata.Record, error) {
	query := `SELECT uin, nickname, folded, password_hash, flags, totp_secret
		FROM warp_users WHERE folded = $1`
	return p.scanUser(p.db.QueryRowContext(ctx, query, folded), folded)
}

// mapUnique 把唯一约束冲突转换成对应的业务错误。
func mapUnique(err error, rec *userdata.Record) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		switch pgErr.ConstraintName {
		case constraintUsersPK:
			return merr.WrapErrDuplicateUIN(rec.UIN)
		case constraintUsersFolded:
			return merr.WrapErrDuplicateNickname(rec.Nickname)
		}
	}
	return merr.WrapErrIoFailed("warp_users", err)
}

func (p *Postgres) Create(ctx context.Context, rec *userdata.Record) error {
	rec.Folded = userdata.Fold(rec.Nickname)
	query := `INSERT INTO warp_users (uin, nickname, folded, password_hash, flags, totp_secret)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := p.db.ExecContext(ctx, query,
		int64(rec.UIN), rec.Nickname, rec.Folded, rec.PasswordHash, int64(rec.Flags), rec.TOTPSecret)
	if err != nil {
		return mapUnique(err, rec)
	}
	return nil
}

func (p *Postgres) Update(ctx context.Context, rec *userdata.Record) error {
	rec.Folded = userdata.Fold(rec.Nickname)
	query := `UPDATE warp_users
		SET nickname = $2, folded = $3, password_hash = $4, flags = $5, totp_secret = $6
		WHERE uin = $1`
	res, err := p.db.ExecContext(ctx, query,
		int64(rec.UIN), rec.Nickname, rec.Folded, rec.PasswordHash, int64(rec.Flags), rec.TOTPSecret)
	if err != nil {
		return mapUnique(err, rec)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return merr.WrapErrUserNotFound(rec.UIN)
	}
	return nil
}

func (p *Postgres) Append(ctx context.Context, uin types.UIN, data []byte) (uint64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO warp_spool (uin, data) VALUES ($1, $2) RETURNING id`,
		int64(uin), data).Scan(&id)
	if err != nil {
		return 0, merr.WrapErrSpoolFailed(uin, err)
	}
	return uint64(id), nil
}

func (p *Postgres) List(ctx context.Context, uin types.UIN) ([]SpoolEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, data FROM warp_spool WHERE uin = $1 ORDER BY id`, int64(uin))
	if err != nil {
		return nil, merr.WrapErrSpoolFailed(uin, err)
	}
	defer rows.Close()

	var entries []SpoolEntry
	for rows.Next() {
		var (
			id   int64
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, merr.WrapErrSpoolFailed(uin, err)
		}
		entries = append(entries, SpoolEntry{ID: uint64(id), Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, merr.WrapErrSpoolFailed(uin, err)
	}
	return entries, nil
}

func (p *Postgres) Delete(ctx context.Context, uin types.UIN, id uint64) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM warp_spool WHERE uin = $1 AND id = $2`, int64(uin), int64(id))
	return merr.WrapErrSpoolFailed(uin, err)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
