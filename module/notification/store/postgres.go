package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"PPRealtime/module/notification/model"
	"PPRealtime/tools/errs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS notifications (
	id         BIGSERIAL PRIMARY KEY,
	user_id    TEXT        NOT NULL,
	message_id TEXT        NOT NULL,
	title      TEXT        NOT NULL,
	body       TEXT        NOT NULL,
	sent       BOOLEAN     NOT NULL DEFAULT FALSE,
	read_at    TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, message_id)
);
CREATE INDEX IF NOT EXISTS notifications_unread_idx
	ON notifications (user_id, id DESC) WHERE read_at IS NULL;
`

type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres 连接并建表
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("postgres connect", "err", err.Error())
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.ErrStoreUnavailable.WrapMsg("postgres ping", "err", err.Error())
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, errs.ErrStoreUnavailable.WrapMsg("postgres schema", "err", err.Error())
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() { s.pool.Close() }

func pgErr(op string, err error) error {
	return errs.ErrStoreUnavailable.WrapMsg(op, "err", err.Error())
}

func (s *Postgres) Insert(ctx context.Context, n *model.Notification) (*model.Notification, error) {
	// DO UPDATE 让重复入队也能 RETURNING 到已有行
	const q = `
INSERT INTO notifications (user_id, message_id, title, body)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id, message_id) DO UPDATE SET title = notifications.title
RETURNING id, sent, created_at, read_at`
	out := n.Clone()
	var id int64
	if err := s.pool.QueryRow(ctx, q, n.UserID, n.MessageID, n.Title, n.Body).
		Scan(&id, &out.Sent, &out.CreatedAt, &out.ReadAt); err != nil {
		return nil, pgErr("insert notification", err)
	}
	out.ID = strconv.FormatInt(id, 10)
	return out, nil
}

func (s *Postgres) MarkSent(ctx context.Context, id string) error {
	nid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return errs.ErrInvalidArgument.WrapMsg("bad notification id", "id", id)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE notifications SET sent = TRUE WHERE id = $1`, nid)
	if err != nil {
		return pgErr("mark sent", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound.WrapMsg("notification not found", "id", id)
	}
	return nil
}

func (s *Postgres) MarkRead(ctx context.Context, userID string, ids []string, at time.Time) ([]string, error) {
	nids := make([]int64, 0, len(ids))
	for _, id := range ids {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, errs.ErrInvalidArgument.WrapMsg("bad notification id", "id", id)
		}
		nids = append(nids, n)
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE notifications SET read_at = $3
		 WHERE user_id = $1 AND id = ANY($2) AND read_at IS NULL
		 RETURNING id`, userID, nids, at)
	if err != nil {
		return nil, pgErr("mark read", err)
	}
	changed, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var id int64
		err := row.Scan(&id)
		return strconv.FormatInt(id, 10), err
	})
	if err != nil {
		return nil, pgErr("mark read scan", err)
	}
	return changed, nil
}

func (s *Postgres) Unread(ctx context.Context, userID string, limit int) ([]*model.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, message_id, title, body, sent, created_at
		 FROM notifications WHERE user_id = $1 AND read_at IS NULL
		 ORDER BY id DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, pgErr("unread", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.Notification, error) {
		var (
			n  model.Notification
			id int64
		)
		err := row.Scan(&id, &n.UserID, &n.MessageID, &n.Title, &n.Body, &n.Sent, &n.CreatedAt)
		n.ID = strconv.FormatInt(id, 10)
		return &n, err
	})
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, pgErr("unread scan", err)
	}
	return out, nil
}
