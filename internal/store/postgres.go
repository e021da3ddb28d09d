package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go-meetup/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes we react to.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

type Postgres struct {
	db      *sql.DB
	retries int
}

func NewPostgres(db *sql.DB, retries int) *Postgres {
	if retries < 0 {
		retries = 0
	}
	return &Postgres{db: db, retries: retries}
}

func (p *Postgres) CreateGroup(ctx context.Context, g *domain.Group) error {
	query := `INSERT INTO groups (creator_id, name, max_members, public)
		VALUES ($1, $2, $3, $4) RETURNING id, created_at`
	return p.db.QueryRowContext(ctx, query, g.CreatorID, g.Name, g.MaxMembers, g.Public).
		Scan(&g.ID, &g.CreatedAt)
}

func (p *Postgres) Group(ctx context.Context, id int64) (*domain.Group, error) {
	return scanGroup(p.db.QueryRowContext(ctx,
		`SELECT id, creator_id, name, max_members, public, created_at FROM groups WHERE id = $1`, id))
}

func (p *Postgres) Participant(ctx context.Context, groupID, userID int64) (*domain.Participant, error) {
	return scanParticipant(p.db.QueryRowContext(ctx,
		`SELECT user_id, group_id, status, message, joined_at
		 FROM participants WHERE group_id = $1 AND user_id = $2`, groupID, userID))
}

func (p *Postgres) Participants(ctx context.Context, groupID int64, status domain.Status) ([]domain.Participant, error) {
	query := `SELECT user_id, group_id, status, message, joined_at
		FROM participants
		WHERE group_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY joined_at, user_id`
	rows, err := p.db.QueryContext(ctx, query, groupID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Participant
	for rows.Next() {
		var pt domain.Participant
		if err := rows.Scan(&pt.UserID, &pt.GroupID, &pt.Status, &pt.Message, &pt.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func (p *Postgres) Messages(ctx context.Context, groupID, afterID int64, limit int) ([]domain.Message, error) {
	query := `SELECT id, group_id, sender_id, content, created_at
		FROM messages
		WHERE group_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3`
	rows, err := p.db.QueryContext(ctx, query, groupID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.GroupID, &m.SenderID, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (p *Postgres) Notifications(ctx context.Context, userID int64, unreadOnly bool, limit int) ([]domain.Notification, error) {
	query := `SELECT id, recipient_id, type, group_id, payload, is_read, created_at
		FROM notifications
		WHERE recipient_id = $1 AND (NOT $2 OR NOT is_read)
		ORDER BY id DESC
		LIMIT $3`
	rows, err := p.db.QueryContext(ctx, query, userID, unreadOnly, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var payload []byte
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Type, &n.GroupID, &payload, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Payload = payload
		out = append(out, n)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkNotificationRead(ctx context.Context, userID, notificationID int64) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE id = $1 AND recipient_id = $2`,
		notificationID, userID)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (p *Postgres) WithGroup(ctx context.Context, groupID int64, fn func(tx Tx) error) error {
	return retryTx(ctx, p.retries, txBackoff, func() error {
		return p.withGroupOnce(ctx, groupID, fn)
	})
}

// txBackoff is the pause before retry n (1-based): 10ms, 20ms, 40ms...
func txBackoff(n int) time.Duration {
	return time.Duration(1<<(n-1)) * 10 * time.Millisecond
}

// retryTx runs attempt once plus up to retries more times while it fails
// with a serialization failure or deadlock, then gives up with
// ErrContention. Any other error is mapped and returned at once.
func retryTx(ctx context.Context, retries int, backoff func(n int) time.Duration, attempt func() error) error {
	for n := 0; n <= retries; n++ {
		if n > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff(n)):
			}
		}
		err := attempt()
		if !isRetryable(err) {
			return mapError(err)
		}
	}
	return ErrContention
}

func (p *Postgres) withGroupOnce(ctx context.Context, groupID int64, fn func(tx Tx) error) (err error) {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	// Row lock serializes every capacity-touching transaction on this group.
	g, err := scanGroup(sqlTx.QueryRowContext(ctx,
		`SELECT id, creator_id, name, max_members, public, created_at FROM groups WHERE id = $1 FOR UPDATE`,
		groupID))
	if err != nil {
		return err
	}

	if err = fn(&pgTx{tx: sqlTx, group: g}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type pgTx struct {
	tx    *sql.Tx
	group *domain.Group
}

func (t *pgTx) Group() *domain.Group { return t.group }

func (t *pgTx) Participant(ctx context.Context, userID int64) (*domain.Participant, error) {
	return scanParticipant(t.tx.QueryRowContext(ctx,
		`SELECT user_id, group_id, status, message, joined_at
		 FROM participants WHERE group_id = $1 AND user_id = $2`, t.group.ID, userID))
}

func (t *pgTx) CountApproved(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM participants WHERE group_id = $1 AND status = $2`,
		t.group.ID, domain.StatusApproved).Scan(&n)
	return n, err
}

func (t *pgTx) Members(ctx context.Context) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT user_id FROM participants WHERE group_id = $1 AND status = $2 ORDER BY user_id`,
		t.group.ID, domain.StatusApproved)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := []int64{t.group.CreatorID}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

func (t *pgTx) InsertParticipant(ctx context.Context, p *domain.Participant) error {
	query := `INSERT INTO participants (group_id, user_id, status, message)
		VALUES ($1, $2, $3, $4) RETURNING joined_at`
	p.GroupID = t.group.ID
	return mapError(t.tx.QueryRowContext(ctx, query, p.GroupID, p.UserID, p.Status, p.Message).Scan(&p.JoinedAt))
}

func (t *pgTx) UpdateStatus(ctx context.Context, userID int64, from, to domain.Status) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE participants SET status = $1 WHERE group_id = $2 AND user_id = $3 AND status = $4`,
		to, t.group.ID, userID, from)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (t *pgTx) DeleteParticipant(ctx context.Context, userID int64, status domain.Status) error {
	res, err := t.tx.ExecContext(ctx,
		`DELETE FROM participants WHERE group_id = $1 AND user_id = $2 AND status = $3`,
		t.group.ID, userID, status)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (t *pgTx) InsertMessage(ctx context.Context, m *domain.Message) error {
	query := `INSERT INTO messages (group_id, sender_id, content)
		VALUES ($1, $2, $3) RETURNING id, created_at`
	m.GroupID = t.group.ID
	return t.tx.QueryRowContext(ctx, query, m.GroupID, m.SenderID, m.Content).Scan(&m.ID, &m.CreatedAt)
}

func (t *pgTx) InsertNotification(ctx context.Context, n *domain.Notification) error {
	query := `INSERT INTO notifications (recipient_id, type, group_id, payload)
		VALUES ($1, $2, $3, $4) RETURNING id, created_at`
	payload := []byte(n.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return t.tx.QueryRowContext(ctx, query, n.RecipientID, n.Type, n.GroupID, payload).Scan(&n.ID, &n.CreatedAt)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (*domain.Group, error) {
	g := &domain.Group{}
	err := row.Scan(&g.ID, &g.CreatorID, &g.Name, &g.MaxMembers, &g.Public, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

func scanParticipant(row rowScanner) (*domain.Participant, error) {
	p := &domain.Participant{}
	err := row.Scan(&p.UserID, &p.GroupID, &p.Status, &p.Message, &p.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return false
}

func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return ErrDuplicate
	}
	return err
}
