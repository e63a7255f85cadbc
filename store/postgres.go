package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Postgres is the default Backend. Tables come from the db package migrations.
type Postgres struct {
	DB *sql.DB
}

var _ Backend = (*Postgres)(nil)

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres { return &Postgres{DB: db} }

func (p *Postgres) scanUser(row *sql.Row) (*User, error) {
	var u User
	var handle, memberID sql.NullString
	if err := row.Scan(&u.ID, &u.Name, &handle, &memberID); err != nil {
		return nil, err
	}
	u.ChatHandle = handle.String
	u.ChatMemberID = memberID.String
	return &u, nil
}

func (p *Postgres) GetUserByChatHandle(ctx context.Context, handle string) (*User, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT id, name, chat_handle, chat_member_id FROM users WHERE chat_handle=$1 LIMIT 1`, handle)
	u, err := p.scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

func (p *Postgres) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := p.DB.QueryRowContext(ctx, `SELECT id, name, chat_handle, chat_member_id FROM users WHERE id=$1`, id)
	u, err := p.scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func (p *Postgres) SetChatMemberID(ctx context.Context, userID, memberID string) error {
	res, err := p.DB.ExecContext(ctx, `UPDATE users SET chat_member_id=$1 WHERE id=$2`, memberID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) channelRefs(ctx context.Context, groupID string) ([]string, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT channel_id FROM group_chat_channels WHERE group_id=$1 ORDER BY position`, groupID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var refs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		refs = append(refs, id)
	}
	return refs, rows.Err()
}

func (p *Postgres) GetGroup(ctx context.Context, id string) (*Group, error) {
	var g Group
	err := p.DB.QueryRowContext(ctx, `SELECT id, title FROM groups WHERE id=$1`, id).Scan(&g.ID, &g.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if g.ChatChannelRefs, err = p.channelRefs(ctx, id); err != nil {
		return nil, fmt.Errorf("load channel refs: %w", err)
	}
	return &g, nil
}

func (p *Postgres) GetGroupsByUserID(ctx context.Context, userID string) ([]Group, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT g.id, g.title FROM groups g
		JOIN group_members m ON m.group_id = g.id
		WHERE m.user_id=$1 ORDER BY m.joined_at`, userID)
	if err != nil {
		return nil, err
	}
	var groups []Group
	for rows.Next() {
		var g Group
		if err := rows.Scan(&g.ID, &g.Title); err != nil {
			_ = rows.Close()
			return nil, err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range groups {
		if groups[i].ChatChannelRefs, err = p.channelRefs(ctx, groups[i].ID); err != nil {
			return nil, fmt.Errorf("load channel refs: %w", err)
		}
	}
	return groups, nil
}

// SetChatChannelRefs replaces the refs inside one transaction so readers see
// either the old pair or the new one.
func (p *Postgres) SetChatChannelRefs(ctx context.Context, groupID string, refs []string) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM groups WHERE id=$1)`, groupID).Scan(&exists); err != nil {
		_ = tx.Rollback()
		return err
	}
	if !exists {
		_ = tx.Rollback()
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM group_chat_channels WHERE group_id=$1`, groupID); err != nil {
		_ = tx.Rollback()
		return err
	}
	for i, ref := range refs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO group_chat_channels (group_id, position, channel_id) VALUES ($1,$2,$3)`, groupID, i, ref); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

const recordColumns = `group_id, title, state, role_id, role_created, text_channel_id, voice_channel_id, attempts, last_error, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanRecord(row rowScanner) (ProvisionRecord, error) {
	var r ProvisionRecord
	var state string
	var roleID, textID, voiceID, lastErr sql.NullString
	err := row.Scan(&r.GroupID, &r.Title, &state, &roleID, &r.RoleCreated, &textID, &voiceID, &r.Attempts, &lastErr, &r.UpdatedAt)
	r.State = ProvisionState(state)
	r.RoleID, r.TextChannelID, r.VoiceChannelID, r.LastError = roleID.String, textID.String, voiceID.String, lastErr.String
	return r, err
}

func (p *Postgres) GetRecord(ctx context.Context, groupID string) (*ProvisionRecord, error) {
	r, err := scanRecord(p.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM chat_provisioning WHERE group_id=$1`, groupID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *Postgres) SaveRecord(ctx context.Context, r ProvisionRecord) error {
	_, err := p.DB.ExecContext(ctx, `INSERT INTO chat_provisioning (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
		ON CONFLICT (group_id) DO UPDATE SET
			title=EXCLUDED.title,
			state=EXCLUDED.state,
			role_id=EXCLUDED.role_id,
			role_created=EXCLUDED.role_created,
			text_channel_id=EXCLUDED.text_channel_id,
			voice_channel_id=EXCLUDED.voice_channel_id,
			attempts=EXCLUDED.attempts,
			last_error=EXCLUDED.last_error,
			updated_at=NOW()`,
		r.GroupID, r.Title, string(r.State), r.RoleID, r.RoleCreated, r.TextChannelID, r.VoiceChannelID, r.Attempts, r.LastError)
	return err
}

func (p *Postgres) ListPending(ctx context.Context) ([]ProvisionRecord, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT `+recordColumns+` FROM chat_provisioning
		WHERE state NOT IN ($1, $2) ORDER BY updated_at`, string(StateComplete), string(StateFailed))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []ProvisionRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) CountByState(ctx context.Context) (map[ProvisionState]int, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM chat_provisioning GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := map[ProvisionState]int{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[ProvisionState(state)] = n
	}
	return out, rows.Err()
}

func (p *Postgres) Ping(ctx context.Context) error { return p.DB.PingContext(ctx) }

func (p *Postgres) Close(context.Context) error { return p.DB.Close() }
