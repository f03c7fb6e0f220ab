package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"rollcall/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ListPolicies returns all topic policies in import order.
func (r Repo) ListPolicies(ctx context.Context) ([]domain.TopicPolicy, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT topic,deadline,active,chat_id FROM topic_policies ORDER BY position ASC, topic ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TopicPolicy
	for rows.Next() {
		var p domain.TopicPolicy
		var active int
		if err := rows.Scan(&p.Topic, &p.Deadline, &active, &p.ChatID); err != nil {
			return nil, err
		}
		p.Active = active != 0
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListParticipants returns the roster in its stored order.
func (r Repo) ListParticipants(ctx context.Context) ([]domain.Participant, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name,position FROM participants ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.Name, &p.Position); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ReplacePolicies swaps the full policy set inside one transaction.
func (r Repo) ReplacePolicies(ctx context.Context, tx *sql.Tx, policies []domain.TopicPolicy) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM topic_policies`); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for i, p := range policies {
		active := 0
		if p.Active {
			active = 1
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO topic_policies(topic,deadline,active,chat_id,position,imported_at) VALUES (?,?,?,?,?,?)`,
			p.Topic, p.Deadline, active, p.ChatID, i, now); err != nil {
			return fmt.Errorf("insert policy %s: %w", p.Topic, err)
		}
	}
	return nil
}

// ReplaceRoster swaps the full participant roster inside one transaction.
func (r Repo) ReplaceRoster(ctx context.Context, tx *sql.Tx, names []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM participants`); err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for i, name := range names {
		if _, err := tx.ExecContext(ctx, `INSERT INTO participants(name,position,imported_at) VALUES (?,?,?)`,
			name, i, now); err != nil {
			return fmt.Errorf("insert participant %s: %w", name, err)
		}
	}
	return nil
}

func scanSubmission(rows interface{ Scan(...any) error }) (domain.SubmissionRecord, error) {
	var rec domain.SubmissionRecord
	err := rows.Scan(&rec.Day, &rec.Topic, &rec.Participant, &rec.ID, &rec.Status, &rec.EventTime, &rec.Link, &rec.CreatedAt)
	return rec, err
}

const submissionCols = `day,topic,participant,id,status,event_time,link,created_at`

// RecordsByDayTopic returns every submission record for one day and topic.
func (r Repo) RecordsByDayTopic(ctx context.Context, day, topic string) ([]domain.SubmissionRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+submissionCols+` FROM submissions WHERE day=? AND topic=? ORDER BY created_at ASC`, day, topic)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SubmissionRecord
	for rows.Next() {
		rec, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// RecordsByDay returns every submission record for one day across topics.
func (r Repo) RecordsByDay(ctx context.Context, day string) ([]domain.SubmissionRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+submissionCols+` FROM submissions WHERE day=? ORDER BY topic ASC, created_at ASC`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SubmissionRecord
	for rows.Next() {
		rec, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// GetSubmission fetches the record for a triple, ErrNotFound when absent.
func (r Repo) GetSubmission(ctx context.Context, day, topic, participant string) (domain.SubmissionRecord, error) {
	rec, err := scanSubmission(r.DB.QueryRowContext(ctx,
		`SELECT `+submissionCols+` FROM submissions WHERE day=? AND topic=? AND participant=?`, day, topic, participant))
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

// InsertSubmission is the conditional write keyed on (day, topic,
// participant): when a record for the triple already exists nothing is
// written and inserted is false.
func (r Repo) InsertSubmission(ctx context.Context, tx *sql.Tx, rec domain.SubmissionRecord) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO submissions(day,topic,participant,id,status,event_time,link,created_at)
VALUES (?,?,?,?,?,?,?,?) ON CONFLICT(day,topic,participant) DO NOTHING`,
		rec.Day, rec.Topic, rec.Participant, rec.ID, rec.Status, rec.EventTime, rec.Link, rec.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SupersedeAbsent upgrades an absent record to a genuine submission. The
// status guard makes it a no-op when the existing record is on_time or late.
func (r Repo) SupersedeAbsent(ctx context.Context, tx *sql.Tx, rec domain.SubmissionRecord) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE submissions SET status=?, event_time=?, link=?
WHERE day=? AND topic=? AND participant=? AND status=?`,
		rec.Status, rec.EventTime, rec.Link, rec.Day, rec.Topic, rec.Participant, domain.StatusAbsent)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LatestEvents returns audit events, newest first, optionally filtered by type.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(topic,''),COALESCE(participant,''),payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Topic, &e.Participant, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
