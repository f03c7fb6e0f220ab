// Package engine is the submission compliance core: it records classified
// submissions from chat events and reconciles the roster against the ledger.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"rollcall/internal/config"
	"rollcall/internal/domain"
	"rollcall/internal/events"
	"rollcall/internal/repo"
	"rollcall/internal/tag"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Tags   *tag.Parser
	Now    func() time.Time

	snapMu sync.RWMutex
	snap   snapshot

	// lockMu guards locks; each entry serializes check-then-append for one
	// (day, topic, participant) triple.
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

type snapshot struct {
	policies map[string]domain.TopicPolicy
	order    []string
	roster   []domain.Participant
}

func New(db *sql.DB, cfg *config.Config) (*Engine, error) {
	parser, err := tag.NewParser(cfg.Alphabet())
	if err != nil {
		return nil, err
	}
	return &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Tags:   parser,
		Now:    time.Now,
		locks:  map[string]*sync.Mutex{},
	}, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Reload replaces the in-memory policy and roster snapshot from the store.
// The snapshot is immutable between reloads and shared across tasks.
func (e *Engine) Reload(ctx context.Context) error {
	policies, err := e.Repo.ListPolicies(ctx)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}
	roster, err := e.Repo.ListParticipants(ctx)
	if err != nil {
		return fmt.Errorf("load roster: %w", err)
	}
	next := snapshot{policies: make(map[string]domain.TopicPolicy, len(policies)), roster: roster}
	for _, p := range policies {
		next.policies[p.Topic] = p
		next.order = append(next.order, p.Topic)
	}
	e.snapMu.Lock()
	e.snap = next
	e.snapMu.Unlock()
	return nil
}

// Policies returns the snapshot's policies in import order.
func (e *Engine) Policies() []domain.TopicPolicy {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	res := make([]domain.TopicPolicy, 0, len(e.snap.order))
	for _, topic := range e.snap.order {
		res = append(res, e.snap.policies[topic])
	}
	return res
}

// Roster returns the snapshot's participant roster in order.
func (e *Engine) Roster() []domain.Participant {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snap.roster
}

func (e *Engine) policy(topic string) (domain.TopicPolicy, bool) {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	p, ok := e.snap.policies[topic]
	return p, ok
}

// tripleLock returns the mutex serializing one (day, topic, participant).
func (e *Engine) tripleLock(day, topic, participant string) *sync.Mutex {
	key := day + "|" + topic + "|" + participant
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	mu, ok := e.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[key] = mu
	}
	return mu
}

type RecordResult string

const (
	ResultRecorded   RecordResult = "recorded"
	ResultSuperseded RecordResult = "superseded"
	ResultIgnored    RecordResult = "ignored"
)

type IgnoreReason string

const (
	IgnoreNotTopicScoped  IgnoreReason = "not_topic_scoped"
	IgnoreUnknownTopic    IgnoreReason = "unknown_topic"
	IgnoreBadFormat       IgnoreReason = "bad_format"
	IgnoreAlreadyRecorded IgnoreReason = "already_recorded"
)

type RecordOutcome struct {
	Result RecordResult            `json:"result"`
	Reason IgnoreReason            `json:"reason,omitempty"`
	Record domain.SubmissionRecord `json:"record,omitempty"`
}

func ignored(reason IgnoreReason) RecordOutcome {
	return RecordOutcome{Result: ResultIgnored, Reason: reason}
}

// TopicNotFoundError reports a scoped check for a topic missing from policy.
type TopicNotFoundError struct {
	Topic string
}

func (e TopicNotFoundError) Error() string {
	return fmt.Sprintf("topic %q not found in policy", e.Topic)
}

// Record classifies and stores one inbound chat event. Ignored outcomes are
// user-format conditions, not errors; the returned error is reserved for
// store failures.
func (e *Engine) Record(ctx context.Context, ev domain.ChatEvent) (RecordOutcome, error) {
	msg, ok := ev.(domain.TopicMessage)
	if !ok {
		return ignored(IgnoreNotTopicScoped), nil
	}
	policy, ok := e.policy(msg.Topic)
	if !ok || !policy.Active {
		return ignored(IgnoreUnknownTopic), nil
	}
	name, ok := e.Tags.Parse(msg.Text)
	if !ok {
		return ignored(IgnoreBadFormat), nil
	}

	now := e.now()
	day := now.Format("2006-01-02")
	deadline, err := deadlineFor(policy, now)
	if err != nil {
		return RecordOutcome{}, err
	}
	status := domain.StatusOnTime
	if msg.Timestamp.After(deadline) {
		status = domain.StatusLate
	}
	rec := domain.SubmissionRecord{
		ID:          uuid.New().String(),
		Day:         day,
		Topic:       msg.Topic,
		Participant: name,
		Status:      status,
		EventTime:   msg.Timestamp.Format("15:04"),
		Link:        messageLink(msg.ChatID, msg.MessageID),
		CreatedAt:   now.UTC().Format(time.RFC3339),
	}

	mu := e.tripleLock(day, msg.Topic, name)
	mu.Lock()
	defer mu.Unlock()

	existing, err := e.Repo.GetSubmission(ctx, day, msg.Topic, name)
	switch {
	case err == nil && existing.Status == domain.StatusAbsent:
		// A sweep already marked the participant absent; the genuine
		// submission supersedes it instead of being dropped.
		return e.supersede(ctx, rec)
	case err == nil:
		return ignored(IgnoreAlreadyRecorded), nil
	case !errors.Is(err, repo.ErrNotFound):
		return RecordOutcome{}, err
	}
	return e.insert(ctx, rec)
}

func (e *Engine) insert(ctx context.Context, rec domain.SubmissionRecord) (RecordOutcome, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return RecordOutcome{}, err
	}
	defer tx.Rollback()
	inserted, err := e.Repo.InsertSubmission(ctx, tx, rec)
	if err != nil {
		return RecordOutcome{}, err
	}
	if !inserted {
		// Lost a cross-process race; the store's conditional write held the
		// one-record invariant.
		return ignored(IgnoreAlreadyRecorded), nil
	}
	if err := e.Events.Append(ctx, tx, "submission.recorded", rec.Topic, rec.Participant, events.EventPayload{
		"status": rec.Status,
		"time":   rec.EventTime,
	}); err != nil {
		return RecordOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return RecordOutcome{}, err
	}
	return RecordOutcome{Result: ResultRecorded, Record: rec}, nil
}

func (e *Engine) supersede(ctx context.Context, rec domain.SubmissionRecord) (RecordOutcome, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return RecordOutcome{}, err
	}
	defer tx.Rollback()
	updated, err := e.Repo.SupersedeAbsent(ctx, tx, rec)
	if err != nil {
		return RecordOutcome{}, err
	}
	if !updated {
		return ignored(IgnoreAlreadyRecorded), nil
	}
	if err := e.Events.Append(ctx, tx, "submission.superseded", rec.Topic, rec.Participant, events.EventPayload{
		"status": rec.Status,
		"time":   rec.EventTime,
	}); err != nil {
		return RecordOutcome{}, err
	}
	if err := tx.Commit(); err != nil {
		return RecordOutcome{}, err
	}
	return RecordOutcome{Result: ResultSuperseded, Record: rec}, nil
}

// Sweep reconciles the roster against today's ledger for every active topic,
// or for the single named topic. Absent records are written idempotently;
// the result reflects the currently-missing state either way.
func (e *Engine) Sweep(ctx context.Context, topic string) ([]domain.SweepResult, error) {
	var policies []domain.TopicPolicy
	if topic != "" {
		p, ok := e.policy(topic)
		if !ok || !p.Active {
			return nil, TopicNotFoundError{Topic: topic}
		}
		policies = []domain.TopicPolicy{p}
	} else {
		for _, p := range e.Policies() {
			if p.Active {
				policies = append(policies, p)
			}
		}
	}

	now := e.now()
	day := now.Format("2006-01-02")
	roster := e.Roster()
	var results []domain.SweepResult
	for _, p := range policies {
		missing, err := e.sweepTopic(ctx, day, p, roster)
		if err != nil {
			return nil, fmt.Errorf("sweep %s: %w", p.Topic, err)
		}
		results = append(results, domain.SweepResult{Topic: p.Topic, Deadline: p.Deadline, Missing: missing})
	}
	if err := e.logSweep(ctx, topic, results); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Engine) sweepTopic(ctx context.Context, day string, p domain.TopicPolicy, roster []domain.Participant) ([]string, error) {
	records, err := e.Repo.RecordsByDayTopic(ctx, day, p.Topic)
	if err != nil {
		return nil, err
	}
	submitted := make(map[string]bool, len(records))
	for _, rec := range records {
		submitted[rec.Participant] = true
	}
	var missing []string
	for _, member := range roster {
		if submitted[member.Name] {
			continue
		}
		missing = append(missing, member.Name)
		if err := e.markAbsent(ctx, day, p.Topic, member.Name); err != nil {
			return nil, err
		}
	}
	return missing, nil
}

func (e *Engine) markAbsent(ctx context.Context, day, topic, name string) error {
	mu := e.tripleLock(day, topic, name)
	mu.Lock()
	defer mu.Unlock()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	rec := domain.SubmissionRecord{
		ID:          uuid.New().String(),
		Day:         day,
		Topic:       topic,
		Participant: name,
		Status:      domain.StatusAbsent,
		EventTime:   domain.AbsentTime,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	inserted, err := e.Repo.InsertSubmission(ctx, tx, rec)
	if err != nil {
		return err
	}
	if !inserted {
		// Already marked by an earlier sweep, or a submission landed between
		// the read and this write. Either way nothing to do.
		return nil
	}
	if err := e.Events.Append(ctx, tx, "submission.absent", topic, name, nil); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) logSweep(ctx context.Context, topic string, results []domain.SweepResult) error {
	totalMissing := 0
	for _, r := range results {
		totalMissing += len(r.Missing)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "sweep.completed", topic, "", events.EventPayload{
		"topics":  len(results),
		"missing": totalMissing,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ImportPolicies replaces the stored policy set and refreshes the snapshot.
func (e *Engine) ImportPolicies(ctx context.Context, policies []domain.TopicPolicy) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.ReplacePolicies(ctx, tx, policies); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "policy.imported", "", "", events.EventPayload{"count": len(policies)}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return e.Reload(ctx)
}

// ImportRoster replaces the stored roster and refreshes the snapshot.
func (e *Engine) ImportRoster(ctx context.Context, names []string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.ReplaceRoster(ctx, tx, names); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "roster.imported", "", "", events.EventPayload{"count": len(names)}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return e.Reload(ctx)
}

func deadlineFor(p domain.TopicPolicy, day time.Time) (time.Time, error) {
	t, err := time.Parse("15:04", p.Deadline)
	if err != nil {
		return time.Time{}, fmt.Errorf("policy %s: unparsable deadline %q", p.Topic, p.Deadline)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, day.Location()), nil
}

// messageLink builds a t.me link for public-supergroup chat ids; cosmetic only.
func messageLink(chatID string, messageID int64) string {
	if !strings.HasPrefix(chatID, "-100") {
		return ""
	}
	return fmt.Sprintf("https://t.me/c/%s/%d", chatID[4:], messageID)
}
