package journal

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/clinic-ops/patientflow/internal/shared/errors"
)

// PostgresSink stores entries in journal.entries. The table rejects
// updates and deletes.
type PostgresSink struct {
	pool *pgxpool.Pool

	mu       sync.Mutex
	lastHash string
	sequence int64
}

// NewPostgresSink creates a sink on an open pool.
func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

func (p *PostgresSink) Name() string { return "postgres" }

// Initialize loads the last hash from the database.
func (p *PostgresSink) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var hash string
	var seq int64
	err := p.pool.QueryRow(ctx, `
		SELECT hash, sequence FROM journal.entries
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&hash, &seq)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return apperrors.Wrap(err, "failed to get last journal hash")
	}

	p.lastHash = hash
	p.sequence = seq
	return nil
}

// Append inserts entry. The sequence is assigned locally and must agree
// with the table's; a concurrent writer on the same table breaks the chain.
func (p *PostgresSink) Append(ctx context.Context, entry *Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	chain(entry, p.lastHash, p.sequence+1)

	_, err := p.pool.Exec(ctx, `
		INSERT INTO journal.entries (
			sequence, id, at, hash, prev_hash,
			op, stage, target, queue_id, appointment_id, registration_id,
			reason, actor, result, code, error, correlation_id
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)`,
		entry.Sequence, entry.ID, entry.Timestamp, entry.Hash, nullable(entry.PrevHash),
		entry.Op, nullable(entry.Stage), nullable(entry.Target), nullable(entry.QueueID),
		nullable(entry.AppointmentID), nullable(entry.RegistrationID),
		nullable(entry.Reason), nullable(entry.Actor), entry.Result,
		nullable(entry.Code), nullable(entry.Error), nullable(entry.CorrelationID),
	)
	if err != nil {
		return apperrors.Wrap(err, "failed to insert journal entry")
	}

	p.sequence = entry.Sequence
	p.lastHash = entry.Hash
	return nil
}

const selectEntry = `
	SELECT sequence, id::text, at, hash, COALESCE(prev_hash, ''),
		op, COALESCE(stage, ''), COALESCE(target, ''), COALESCE(queue_id, ''),
		COALESCE(appointment_id, ''), COALESCE(registration_id, ''),
		COALESCE(reason, ''), COALESCE(actor, ''), result,
		COALESCE(code, ''), COALESCE(error, ''), COALESCE(correlation_id, '')
	FROM journal.entries`

func (p *PostgresSink) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	var (
		conds []string
		args  []any
	)
	if filter.RegistrationID != "" {
		args = append(args, filter.RegistrationID)
		conds = append(conds, "registration_id = $1")
	}
	if filter.Op != "" {
		args = append(args, filter.Op)
		conds = append(conds, "op = $"+strconv.Itoa(len(args)))
	}

	query := selectEntry
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, filter.limit())
	query += " ORDER BY sequence DESC LIMIT $" + strconv.Itoa(len(args))

	return p.query(ctx, query, args...)
}

func (p *PostgresSink) Verify(ctx context.Context) (*VerifyResult, error) {
	entries, err := p.query(ctx, selectEntry+" ORDER BY sequence ASC")
	if err != nil {
		return nil, err
	}
	return verifyEntries(entries), nil
}

func (p *PostgresSink) query(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to query journal")
	}
	defer rows.Close()

	entries := []*Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.Sequence, &e.ID, &e.Timestamp, &e.Hash, &e.PrevHash,
			&e.Op, &e.Stage, &e.Target, &e.QueueID,
			&e.AppointmentID, &e.RegistrationID,
			&e.Reason, &e.Actor, &e.Result,
			&e.Code, &e.Error, &e.CorrelationID,
		); err != nil {
			return nil, apperrors.Wrap(err, "failed to scan journal entry")
		}
		e.Timestamp = e.Timestamp.UTC()
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "failed to read journal rows")
	}
	return entries, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
