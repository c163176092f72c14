// Package checkpoint implements the checkpoint coordinator (C13): the
// concrete implementation of the external "Checkpoint coordinator"
// collaborator spec.md §6 describes. It quiesces a pool.Pool, collects
// a digest of every SELECTED session's view, compares digests across
// sessions sharing a mailbox, and persists one ledger row per session
// to Postgres.
package checkpoint

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/migadu/imaptest/client"
	"github.com/migadu/imaptest/mailbox"
	"github.com/migadu/imaptest/metrics"
	"lukechampine.com/blake3"
)

// Pool is the subset of pool.Pool a Coordinator drives. Its own
// package can't import pool directly (pool would need to import
// checkpoint back for the cluster-broadcast wiring in C14), so it is
// expressed as an interface here instead.
type Pool interface {
	Len() int
	SessionAt(idx int) (*client.Session, bool)
	Quiesce() (resume func())
}

// SessionDigest is one session's contribution to a checkpoint: the
// ledger row shape from SPEC_FULL.md §3 (NEW).
type SessionDigest struct {
	GlobalID int
	Username string
	Mailbox  string
	Digest   string
	Outcome  string // "ok" or "negative"
}

// Result is the outcome of one Run: every SELECTED session's digest,
// plus how many mailboxes had at least one session disagreeing with
// its peers.
type Result struct {
	RunID         uuid.UUID
	CheckpointSeq int64
	StartedAt     time.Time
	FinishedAt    time.Time
	Sessions      []SessionDigest
	NegativeCount int
}

// Coordinator owns the Postgres connection the ledger is persisted
// through.
type Coordinator struct {
	pool *pgxpool.Pool
	seq  int64

	// Metrics is nil unless `[metrics]` is configured; set directly on
	// the Coordinator after New.
	Metrics *metrics.Metrics
}

// New connects to Postgres, applies the embedded ledger schema
// migrations, and returns a ready Coordinator.
func New(ctx context.Context, connString string) (*Coordinator, error) {
	if err := runMigrations(connString); err != nil {
		return nil, err
	}

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: parsing connection string: %w", err)
	}
	config.ConnConfig.Tracer = queryTracer{}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint: connecting: %w", err)
	}

	return &Coordinator{pool: pool}, nil
}

// Close releases the Postgres connection pool.
func (c *Coordinator) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

// Run quiesces p, digests every SELECTED session's view, compares
// digests across sessions on the same mailbox, persists the ledger,
// and resumes the pool before returning. A digest mismatch within a
// mailbox is a K2 state error (spec.md §7): logged, the run still
// completes and the pool is still resumed, nothing is torn down.
func (c *Coordinator) Run(ctx context.Context, p Pool) (*Result, error) {
	result := buildResult(c.nextSeq(), p)
	c.recordMetrics(result)

	if err := c.persist(ctx, result); err != nil {
		return result, err
	}
	return result, nil
}

func (c *Coordinator) recordMetrics(result *Result) {
	outcomes := make([]metrics.CheckpointOutcome, len(result.Sessions))
	for i, s := range result.Sessions {
		if s.Outcome == "negative" {
			outcomes[i] = metrics.CheckpointNegative
		} else {
			outcomes[i] = metrics.CheckpointOK
		}
	}
	c.Metrics.CheckpointCompleted(result.CheckpointSeq, outcomes)
}

// nextSeq increments and returns the coordinator's checkpoint counter.
func (c *Coordinator) nextSeq() int64 {
	c.seq++
	return c.seq
}

// buildResult runs the quiesce/digest/compare portion of a checkpoint
// without touching Postgres, so it's exercised directly by tests that
// have no database to persist to.
func buildResult(seq int64, p Pool) *Result {
	started := time.Now()

	resume := p.Quiesce()
	digests := collectDigests(p)
	resume()

	negatives := compareDigests(digests)

	result := &Result{
		RunID:         uuid.New(),
		CheckpointSeq: seq,
		StartedAt:     started,
		FinishedAt:    time.Now(),
		Sessions:      digests,
		NegativeCount: negatives,
	}

	if negatives > 0 {
		log.Printf("checkpoint: run %s: %d session(s) disagree with their mailbox peers", result.RunID, negatives)
	}
	return result
}

// collectDigests walks every pool slot while the dispatcher is
// quiesced — the only time SessionAt's result is safe to read without
// racing dispatchLoop's mutation of the same View.
func collectDigests(p Pool) []SessionDigest {
	var out []SessionDigest
	for idx := 0; idx < p.Len(); idx++ {
		sess, ok := p.SessionAt(idx)
		if !ok || sess.LoginState != client.StateSelected || sess.View == nil || sess.Storage == nil {
			continue
		}
		out = append(out, SessionDigest{
			GlobalID: sess.GlobalID,
			Username: sess.Username,
			Mailbox:  sess.MailboxName,
			Digest:   digestView(sess),
			Outcome:  "ok",
		})
	}
	return out
}

// digestView hashes the same serialized projection the offline cache
// store persists (mailbox.Snapshot), so two sessions that would save
// byte-identical offline cache blobs for the same mailbox also compare
// equal here.
func digestView(sess *client.Session) string {
	snap := sess.View.Snapshot(sess.Storage.UIDValidity)
	blob, err := mailbox.EncodeSnapshot(snap)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// compareDigests groups by mailbox and marks every session in a group
// whose digest doesn't match the group's majority digest as negative,
// returning how many sessions were marked. A mailbox with only one
// SELECTED session trivially agrees with itself.
func compareDigests(digests []SessionDigest) int {
	byMailbox := make(map[string][]int) // mailbox -> indices into digests
	for i, d := range digests {
		byMailbox[d.Mailbox] = append(byMailbox[d.Mailbox], i)
	}

	negatives := 0
	for _, idxs := range byMailbox {
		counts := make(map[string]int)
		for _, i := range idxs {
			counts[digests[i].Digest]++
		}
		majority := ""
		best := -1
		for digest, n := range counts {
			if n > best {
				majority, best = digest, n
			}
		}
		for _, i := range idxs {
			if digests[i].Digest != majority {
				digests[i].Outcome = "negative"
				negatives++
			}
		}
	}
	return negatives
}

// persist writes one checkpoint_runs row and one checkpoint_sessions
// row per digested session, all in a single transaction so a run's
// ledger entry never appears partially written.
func (c *Coordinator) persist(ctx context.Context, result *Result) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("checkpoint: beginning ledger transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO checkpoint_runs (run_id, checkpoint_seq, started_at, finished_at, session_count, negative_count)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		result.RunID, result.CheckpointSeq, result.StartedAt, result.FinishedAt, len(result.Sessions), result.NegativeCount)
	if err != nil {
		return fmt.Errorf("checkpoint: inserting run row: %w", err)
	}

	for _, d := range result.Sessions {
		_, err = tx.Exec(ctx,
			`INSERT INTO checkpoint_sessions (run_id, global_id, username, mailbox, digest, outcome)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			result.RunID, d.GlobalID, d.Username, d.Mailbox, d.Digest, d.Outcome)
		if err != nil {
			return fmt.Errorf("checkpoint: inserting session row for global_id %d: %w", d.GlobalID, err)
		}
	}

	return tx.Commit(ctx)
}
