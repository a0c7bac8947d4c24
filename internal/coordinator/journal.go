package coordinator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kinkys/narrativecore/internal/docstore"
)

// Status mirrors the teacher's CreatePlanExecution/CompletePlanExecution
// bookkeeping, generalized from plan-step execution state to arbitrary
// cross-module workflow bookkeeping so a crashed run can be resumed or
// at least diagnosed on restart.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run is one journaled workflow execution.
type Run struct {
	RunID     string          `json:"run_id"`
	UserID    string          `json:"user_id"`
	Kind      string          `json:"kind"` // e.g. "mission_reward_chain"
	Status    Status          `json:"status"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   *time.Time      `json:"ended_at,omitempty"`
}

// Journal persists Run records to workflows_journal so an interrupted
// workflow's state survives a process restart.
type Journal struct {
	docs *docstore.Store
}

func NewJournal(docs *docstore.Store) *Journal {
	return &Journal{docs: docs}
}

// Start records a new running workflow and returns its run id.
func (j *Journal) Start(ctx context.Context, userID, kind string) (string, error) {
	run := Run{
		RunID:     uuid.NewString(),
		UserID:    userID,
		Kind:      kind,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(run)
	if err != nil {
		return "", fmt.Errorf("marshal workflow run: %w", err)
	}
	err = j.docs.WithTx(ctx, func(tx *sql.Tx) error {
		return docstore.PutDocument(ctx, tx, "workflows_journal", run.RunID, body)
	})
	if err != nil {
		return "", fmt.Errorf("journal start: %w", err)
	}
	return run.RunID, nil
}

// Finish marks a run's terminal status.
func (j *Journal) Finish(ctx context.Context, runID string, status Status) error {
	return j.docs.WithTx(ctx, func(tx *sql.Tx) error {
		doc, err := docstore.GetDocumentTx(ctx, tx, "workflows_journal", runID)
		if err != nil {
			return err
		}
		var run Run
		if err := json.Unmarshal(doc.Body, &run); err != nil {
			return fmt.Errorf("unmarshal workflow run: %w", err)
		}
		now := time.Now().UTC()
		run.Status = status
		run.EndedAt = &now
		body, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("marshal workflow run: %w", err)
		}
		return docstore.UpdateDocument(ctx, tx, "workflows_journal", runID, doc.Version, body)
	})
}

// Incomplete returns runs still StatusRunning, used at startup to
// surface workflows that were interrupted by a crash.
func (j *Journal) Incomplete(ctx context.Context) ([]Run, error) {
	rows, err := j.docs.DB().QueryContext(ctx, `SELECT body FROM workflows_journal`)
	if err != nil {
		return nil, fmt.Errorf("list workflow runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan workflow run: %w", err)
		}
		var run Run
		if err := json.Unmarshal([]byte(body), &run); err != nil {
			continue
		}
		if run.Status == StatusRunning {
			out = append(out, run)
		}
	}
	return out, rows.Err()
}
