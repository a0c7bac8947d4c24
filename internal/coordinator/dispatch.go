package coordinator

import (
	"context"
	"fmt"

	"github.com/kinkys/narrativecore/internal/envelope"
	"github.com/kinkys/narrativecore/internal/eventbus"
)

// Wrap adapts an eventbus.Handler so every invocation for the same
// user_id runs strictly in order on that user's mailbox, and the run
// is journaled so a crash mid-handler is visible on restart via
// Journal.Incomplete. Handlers for different users still run fully
// concurrently.
func (c *Coordinator) Wrap(kind string, journal *Journal, handler eventbus.Handler) eventbus.Handler {
	return func(ctx context.Context, env *envelope.Envelope) error {
		if env.UserID == "" {
			return handler(ctx, env)
		}

		errCh := make(chan error, 1)
		c.Submit(ctx, Job{
			UserID: env.UserID,
			Seq:    env.Timestamp.UnixNano(),
			Run: func(jobCtx context.Context) error {
				runID, jerr := journal.Start(jobCtx, env.UserID, kind)
				if jerr != nil {
					err := fmt.Errorf("journal start: %w", jerr)
					errCh <- err
					return err
				}
				err := handler(jobCtx, env)
				status := StatusCompleted
				if err != nil {
					status = StatusFailed
				}
				_ = journal.Finish(jobCtx, runID, status)
				errCh <- err
				return err
			},
		})

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
