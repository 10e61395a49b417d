// Package rollover recomputes every agent's weekly working-status flag
// from their upcoming slot documents.
package rollover

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fieldserve/dblayer"

	"cloud.google.com/go/firestore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// weekIDs returns the IDs of the next 7 calendar days starting at from,
// in the store's year-month-day form.  Months and days are not
// zero-padded; existing slot documents were created with this format.
func weekIDs(from time.Time) []string {
	ids := make([]string, 0, 7)
	for t := from; len(ids) < 7; t = t.AddDate(0, 0, 1) {
		ids = append(ids, fmt.Sprintf("%d-%d-%d", t.Year(), int(t.Month()), t.Day()))
	}
	return ids
}

// anyWorking reports whether any of the fetched slot documents marks the
// agent as working.  Nil entries stand for days with no slot document.
func anyWorking(slotDays []map[string]interface{}) bool {
	for _, slotDay := range slotDays {
		if slotDay == nil {
			continue
		}
		if working, ok := slotDay["working"].(bool); ok && working {
			return true
		}
	}
	return false
}

// Rollover runs single passes over the agent collection.
type Rollover struct {
	db *dblayer.DB
}

func New(db *dblayer.DB) *Rollover {
	return &Rollover{
		db: db,
	}
}

// Pass recomputes the working flag for every agent from their upcoming
// week of slot documents.  Per-agent work fans out concurrently with an
// all-settle join; individual failures are logged and never abort
// sibling agents.
func (r *Rollover) Pass(ctx context.Context) error {
	slog.InfoContext(ctx, "Starting working-status rollover pass")

	agentSnapshots, err := r.db.Agents(ctx)
	if err != nil {
		return fmt.Errorf("while listing agents: %w", err)
	}

	dayIDs := weekIDs(time.Now())

	eg, ctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(50)

	for _, agentSnapshot := range agentSnapshots {
		agentSnapshot := agentSnapshot

		if err := sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("while acquiring concurrency limiter semaphore: %w", err)
		}

		eg.Go(func() error {
			defer sem.Release(1)

			if err := r.rollAgent(ctx, agentSnapshot, dayIDs); err != nil {
				slog.ErrorContext(ctx, "Failed to roll over agent working status", slog.String("agent", agentSnapshot.Ref.ID), slog.Any("err", err))
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("while waiting for completion of errgroup: %w", err)
	}

	slog.InfoContext(ctx, "Finished working-status rollover pass", slog.Int("agents", len(agentSnapshots)))

	return nil
}

func (r *Rollover) rollAgent(ctx context.Context, agentSnapshot *firestore.DocumentSnapshot, dayIDs []string) error {
	// Legacy agent documents hold a timestamp sentinel in the working
	// field; those must be left untouched.
	if _, isTimestamp := agentSnapshot.Data()["working"].(time.Time); isTimestamp {
		return nil
	}

	slotSnapshots, err := r.db.AgentSlotDays(ctx, agentSnapshot.Ref, dayIDs)
	if err != nil {
		return fmt.Errorf("while fetching slot days: %w", err)
	}

	slotDays := make([]map[string]interface{}, 0, len(slotSnapshots))
	for _, slotSnapshot := range slotSnapshots {
		if slotSnapshot == nil || !slotSnapshot.Exists() {
			slotDays = append(slotDays, nil)
			continue
		}
		slotDays = append(slotDays, slotSnapshot.Data())
	}

	if err := r.db.SetAgentWorking(ctx, agentSnapshot.Ref, anyWorking(slotDays)); err != nil {
		return fmt.Errorf("while writing working status: %w", err)
	}

	return nil
}
