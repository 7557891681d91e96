package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"example.com/systrack/internal/queue"
	"example.com/systrack/internal/store"
)

const (
	// QueueName is the durable queue carrying sync jobs.
	QueueName = "host-sync"
	// JobName identifies a usage sync job.
	JobName = "sync-usage"
)

// JobPayload is the sync job body produced by the scheduler. Field names
// match the wire contract consumed by the job inspection API.
type JobPayload struct {
	TargetID    int64  `json:"targetId"`
	TargetName  string `json:"targetName"`
	TargetKind  int    `json:"targetKind"`
	EndpointURL string `json:"endpointUrl"`
	Credential  string `json:"credential"`
}

// Worker executes sync jobs: re-validate the target, fetch remote usage
// history, and persist only previously unseen records.
type Worker struct {
	store  *store.Store
	client *Client
	logger *slog.Logger
}

// NewWorker wires the sync worker's collaborators.
func NewWorker(st *store.Store, client *Client, logger *slog.Logger) *Worker {
	return &Worker{
		store:  st,
		client: client,
		logger: logger.With("component", "syncer"),
	}
}

// Handle processes one sync job. Eligibility problems drop the job without
// retry (the job payload may have outlived the target's configuration);
// remote failures return an error so the queue's backoff policy applies.
func (w *Worker) Handle(ctx context.Context, job *queue.JobContext) error {
	var payload JobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode sync payload: %w", err)
	}
	logger := w.logger.With("job_id", job.ID, "target_id", payload.TargetID)

	target, err := w.store.GetTarget(ctx, payload.TargetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Info("target no longer exists, dropping sync job")
			return nil
		}
		return fmt.Errorf("load target %d: %w", payload.TargetID, err)
	}
	if !target.SyncEligible() {
		logger.Info("target no longer sync-eligible, dropping sync job",
			"kind", target.Kind.String(), "active", target.Active, "deleted", target.DeletedAt != nil)
		return nil
	}

	remote, err := w.client.FetchUsageHistory(ctx, target.EndpointURL, target.APIKey)
	if err != nil {
		return fmt.Errorf("target %d: %w", target.ID, err)
	}
	if err := job.SetProgress(ctx, 50); err != nil {
		logger.Warn("report progress failed", "error", err)
	}

	inserted, seen, err := w.persistUnseen(ctx, target.ID, remote)
	if err != nil {
		return fmt.Errorf("persist usage for target %d: %w", target.ID, err)
	}
	if err := job.SetProgress(ctx, 100); err != nil {
		logger.Warn("report progress failed", "error", err)
	}

	logger.Info("sync completed", "fetched", len(remote), "already_seen", seen, "inserted", inserted)
	return nil
}

// persistUnseen filters the remote records down to external ids not yet
// stored for the target (single batched lookup) and inserts the remainder in
// one batch. An empty unseen set is a normal outcome.
func (w *Worker) persistUnseen(ctx context.Context, targetID int64, remote []RemoteRecord) (inserted, seen int, err error) {
	if len(remote) == 0 {
		return 0, 0, nil
	}
	ids := make([]int64, 0, len(remote))
	for _, rec := range remote {
		ids = append(ids, rec.ID)
	}
	existing, err := w.store.ExistingExternalIDs(ctx, targetID, ids)
	if err != nil {
		return 0, 0, err
	}

	var unseen []store.UsageRecord
	for _, rec := range remote {
		if existing[rec.ID] {
			seen++
			continue
		}
		unseen = append(unseen, store.UsageRecord{
			TargetID:         targetID,
			ExternalID:       rec.ID,
			DiskUsageMB:      rec.DiskUsageMB,
			FileCount:        rec.FileCount,
			AvailableSpaceMB: rec.AvailableSpaceMB,
			AvailableInodes:  rec.AvailableInodes,
			ObservedAt:       rec.CheckedAt.UTC(),
		})
	}
	if len(unseen) == 0 {
		return 0, seen, nil
	}
	inserted, err = w.store.InsertUsageRecords(ctx, unseen)
	if err != nil {
		return 0, seen, err
	}
	return inserted, seen, nil
}

// EnqueueOptions builds the standard delivery options for a sync job: the
// caller supplies the jitter delay and the per-target-per-day uniqueness key.
func EnqueueOptions(delay time.Duration, uniqueKey string) queue.Options {
	return queue.Options{
		Delay:    delay,
		UniqueID: uniqueKey,
		Attempts: 3,
	}
}
