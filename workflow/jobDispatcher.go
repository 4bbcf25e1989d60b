package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/docshare_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// JobMessage is the body published to the worker topic.
type JobMessage struct {
	JobId    string                 `json:"job_id"`
	Queue    string                 `json:"queue"`
	EntityId string                 `json:"entity_id"`
	Attempt  int                    `json:"attempt"`
	Payload  map[string]interface{} `json:"payload"`
}

// JobDispatcher hands due jobs to the external worker over Pub/Sub. A job stays active until
// the worker's callback settles it; if no callback arrives within VisibilityTimeout the job
// is delivered again, so delivery is at-least-once.
type JobDispatcher struct {
	Queue        *JobQueue
	Publisher    Publisher
	QueueName    string
	Topic        string
	DispatcherID string

	BatchSize         int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration

	PruneInterval      time.Duration
	CompletedRetention time.Duration
	FailedRetention    time.Duration

	lastPrune time.Time
}

func NewJobDispatcher(queue *JobQueue, publisher Publisher, queueName, topic string) *JobDispatcher {
	s := queue.Settings
	d := &JobDispatcher{
		Queue:              queue,
		Publisher:          publisher,
		QueueName:          queueName,
		Topic:              topic,
		DispatcherID:       uuid.NewString(),
		BatchSize:          s.BatchSize,
		PollInterval:       s.PollInterval,
		VisibilityTimeout:  s.VisibilityTimeout,
		PruneInterval:      10 * time.Minute,
		CompletedRetention: s.CompletedRetention,
		FailedRetention:    s.FailedRetention,
	}
	if d.BatchSize <= 0 {
		d.BatchSize = 50
	}
	if d.PollInterval <= 0 {
		d.PollInterval = 500 * time.Millisecond
	}
	if d.VisibilityTimeout <= 0 {
		d.VisibilityTimeout = 10 * time.Minute
	}
	return d
}

func (d *JobDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger().WithFields(logrus.Fields{
				"field": "JobDispatcher",
				"queue": d.QueueName,
			}).Error("dispatch pass failed: " + err.Error())
		}
		d.maybePrune(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims one batch and publishes it. It returns the number of jobs claimed.
func (d *JobDispatcher) DispatchOnce(ctx context.Context) (int, error) {
	q := d.Queue
	if q == nil || q.DB == nil {
		return 0, nil
	}
	now := q.clock()
	staleBefore := now.Add(-d.VisibilityTimeout)

	var claimed []models.Job
	var exhausted []models.Job
	err := q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - waiting and due
		// - active but the worker never called back within the visibility timeout
		var candidates []models.Job
		if err := tx.
			Where("queue = ?", d.QueueName).
			Where(`
				(
					status = ? AND next_attempt_at <= ?
				)
				OR
				(
					status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, models.JobStatusWaiting, now, models.JobStatusActive, staleBefore).
			Order("priority DESC, next_attempt_at ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&candidates).Error; err != nil {
			return err
		}

		for i := range candidates {
			job := candidates[i]
			lockedBy := d.DispatcherID
			if job.Attempts >= job.MaxAttempts {
				// Hold the row while the exhaustion handler runs outside this transaction.
				if err := tx.Model(&models.Job{}).
					Where("queue = ? AND id = ?", job.Queue, job.ID).
					Updates(map[string]interface{}{
						"status":    models.JobStatusActive,
						"locked_at": now,
						"locked_by": &lockedBy,
					}).Error; err != nil {
					return err
				}
				exhausted = append(exhausted, job)
				continue
			}

			job.Status = models.JobStatusActive
			job.Attempts++
			job.LockedAt = &now
			job.LockedBy = &lockedBy
			if err := tx.Model(&models.Job{}).
				Where("queue = ? AND id = ?", job.Queue, job.ID).
				Updates(map[string]interface{}{
					"status":               models.JobStatusActive,
					"attempts":             gorm.Expr("attempts + 1"),
					"locked_at":            now,
					"locked_by":            &lockedBy,
					"published_message_id": nil,
				}).Error; err != nil {
				return err
			}
			claimed = append(claimed, job)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, job := range exhausted {
		reason := "no result from worker"
		if job.LastError != nil && *job.LastError != "" {
			reason = *job.LastError
		}
		q.exhaust(ctx, job, reason)
	}

	for _, job := range claimed {
		msgId, pubErr := d.publish(ctx, job)
		if pubErr != nil {
			d.publishFailed(ctx, job, pubErr)
			continue
		}
		d.markPublished(ctx, job, msgId)
	}
	return len(claimed) + len(exhausted), nil
}

func (d *JobDispatcher) publish(ctx context.Context, job models.Job) (string, error) {
	if d.Publisher == nil {
		return "", fmt.Errorf("%w: no publisher configured", ErrProviderUnavailable)
	}
	body, err := json.Marshal(JobMessage{
		JobId:    job.ID,
		Queue:    job.Queue,
		EntityId: job.ID,
		Attempt:  job.Attempts,
		Payload:  job.Payload,
	})
	if err != nil {
		return "", err
	}
	return d.Publisher.Publish(ctx, d.Topic, body, map[string]string{
		"queue":   job.Queue,
		"job_id":  job.ID,
		"attempt": strconv.Itoa(job.Attempts),
	})
}

func (d *JobDispatcher) markPublished(ctx context.Context, job models.Job, msgId string) {
	id := msgId
	// The worker may already have called back; only touch the row if this attempt still owns it.
	err := d.Queue.DB.WithContext(ctx).Model(&models.Job{}).
		Where("queue = ? AND id = ? AND status = ? AND locked_by = ?", job.Queue, job.ID, models.JobStatusActive, d.DispatcherID).
		Updates(map[string]interface{}{
			"published_message_id": &id,
		}).Error
	if err != nil {
		d.logger().WithFields(logrus.Fields{
			"field":      "JobDispatcher",
			"queue":      job.Queue,
			"job_id":     job.ID,
			"message_id": msgId,
		}).Error("failed to record published message id: " + err.Error())
	}
}

func (d *JobDispatcher) publishFailed(ctx context.Context, job models.Job, err error) {
	reason := "publish failed: " + err.Error()
	if job.Attempts >= job.MaxAttempts {
		d.Queue.exhaust(ctx, job, reason)
		return
	}
	if rerr := d.Queue.reschedule(d.Queue.DB.WithContext(ctx), job, reason); rerr != nil {
		d.logger().WithFields(logrus.Fields{
			"field":  "JobDispatcher",
			"queue":  job.Queue,
			"job_id": job.ID,
		}).Error("failed to reschedule job: " + rerr.Error())
	}
}

func (d *JobDispatcher) maybePrune(ctx context.Context) {
	if d.PruneInterval <= 0 {
		return
	}
	now := d.Queue.clock()
	if !d.lastPrune.IsZero() && now.Sub(d.lastPrune) < d.PruneInterval {
		return
	}
	d.lastPrune = now
	if _, err := d.Queue.Prune(ctx, d.QueueName, now.Add(-d.CompletedRetention), now.Add(-d.FailedRetention)); err != nil {
		d.logger().WithFields(logrus.Fields{
			"field": "JobDispatcher",
			"queue": d.QueueName,
		}).Error("job prune failed: " + err.Error())
	}
}

func (d *JobDispatcher) logger() *logrus.Logger {
	if d.Queue != nil && d.Queue.Logger != nil {
		return d.Queue.Logger
	}
	return logrus.StandardLogger()
}
