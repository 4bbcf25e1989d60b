package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/docshare_backend/config"
	"github.com/mmdatafocus/docshare_backend/models"
	"github.com/mmdatafocus/docshare_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type JobOptions struct {
	Priority     int
	MaxAttempts  int
	Backoff      models.BackoffType
	BackoffDelay time.Duration
}

type JobHandle struct {
	Queue    string           `json:"queue"`
	Id       string           `json:"id"`
	Status   models.JobStatus `json:"status"`
	Attempts int              `json:"attempts"`
	// Created is false when an existing live job was returned instead.
	Created bool `json:"created"`
}

type JobStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
}

// EntityGuard rejects an enqueue when the owning entity is missing (ErrEntityNotFound)
// or already past its pre-settlement status (ErrEntityNotPending). It runs inside the
// enqueue transaction and should lock the entity row, so a settlement cannot commit
// between the check and the job write.
type EntityGuard func(tx *gorm.DB, entityId string) error

// ExhaustionHandler moves the owning entity to its terminal failure status.
type ExhaustionHandler func(ctx context.Context, job models.Job, reason string) error

// JobQueue is the durable, DB-backed queue. A job's id is its entity id, so one row per
// entity and queue exists at any time and enqueue is idempotent while that row is live.
type JobQueue struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Settings config.JobSettings

	guards    map[string]EntityGuard
	exhausted map[string]ExhaustionHandler
	now       func() time.Time
}

func NewJobQueue(db *gorm.DB, logger *logrus.Logger, settings config.JobSettings) *JobQueue {
	return &JobQueue{
		DB:        db,
		Logger:    logger,
		Settings:  settings,
		guards:    map[string]EntityGuard{},
		exhausted: map[string]ExhaustionHandler{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RegisterQueue must be called during wiring, before the queue is used concurrently.
func (q *JobQueue) RegisterQueue(queue string, guard EntityGuard, onExhausted ExhaustionHandler) {
	q.guards[queue] = guard
	q.exhausted[queue] = onExhausted
}

func (q *JobQueue) clock() time.Time {
	if q.now == nil {
		return time.Now().UTC()
	}
	return q.now()
}

func (q *JobQueue) options(opts *JobOptions) JobOptions {
	o := JobOptions{
		MaxAttempts:  q.Settings.MaxAttempts,
		Backoff:      models.BackoffExponential,
		BackoffDelay: q.Settings.BackoffBase,
	}
	if opts != nil {
		o.Priority = opts.Priority
		if opts.MaxAttempts > 0 {
			o.MaxAttempts = opts.MaxAttempts
		}
		if opts.Backoff != "" {
			o.Backoff = opts.Backoff
		}
		if opts.BackoffDelay > 0 {
			o.BackoffDelay = opts.BackoffDelay
		}
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	return o
}

// Enqueue persists a job for entityId. While a live job exists for the entity the call is
// a no-op returning that job. A finished job is restarted in place when the guard
// confirms the entity is pending again.
func (q *JobQueue) Enqueue(ctx context.Context, queue, entityId string, payload map[string]interface{}, opts *JobOptions) (*JobHandle, error) {
	entityId = strings.TrimSpace(entityId)
	if queue == "" || entityId == "" {
		return nil, fmt.Errorf("%w: queue and entity id are required", ErrInvalidJob)
	}
	guard := q.guards[queue]

	o := q.options(opts)
	now := q.clock()
	data := datatypes.JSONMap{}
	for k, v := range payload {
		data[k] = v
	}
	data["entity_id"] = entityId

	job := models.Job{
		Queue:          queue,
		ID:             entityId,
		Payload:        data,
		Priority:       o.Priority,
		Status:         models.JobStatusWaiting,
		MaxAttempts:    o.MaxAttempts,
		BackoffType:    o.Backoff,
		BackoffDelayMs: o.BackoffDelay.Milliseconds(),
		NextAttemptAt:  now,
		EnqueuedAt:     now,
	}

	var handle *JobHandle
	err := q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Entity row before job row, the same order settlement takes them.
		if guard != nil {
			if err := guard(tx, entityId); err != nil {
				return err
			}
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&job)
		if res.Error != nil && !utils.IsDuplicateKeyErr(res.Error) {
			return res.Error
		}
		if res.Error == nil && res.RowsAffected == 1 {
			handle = handleOf(job, true)
			return nil
		}

		existing, err := lockJob(tx, queue, entityId)
		if err != nil {
			return err
		}
		if !existing.Status.IsTerminal() {
			handle = handleOf(*existing, false)
			return nil
		}
		if err := restartJob(tx, job); err != nil {
			return err
		}
		handle = handleOf(job, true)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrEntityNotFound) || errors.Is(err, ErrEntityNotPending) {
			return nil, err
		}
		config.LogError(q.Logger, "JobQueue", "Enqueue", "enqueue job", map[string]string{"queue": queue, "entity_id": entityId}, err)
		return nil, err
	}

	if q.Logger != nil {
		q.Logger.WithFields(logrus.Fields{
			"field":     "JobQueue",
			"queue":     queue,
			"entity_id": entityId,
			"created":   handle.Created,
			"status":    handle.Status,
		}).Info("job enqueued")
	}
	return handle, nil
}

func (q *JobQueue) Get(ctx context.Context, queue, id string) (*models.Job, error) {
	job, err := models.GetJob(ctx, q.DB, queue, id)
	if err != nil {
		if utils.IsRecordNotFound(err) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

func (q *JobQueue) Stats(ctx context.Context, queue string) (*JobStats, error) {
	var rows []struct {
		Status models.JobStatus
		Total  int64
	}
	if err := q.DB.WithContext(ctx).Model(&models.Job{}).
		Select("status, COUNT(*) AS total").
		Where("queue = ?", queue).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	var delayed int64
	if err := q.DB.WithContext(ctx).Model(&models.Job{}).
		Where("queue = ? AND status = ? AND next_attempt_at > ?", queue, models.JobStatusWaiting, q.clock()).
		Count(&delayed).Error; err != nil {
		return nil, err
	}

	stats := &JobStats{Delayed: delayed}
	for _, r := range rows {
		switch r.Status {
		case models.JobStatusWaiting:
			stats.Waiting = r.Total - delayed
		case models.JobStatusActive:
			stats.Active = r.Total
		case models.JobStatusCompleted:
			stats.Completed = r.Total
		case models.JobStatusFailed:
			stats.Failed = r.Total
		}
	}
	return stats, nil
}

// Prune deletes finished jobs older than their retention cutoff.
func (q *JobQueue) Prune(ctx context.Context, queue string, completedBefore, failedBefore time.Time) (int64, error) {
	res := q.DB.WithContext(ctx).
		Where("queue = ?", queue).
		Where("(status = ? AND finished_at < ?) OR (status = ? AND finished_at < ?)",
			models.JobStatusCompleted, completedBefore, models.JobStatusFailed, failedBefore).
		Delete(&models.Job{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 && q.Logger != nil {
		q.Logger.WithFields(logrus.Fields{
			"field":   "JobQueue",
			"queue":   queue,
			"deleted": res.RowsAffected,
		}).Info("pruned job history")
	}
	return res.RowsAffected, nil
}

// Retry restarts a failed job whose entity is still pending (ops replay).
func (q *JobQueue) Retry(ctx context.Context, queue, id string) (*JobHandle, error) {
	current, err := q.Get(ctx, queue, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.IsTerminal() {
		return handleOf(*current, false), nil
	}
	if current.Status != models.JobStatusFailed {
		return nil, ErrJobNotRetryable
	}
	guard := q.guards[queue]

	o := q.options(&JobOptions{
		Priority:     current.Priority,
		MaxAttempts:  current.MaxAttempts,
		Backoff:      current.BackoffType,
		BackoffDelay: time.Duration(current.BackoffDelayMs) * time.Millisecond,
	})
	now := q.clock()
	job := models.Job{
		Queue:          queue,
		ID:             id,
		Payload:        current.Payload,
		Priority:       o.Priority,
		Status:         models.JobStatusWaiting,
		MaxAttempts:    o.MaxAttempts,
		BackoffType:    o.Backoff,
		BackoffDelayMs: o.BackoffDelay.Milliseconds(),
		NextAttemptAt:  now,
		EnqueuedAt:     now,
	}

	var handle *JobHandle
	err = q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if guard != nil {
			if err := guard(tx, id); err != nil {
				return err
			}
		}
		locked, err := lockJob(tx, queue, id)
		if err != nil {
			return err
		}
		if locked.Status != models.JobStatusFailed {
			handle = handleOf(*locked, false)
			return nil
		}
		if err := restartJob(tx, job); err != nil {
			return err
		}
		handle = handleOf(job, true)
		return nil
	})
	if err != nil {
		if utils.IsRecordNotFound(err) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return handle, nil
}

// Fail records a worker-reported processing failure for the current attempt. The job is
// rescheduled with backoff, or handed to the queue's exhaustion handler once out of attempts.
func (q *JobQueue) Fail(ctx context.Context, queue, id, reason string) error {
	var exhausted *models.Job
	err := q.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := lockJob(tx, queue, id)
		if err != nil {
			return err
		}
		// Late or duplicate report for an attempt that already moved on.
		if job.Status != models.JobStatusActive {
			return nil
		}
		if job.Attempts >= job.MaxAttempts {
			exhausted = job
			return nil
		}
		return q.reschedule(tx, *job, reason)
	})
	if err != nil {
		if utils.IsRecordNotFound(err) {
			return ErrJobNotFound
		}
		return err
	}
	if exhausted != nil {
		q.exhaust(ctx, *exhausted, reason)
	}
	return nil
}

func (q *JobQueue) reschedule(db *gorm.DB, job models.Job, reason string) error {
	delay := Backoff(job.BackoffType, time.Duration(job.BackoffDelayMs)*time.Millisecond, q.Settings.BackoffMax, job.Attempts)
	next := q.clock().Add(delay)
	msg := utils.Truncate(reason, 2000)
	err := db.Model(&models.Job{}).
		Where("queue = ? AND id = ? AND status IN ?", job.Queue, job.ID, liveJobStatuses).
		Updates(map[string]interface{}{
			"status":          models.JobStatusWaiting,
			"next_attempt_at": next,
			"last_error":      &msg,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
	if err != nil {
		return err
	}
	if q.Logger != nil {
		q.Logger.WithFields(logrus.Fields{
			"field":           "JobQueue",
			"queue":           job.Queue,
			"job_id":          job.ID,
			"attempt":         job.Attempts,
			"next_attempt_at": next.Format(time.RFC3339Nano),
		}).Warn("job attempt failed: " + reason)
	}
	return nil
}

// exhaust runs the failure branch for the owning entity, then marks the job failed. When
// the handler fails for a transient reason the job is parked so a later pass retries it.
func (q *JobQueue) exhaust(ctx context.Context, job models.Job, reason string) {
	msg := fmt.Sprintf("max attempts exceeded (%d): %s", job.MaxAttempts, reason)
	if handler := q.exhausted[job.Queue]; handler != nil {
		if err := handler(ctx, job, msg); err != nil {
			if !errors.Is(err, ErrConflictingOutcome) && !errors.Is(err, ErrEntityNotFound) {
				config.LogError(q.Logger, "JobQueue", "exhaust", "settle exhausted job", map[string]string{"queue": job.Queue, "job_id": job.ID}, err)
				q.park(ctx, job, err)
				return
			}
			if q.Logger != nil {
				q.Logger.WithFields(logrus.Fields{
					"field":  "JobQueue",
					"queue":  job.Queue,
					"job_id": job.ID,
				}).Warn("exhausted job's entity not settled: " + err.Error())
			}
		}
	}

	now := q.clock()
	err := q.DB.WithContext(ctx).Model(&models.Job{}).
		Where("queue = ? AND id = ? AND status IN ?", job.Queue, job.ID, liveJobStatuses).
		Updates(map[string]interface{}{
			"status":      models.JobStatusFailed,
			"last_error":  &msg,
			"finished_at": &now,
			"locked_at":   nil,
			"locked_by":   nil,
		}).Error
	if err != nil {
		// The job stays live; the visibility timeout brings it back to a later pass.
		config.LogError(q.Logger, "JobQueue", "exhaust", "mark job failed", map[string]string{"queue": job.Queue, "job_id": job.ID}, err)
		return
	}

	if q.Logger != nil {
		q.Logger.WithFields(logrus.Fields{
			"field":   "JobQueue",
			"queue":   job.Queue,
			"job_id":  job.ID,
			"attempt": job.Attempts,
		}).Error("job moved to failed after max attempts: " + reason)
	}
}

func (q *JobQueue) park(ctx context.Context, job models.Job, cause error) {
	next := q.clock().Add(Backoff(job.BackoffType, time.Duration(job.BackoffDelayMs)*time.Millisecond, q.Settings.BackoffMax, job.Attempts))
	msg := utils.Truncate("exhaustion pending: "+cause.Error(), 2000)
	err := q.DB.WithContext(ctx).Model(&models.Job{}).
		Where("queue = ? AND id = ? AND status IN ?", job.Queue, job.ID, liveJobStatuses).
		Updates(map[string]interface{}{
			"status":          models.JobStatusWaiting,
			"next_attempt_at": next,
			"last_error":      &msg,
			"locked_at":       nil,
			"locked_by":       nil,
		}).Error
	if err != nil {
		config.LogError(q.Logger, "JobQueue", "park", "park exhausted job", map[string]string{"queue": job.Queue, "job_id": job.ID}, err)
	}
}

// finishJob closes the entity's live job inside a settlement transaction.
func finishJob(tx *gorm.DB, queue, id string, status models.JobStatus, reason string, now time.Time) error {
	updates := map[string]interface{}{
		"status":      status,
		"finished_at": &now,
		"locked_at":   nil,
		"locked_by":   nil,
	}
	if reason != "" {
		msg := utils.Truncate(reason, 2000)
		updates["last_error"] = &msg
	}
	return tx.Model(&models.Job{}).
		Where("queue = ? AND id = ? AND status IN ?", queue, id, liveJobStatuses).
		Updates(updates).Error
}

var liveJobStatuses = []models.JobStatus{models.JobStatusWaiting, models.JobStatusActive}

func lockJob(tx *gorm.DB, queue, id string) (*models.Job, error) {
	var job models.Job
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("queue = ? AND id = ?", queue, id).
		Take(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func restartJob(tx *gorm.DB, job models.Job) error {
	return tx.Model(&models.Job{}).
		Where("queue = ? AND id = ?", job.Queue, job.ID).
		Updates(map[string]interface{}{
			"payload":              job.Payload,
			"priority":             job.Priority,
			"status":               models.JobStatusWaiting,
			"attempts":             0,
			"max_attempts":         job.MaxAttempts,
			"backoff_type":         job.BackoffType,
			"backoff_delay_ms":     job.BackoffDelayMs,
			"next_attempt_at":      job.NextAttemptAt,
			"enqueued_at":          job.EnqueuedAt,
			"locked_at":            nil,
			"locked_by":            nil,
			"last_error":           nil,
			"published_message_id": nil,
			"finished_at":          nil,
		}).Error
}

func handleOf(job models.Job, created bool) *JobHandle {
	return &JobHandle{
		Queue:    job.Queue,
		Id:       job.ID,
		Status:   job.Status,
		Attempts: job.Attempts,
		Created:  created,
	}
}

// Backoff returns the delay after the given number of failed attempts:
// base, 2*base, 4*base ... capped at max. Fixed backoff always waits base.
func Backoff(kind models.BackoffType, base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	if kind != models.BackoffFixed {
		for i := 1; i < attempt; i++ {
			delay *= 2
			if max > 0 && delay >= max {
				return max
			}
		}
	}
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}
