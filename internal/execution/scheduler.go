package execution

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
)

// ErrSchedulerNotBound is returned when a job is enqueued before the River client exists.
var ErrSchedulerNotBound = errors.New("river client not bound to scheduler")

// Scheduler enqueues submit and poll jobs. The Tx variants join the caller's transaction
// so the job exists only if the state change that needs it commits.
type Scheduler interface {
	EnqueueSubmitTx(ctx context.Context, tx pgx.Tx, args SubmitGenerationArgs) error
	SchedulePollTx(ctx context.Context, tx pgx.Tx, args PollGenerationArgs, at time.Time) error
	SchedulePoll(ctx context.Context, args PollGenerationArgs, at time.Time) error
}

// RiverScheduler is a Scheduler backed by a River client. The client is bound after
// construction because the client's workers need the services that need the scheduler.
type RiverScheduler struct {
	mu     sync.RWMutex
	client *river.Client[pgx.Tx]
	logger *slog.Logger
}

func NewRiverScheduler(logger *slog.Logger) *RiverScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RiverScheduler{logger: logger}
}

var _ Scheduler = (*RiverScheduler)(nil)

// Bind sets the River client used for inserts.
func (s *RiverScheduler) Bind(client *river.Client[pgx.Tx]) {
	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
}

func (s *RiverScheduler) get() (*river.Client[pgx.Tx], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, ErrSchedulerNotBound
	}
	return s.client, nil
}

func (s *RiverScheduler) EnqueueSubmitTx(ctx context.Context, tx pgx.Tx, args SubmitGenerationArgs) error {
	client, err := s.get()
	if err != nil {
		return err
	}
	_, err = client.InsertTx(ctx, tx, args, nil)
	return err
}

func (s *RiverScheduler) SchedulePollTx(ctx context.Context, tx pgx.Tx, args PollGenerationArgs, at time.Time) error {
	client, err := s.get()
	if err != nil {
		return err
	}
	res, err := client.InsertTx(ctx, tx, args, pollOpts(at))
	if err != nil {
		return err
	}
	s.logDuplicate(args, res.UniqueSkippedAsDuplicate)
	return nil
}

func (s *RiverScheduler) SchedulePoll(ctx context.Context, args PollGenerationArgs, at time.Time) error {
	client, err := s.get()
	if err != nil {
		return err
	}
	res, err := client.Insert(ctx, args, pollOpts(at))
	if err != nil {
		return err
	}
	s.logDuplicate(args, res.UniqueSkippedAsDuplicate)
	return nil
}

func (s *RiverScheduler) logDuplicate(args PollGenerationArgs, skipped bool) {
	if skipped {
		s.logger.Info("poll attempt already scheduled", "generation_id", args.GenerationID, "attempt", args.Attempt)
	}
}

func pollOpts(at time.Time) *river.InsertOpts {
	opts := PollGenerationArgs{}.InsertOpts()
	opts.ScheduledAt = at
	return &opts
}
