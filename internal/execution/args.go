package execution

import (
	"github.com/google/uuid"
	"github.com/riverqueue/river"
)

const (
	// QueueSubmit carries provider submissions; QueuePoll carries status checks.
	QueueSubmit = "submit"
	QueuePoll   = "poll"

	submitMaxAttempts = 3
	pollMaxAttempts   = 5
)

// SubmitGenerationArgs sends one queued generation to the provider.
type SubmitGenerationArgs struct {
	GenerationID uuid.UUID `json:"generation_id"`
}

func (SubmitGenerationArgs) Kind() string { return "submit_generation" }

func (SubmitGenerationArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueSubmit,
		MaxAttempts: submitMaxAttempts,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// PollGenerationArgs is one poll attempt. The (generation, task, attempt) triple is the
// attempt's identity: River refuses a second insert of the same triple.
type PollGenerationArgs struct {
	GenerationID   uuid.UUID `json:"generation_id"`
	ProviderTaskID string    `json:"provider_task_id"`
	Attempt        int       `json:"attempt"`
}

func (PollGenerationArgs) Kind() string { return "poll_generation" }

func (PollGenerationArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueuePoll,
		MaxAttempts: pollMaxAttempts,
		UniqueOpts:  river.UniqueOpts{ByArgs: true},
	}
}

// Next returns the args of the following attempt.
func (a PollGenerationArgs) Next() PollGenerationArgs {
	a.Attempt++
	return a
}
