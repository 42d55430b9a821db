package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"harvest/internal/admission"
	"harvest/internal/model"
	"harvest/internal/nuq"
)

// Submitter is the single entry point for putting scrape work on the
// queue. It applies the team concurrency ceiling: jobs over the
// ceiling are parked in the concurrency-limit queue with their payload
// stashed, and the promoter releases them as capacity frees.
type Submitter struct {
	queue     *nuq.Queue
	admission *admission.Controller
	logger    *slog.Logger
}

func NewSubmitter(queue *nuq.Queue, ctrl *admission.Controller, logger *slog.Logger) *Submitter {
	return &Submitter{queue: queue, admission: ctrl, logger: logger}
}

// Submit enqueues one job, deferring it when the team is at its
// concurrency ceiling. The returned bool reports whether the job went
// straight onto the main queue.
func (s *Submitter) Submit(ctx context.Context, jobID uuid.UUID, data model.JobData, ceiling int) (bool, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("marshal job payload: %w", err)
	}
	teamID := data.Internal.TeamID

	if !data.Internal.DisableConcurrency && ceiling > 0 {
		active, err := s.admission.ActiveConcurrency(ctx, teamID)
		if err != nil {
			return false, err
		}
		if active >= ceiling {
			if err := s.admission.StashPayload(ctx, jobID.String(), payload); err != nil {
				return false, err
			}
			if err := s.admission.DeferJob(ctx, teamID, jobID.String()); err != nil {
				return false, err
			}
			s.logger.Info("job_deferred", "job_id", jobID, "team_id", teamID, "active", active, "ceiling", ceiling)
			return false, nil
		}
	}

	if !data.Internal.DisableConcurrency {
		if err := s.admission.RegisterActiveJob(ctx, teamID, jobID.String()); err != nil {
			return false, err
		}
	}
	if _, err := s.queue.Add(ctx, jobID, payload); err != nil {
		if !data.Internal.DisableConcurrency {
			_ = s.admission.UnregisterActiveJob(ctx, teamID, jobID.String())
		}
		return false, err
	}
	return true, nil
}

// Promote is the promoter callback: it moves one deferred job onto
// the main queue. A job whose payload stash expired is dropped with a
// log line rather than wedging the promoter.
func (s *Submitter) Promote(ctx context.Context, teamID, jobID string) error {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return fmt.Errorf("bad deferred job id %q: %w", jobID, err)
	}
	payload, err := s.admission.TakePayload(ctx, jobID)
	if err != nil {
		s.logger.Warn("deferred_payload_lost", "job_id", jobID, "team_id", teamID, "error", err)
		return nil
	}
	if err := s.admission.RegisterActiveJob(ctx, teamID, jobID); err != nil {
		return err
	}
	if _, err := s.queue.Add(ctx, id, payload); err != nil {
		_ = s.admission.UnregisterActiveJob(ctx, teamID, jobID)
		return err
	}
	return nil
}
