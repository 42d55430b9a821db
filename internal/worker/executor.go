package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"harvest/internal/model"
	"harvest/internal/nuq"
)

// ExecuteSync is the synchronous scrape path: enqueue one job, wait
// for its terminal notification, and return the document. A job
// deferred behind the concurrency ceiling is waited on too; the
// promoter materializes its row when capacity frees. On timeout the
// job is removed wherever it lives so an abandoned scrape cannot
// complete into nowhere and still bill the team.
func (s *Submitter) ExecuteSync(ctx context.Context, jobID uuid.UUID, data model.JobData, ceiling int, timeout time.Duration) (*model.Document, error) {
	enqueued, err := s.Submit(ctx, jobID, data, ceiling)
	if err != nil {
		return nil, err
	}

	var status string
	if enqueued {
		status, err = s.queue.WaitForJob(ctx, jobID, timeout)
	} else {
		status, err = s.queue.WaitForDeferredJob(ctx, jobID, timeout)
	}
	if err != nil {
		if errors.Is(err, nuq.ErrWaitTimeout) {
			teamID := data.Internal.TeamID
			if !enqueued {
				if abErr := s.admission.AbandonDeferredJob(ctx, teamID, jobID.String()); abErr != nil {
					s.logger.Warn("deferred_job_abandon_failed", "job_id", jobID, "error", abErr)
				}
			}
			if _, rmErr := s.queue.Remove(ctx, jobID); rmErr != nil {
				s.logger.Warn("timed_out_job_remove_failed", "job_id", jobID, "error", rmErr)
			}
			_ = s.admission.UnregisterActiveJob(ctx, teamID, jobID.String())
			return nil, &model.TransportableError{
				Code:    model.CodeScrapeTimeout,
				Message: fmt.Sprintf("scrape did not finish within %s", timeout),
			}
		}
		return nil, err
	}

	job, err := s.queue.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, &model.TransportableError{Code: model.CodeJobNotFound, Message: "job vanished before its result was read"}
	}

	if status == nuq.StatusFailed {
		reason := ""
		if job.FailedReason != nil {
			reason = *job.FailedReason
		}
		return nil, model.ParseTransportable(reason)
	}

	if !job.ReturnValue.Valid {
		return nil, &model.TransportableError{Code: model.CodeInternal, Message: "completed job had no return value"}
	}
	var doc model.Document
	if err := json.Unmarshal(job.ReturnValue.RawMessage, &doc); err != nil {
		return nil, fmt.Errorf("decode job result: %w", err)
	}
	return &doc, nil
}
