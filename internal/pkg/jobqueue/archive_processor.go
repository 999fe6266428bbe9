package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/Polaris/internal/pkg/usercontext"
)

// Archive enqueues a verified webhook body for the archive workers so the
// gateway never waits on object storage.
func (q *Queue) Archive(ctx context.Context, provider string, body []byte, receivedAt time.Time) error {
	payload := ArchivePayloadJobPayload{
		Provider:      provider,
		Body:          append([]byte(nil), body...),
		ReceivedAt:    receivedAt,
		CorrelationID: usercontext.CorrelationID(ctx),
	}
	_, err := q.EnqueueJob(ctx, JobTypeArchivePayload, payload.ToMap())
	return err
}

func (q *Queue) processArchivePayloadJob(ctx context.Context, job *Job) error {
	if q.store == nil {
		return errors.New("no payload store configured")
	}
	payload, err := ArchivePayloadJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid archive payload: %w", err)
	}
	if payload.Provider == "" || len(payload.Body) == 0 {
		return errors.New("archive payload missing provider or body")
	}

	ctx, cancel := context.WithTimeout(usercontext.WithCorrelationID(ctx, payload.CorrelationID), archiveTimeout)
	defer cancel()
	return q.store.Archive(ctx, payload.Provider, payload.Body, payload.ReceivedAt)
}
