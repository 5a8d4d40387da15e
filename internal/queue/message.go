package queue

import (
	"encoding/json"
	"fmt"

	"github.com/kursadbilgin/fallback-notifier/internal/domain"
)

func encodeJob(job domain.RetryJob) ([]byte, error) {
	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry job: %w", err)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal retry job: %w", err)
	}
	return payload, nil
}

func decodeJob(payload []byte) (domain.RetryJob, error) {
	var job domain.RetryJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return domain.RetryJob{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := job.Validate(); err != nil {
		return domain.RetryJob{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return job, nil
}
