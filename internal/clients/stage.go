// Package clients holds the thin HTTP submitters for the external stage
// services (parser, embedder). A submit only hands work over; completion
// comes back later through the callback endpoint.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/you/docflow/internal/domain"
)

type StageClient struct {
	name     string
	endpoint string
	client   *http.Client
}

func NewStageClient(name, endpoint string, timeout time.Duration) *StageClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &StageClient{
		name:     name,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (c *StageClient) Name() string { return c.name }

type submitBody struct {
	JobID         string `json:"job_id"`
	DocumentID    string `json:"document_id"`
	Owner         string `json:"owner"`
	CorrelationID string `json:"correlation_id"`
}

// Submit posts the job to the stage service. Anything but a 2xx is an
// error so the circuit breaker can count it.
func (c *StageClient) Submit(ctx context.Context, job *domain.Job) error {
	payload, err := json.Marshal(submitBody{
		JobID:         job.ID,
		DocumentID:    job.DocumentID,
		Owner:         job.Owner,
		CorrelationID: job.CorrelationID,
	})
	if err != nil {
		return errors.Wrap(err, "marshal submit body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build submit request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", job.CorrelationID)

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "submit to %s", c.name)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("%s returned %d", c.name, resp.StatusCode)
	}
	return nil
}

// Healthcheck probes the service's health endpoint; used by the service
// manager's sweep.
func (c *StageClient) Healthcheck(healthURL string) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
		if err != nil {
			return err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("%s health returned %d", c.name, resp.StatusCode)
		}
		return nil
	}
}
