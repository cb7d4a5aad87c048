package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/you/docflow/internal/domain"
)

// FetchDocument reads a document's bytes for the parse stage. A job can be
// marked uploaded before the object is readable, so an object-not-found
// inside FetchWindow is classified transient and retried with exponential
// backoff; only a miss that outlives the window is a permanent not-found.
// There is deliberately no fixed pre-read sleep.
func (m *Machine) FetchDocument(ctx context.Context, path string) ([]byte, error) {
	delay := m.config.FetchBaseDelay
	deadline := time.Now().Add(m.config.FetchWindow)

	for {
		data, err := m.objects.Get(ctx, path)
		if err == nil {
			return data, nil
		}
		if domain.CodeOf(err) != domain.CodeObjectNotFound {
			return nil, err
		}
		if !time.Now().Add(delay).Before(deadline) {
			return nil, err
		}

		transient := domain.TransientStorageUnavailable(path)
		m.log.Debug("object not yet visible, backing off",
			zap.String("path", path),
			zap.Duration("delay", delay),
			zap.String("code", string(transient.Code)))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}
