package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/device-pki/interfaces"
	"github.com/ruteri/device-pki/metrics"
)

// MultiPublisher fans publications out to several backends and reads back with fallback.
type MultiPublisher struct {
	backends []interfaces.Publisher
	log      *slog.Logger
}

// NewMultiPublisher creates a publisher over backends.
func NewMultiPublisher(backends []interfaces.Publisher, logger *slog.Logger) *MultiPublisher {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiPublisher{
		backends: backends,
		log:      logger,
	}
}

// Backends returns the configured backends.
func (m *MultiPublisher) Backends() []interfaces.Publisher {
	return m.backends
}

// Fetch returns the object from the first available backend that has it.
func (m *MultiPublisher) Fetch(ctx context.Context, name string) ([]byte, error) {
	start := time.Now()
	var errs []error
	notFound := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("object", name))
			continue
		}

		data, err := backend.Fetch(ctx, name)
		if err == nil {
			m.log.Debug("Fetched object",
				slog.String("backend_name", backend.Name()),
				slog.String("object", name),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}

		if errors.Is(err, interfaces.ErrContentNotFound) {
			notFound++
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("object", name),
			"err", err)
	}

	if len(errs) > 0 && notFound == len(errs) {
		return nil, interfaces.ErrContentNotFound
	}
	return nil, fmt.Errorf("all backends failed to fetch %s: %w", name, errors.Join(errs...))
}

// Publish stores data on every available backend. It succeeds if at least one backend accepted it.
func (m *MultiPublisher) Publish(ctx context.Context, name string, data []byte) error {
	start := time.Now()
	var errs []error
	published := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			metrics.PublishOperations.WithLabelValues(backend.Name(), "unavailable").Inc()
			continue
		}

		err := backend.Publish(ctx, name, data)
		metrics.PublishOperations.WithLabelValues(backend.Name(), metrics.Result(err)).Inc()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Failed to publish to backend",
				slog.String("backend_name", backend.Name()),
				slog.String("object", name),
				"err", err)
			continue
		}
		published++
	}

	if published == 0 {
		m.log.Error("All backends failed to publish object",
			slog.String("object", name),
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		if len(errs) == 0 {
			return fmt.Errorf("%w: no backend available for %s", interfaces.ErrBackendUnavailable, name)
		}
		return fmt.Errorf("all backends failed to publish %s: %w", name, errors.Join(errs...))
	}

	m.log.Info("Published object",
		slog.String("object", name),
		slog.Int("backends", published),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Available checks if any backend is available.
func (m *MultiPublisher) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this publisher.
func (m *MultiPublisher) Name() string {
	return "multi-publisher"
}

// LocationURI returns a combined location of all backends.
func (m *MultiPublisher) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
