package events

import (
	"context"
	"errors"
)

// MultiPublisher publishes every event to each of its publishers.
type MultiPublisher []Publisher

// Publish delivers to all publishers, joining their errors.
func (m MultiPublisher) Publish(ctx context.Context, topic string, event any) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, topic, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all publishers, joining their errors.
func (m MultiPublisher) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
