package capture

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"viva/voiceloop/internal/platform"
)

// Selector starts the best available strategy: the primary first, the
// fallback when the primary is unavailable or fails.
type Selector struct {
	surface  platform.Capture
	primary  Strategy
	fallback Strategy
	log      *zap.Logger
	inFlight atomic.Bool
}

func NewSelector(surface platform.Capture, primary, fallback Strategy, log *zap.Logger) *Selector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Selector{surface: surface, primary: primary, fallback: fallback, log: log}
}

// Start returns a running capture. A call made while another is still
// starting returns ErrStartInFlight. Permission denial is never retried on
// the fallback.
func (s *Selector) Start(ctx context.Context, sink Sink) (Handle, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		metricStartCoalesced.Inc()
		return nil, ErrStartInFlight
	}
	defer s.inFlight.Store(false)

	caps := s.surface.Capabilities()
	var primaryErr error
	if s.primary != nil && s.primary.Available(caps) {
		h, err := s.primary.Start(ctx, sink)
		if err == nil {
			metricStarts.WithLabelValues(s.primary.Name()).Inc()
			return h, nil
		}
		if errors.Is(err, platform.ErrPermissionDenied) {
			return nil, err
		}
		metricFallbacks.Inc()
		s.log.Warn("capture: primary failed, falling back", zap.String("strategy", s.primary.Name()), zap.Error(err))
		primaryErr = err
	}
	if s.fallback == nil || !s.fallback.Available(caps) {
		if primaryErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrCapabilityAbsent, primaryErr)
		}
		return nil, ErrCapabilityAbsent
	}
	h, err := s.fallback.Start(ctx, sink)
	if err != nil {
		s.log.Warn("capture: fallback failed", zap.String("strategy", s.fallback.Name()), zap.Error(err))
		return nil, err
	}
	metricStarts.WithLabelValues(s.fallback.Name()).Inc()
	return h, nil
}
