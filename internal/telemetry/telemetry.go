// Package telemetry logs operational events locally and mirrors them to the
// analytics collection. Mirroring is best-effort and never fails the caller.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pauljones0/portfolio-backend/internal/models"
)

const remoteWriteTimeout = 5 * time.Second

// EventWriter persists analytics events.
type EventWriter interface {
	AddAnalyticsEvent(ctx context.Context, ev models.AnalyticsEvent) error
}

// Sink is safe for concurrent use. A nil *Sink only logs locally.
type Sink struct {
	writer EventWriter
	remote bool
	now    func() time.Time
	wg     sync.WaitGroup
}

func New(writer EventWriter, remote bool) *Sink {
	return &Sink{writer: writer, remote: remote && writer != nil, now: time.Now}
}

func (s *Sink) Info(ctx context.Context, msg string, meta map[string]any) {
	slog.InfoContext(ctx, msg, attrs(meta)...)
	s.mirror(ctx, "info", msg, meta)
}

func (s *Sink) Warn(ctx context.Context, msg string, meta map[string]any) {
	slog.WarnContext(ctx, msg, attrs(meta)...)
	s.mirror(ctx, "warn", msg, meta)
}

// Error logs err under the "error" key and mirrors it with meta.
func (s *Sink) Error(ctx context.Context, msg string, err error, meta map[string]any) {
	withErr := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		withErr[k] = v
	}
	if err != nil {
		withErr["error"] = err.Error()
	}
	slog.ErrorContext(ctx, msg, attrs(withErr)...)
	s.mirror(ctx, "error", msg, withErr)
}

// Flush waits for pending remote writes.
func (s *Sink) Flush() {
	if s == nil {
		return
	}
	s.wg.Wait()
}

func (s *Sink) mirror(ctx context.Context, level, msg string, meta map[string]any) {
	if s == nil || !s.remote {
		return
	}
	ev := models.AnalyticsEvent{
		Level:      level,
		Message:    msg,
		Meta:       meta,
		ClientTime: s.now().UTC(),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), remoteWriteTimeout)
		defer cancel()
		if err := s.writer.AddAnalyticsEvent(ctx, ev); err != nil {
			slog.Warn("Failed to mirror telemetry event", "message", msg, "error", err)
		}
	}()
}

func attrs(meta map[string]any) []any {
	out := make([]any, 0, len(meta)*2)
	for k, v := range meta {
		out = append(out, k, v)
	}
	return out
}
