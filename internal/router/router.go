package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/finboard/feedclient/internal/connection"
	"github.com/finboard/feedclient/internal/protocol"
)

// IngestFunc hands a data frame's payload to the Message Batcher.
type IngestFunc func(channel string, payload json.RawMessage)

// Router parses inbound frames and dispatches them by channel and type.
type Router interface {
	// Start begins routing frames from the Connection Manager.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the router.
	Stop(ctx context.Context) error

	// Stats returns current router statistics.
	Stats() RouterStats
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	FramesReceived int64
	FramesRouted   int64
	ParseErrors    int64
	UnknownFrames  int64
	Heartbeats     int64
	ServerErrors   int64
	Confirmations  int64
}

// router is the internal implementation.
type router struct {
	input  <-chan connection.RawMessage
	ingest IngestFunc
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	stats RouterStats
}

// NewRouter creates a Message Router.
func NewRouter(input <-chan connection.RawMessage, ingest IngestFunc, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &router{
		input:  input,
		ingest: ingest,
		logger: logger,
	}
}

// Start begins routing frames.
func (r *router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("message router started")
	return nil
}

// Stop gracefully shuts down the router.
func (r *router) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("message router stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn("message router stop timed out")
		return ctx.Err()
	}
}

// Stats returns current statistics.
func (r *router) Stats() RouterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// routeLoop is the main routing goroutine. It ends when the input
// channel closes (Connection Manager closed) or the context is done.
func (r *router) routeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			// Frames already buffered on input were delivered before the
			// shutdown; route them rather than drop them.
			for {
				select {
				case raw, ok := <-r.input:
					if !ok {
						return
					}
					r.route(raw)
				default:
					return
				}
			}
		case raw, ok := <-r.input:
			if !ok {
				r.logger.Debug("input channel closed")
				return
			}
			r.route(raw)
		}
	}
}

// route parses and routes a single frame. Parse failures are isolated:
// they are counted and logged, and never affect connection state.
func (r *router) route(raw connection.RawMessage) {
	r.count(func(s *RouterStats) { s.FramesReceived++ })

	var frame protocol.Frame
	if err := json.Unmarshal(raw.Data, &frame); err != nil {
		r.logger.Warn("failed to parse frame", "error", err)
		r.count(func(s *RouterStats) { s.ParseErrors++ })
		return
	}

	switch frame.Type {
	case protocol.TypeData:
		if frame.Channel == "" {
			r.logger.Warn("data frame without channel")
			r.count(func(s *RouterStats) { s.ParseErrors++ })
			return
		}
		r.ingest(frame.Channel, frame.Data)
		r.count(func(s *RouterStats) { s.FramesRouted++ })

	case protocol.TypeHeartbeat:
		// Liveness is recorded by the Connection Manager before frames
		// reach the router; nothing to do here.
		r.count(func(s *RouterStats) { s.Heartbeats++ })

	case protocol.TypeError:
		var serverErr protocol.ErrorFrame
		json.Unmarshal(frame.Data, &serverErr)
		r.logger.Warn("server error frame",
			"channel", frame.Channel,
			"code", serverErr.Code,
			"message", serverErr.Message,
		)
		r.count(func(s *RouterStats) { s.ServerErrors++ })

	case protocol.TypeSubConfirmed:
		r.logger.Debug("subscription confirmed", "channel", frame.Channel)
		r.count(func(s *RouterStats) { s.Confirmations++ })

	default:
		r.logger.Debug("skipping unknown frame type", "type", frame.Type)
		r.count(func(s *RouterStats) { s.UnknownFrames++ })
	}
}

func (r *router) count(fn func(*RouterStats)) {
	r.mu.Lock()
	fn(&r.stats)
	r.mu.Unlock()
}
