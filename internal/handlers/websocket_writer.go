package handlers

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ternarybob/arbor/levels"
	arbormodels "github.com/ternarybob/arbor/models"

	"github.com/ternarybob/specto/internal/common"
)

// Buffer for log batches arriving from arbor's channel hook.
const defaultWebSocketLogBuffer = 10

// defaultExcludePatterns drops the hub's own chatter so the dashboard
// log panel does not echo itself.
var defaultExcludePatterns = []string{
	"WebSocket client connected",
	"WebSocket client disconnected",
	"HTTP request",
	"HTTP response",
}

// WebSocketWriter consumes log batches from arbor's channel hook and
// broadcasts them to connected dashboard clients. Register the channel
// with logger.SetChannel before Start.
//
// NOTE: nothing in the consume path may log - a log here would feed
// back through this writer and loop.
type WebSocketWriter struct {
	handler         *WebSocketHandler
	channel         chan []arbormodels.LogEvent
	minLevel        levels.LogLevel
	excludePatterns []string
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
}

// NewWebSocketWriter creates the log stream bridge between arbor and
// the WebSocket hub.
func NewWebSocketWriter(handler *WebSocketHandler, wsConfig *common.WebSocketConfig) *WebSocketWriter {
	minLevel := levels.InfoLevel
	excludePatterns := defaultExcludePatterns

	if wsConfig != nil {
		minLevel = parseLogLevel(wsConfig.MinLevel)
		if len(wsConfig.ExcludePatterns) > 0 {
			excludePatterns = wsConfig.ExcludePatterns
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WebSocketWriter{
		handler:         handler,
		channel:         make(chan []arbormodels.LogEvent, defaultWebSocketLogBuffer),
		minLevel:        minLevel,
		excludePatterns: excludePatterns,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Channel returns the channel for arbor to send log batches to.
func (w *WebSocketWriter) Channel() chan []arbormodels.LogEvent {
	return w.channel
}

// Start launches the consumer goroutine.
func (w *WebSocketWriter) Start() error {
	w.wg.Add(1)
	go w.consume()
	return nil
}

// Stop shuts down the consumer. Arbor keeps the channel registered, so
// stop only after the logger has quiesced.
func (w *WebSocketWriter) Stop() error {
	w.cancel()
	w.wg.Wait()
	return nil
}

func (w *WebSocketWriter) consume() {
	defer w.wg.Done()

	// A panic here ends the stream, not the process. Logging from the
	// deferred handler is safe: the consumer is already gone, so the
	// event cannot feed back through this writer.
	defer func() {
		if r := recover(); r != nil {
			w.handler.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Progress log writer stopped after panic")
		}
	}()

	for {
		select {
		case batch, ok := <-w.channel:
			if !ok {
				return
			}
			for _, event := range batch {
				w.process(event)
			}
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *WebSocketWriter) process(event arbormodels.LogEvent) {
	if levels.FromLogLevel(event.Level) < w.minLevel {
		return
	}
	for _, pattern := range w.excludePatterns {
		if strings.Contains(event.Message, pattern) {
			return
		}
	}

	w.handler.BroadcastLog(LogEntry{
		Timestamp: event.Timestamp.Format("15:04:05"),
		Level:     mapLevel(levels.FromLogLevel(event.Level)),
		Message:   event.Message,
	})
}

// parseLogLevel converts string log level to arbor levels.LogLevel
func parseLogLevel(level string) levels.LogLevel {
	switch strings.ToLower(level) {
	case "error":
		return levels.ErrorLevel
	case "warn", "warning":
		return levels.WarnLevel
	case "info":
		return levels.InfoLevel
	case "debug":
		return levels.DebugLevel
	default:
		return levels.InfoLevel
	}
}

// mapLevel maps arbor log levels to UI strings
func mapLevel(level levels.LogLevel) string {
	switch level {
	case levels.ErrorLevel:
		return "error"
	case levels.WarnLevel:
		return "warn"
	case levels.InfoLevel:
		return "info"
	case levels.DebugLevel:
		return "debug"
	default:
		return "info"
	}
}
