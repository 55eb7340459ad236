package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"surgelab/internal/config"
)

// Event is one structured alert emitted on a violation or run failure.
type Event struct {
	Category string                 `json:"category"`
	Severity string                 `json:"severity"`
	Message  string                 `json:"message"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Time     time.Time              `json:"time"`
}

// Sink delivers events. Delivery mechanics beyond these built-ins belong
// to external collaborators.
type Sink interface {
	Deliver(ctx context.Context, ev Event) error
}

// ConsoleSink logs events through the run logger.
type ConsoleSink struct {
	Logger *zap.Logger
}

func (s *ConsoleSink) Deliver(_ context.Context, ev Event) error {
	s.Logger.Warn("alert",
		zap.String("category", ev.Category),
		zap.String("severity", ev.Severity),
		zap.String("message", ev.Message),
		zap.Any("data", ev.Data),
	)
	return nil
}

// FileSink appends events as JSON lines.
type FileSink struct {
	Path string
	mu   sync.Mutex
}

func (s *FileSink) Deliver(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// WebhookSink POSTs events as JSON.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func (s *WebhookSink) Deliver(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert: webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Notifier fans events out to every configured sink. Delivery is
// best-effort: failures are logged and never fail the run.
type Notifier struct {
	sinks  []Sink
	logger *zap.Logger
}

func NewNotifier(sinks []Sink, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{sinks: sinks, logger: logger}
}

// FromConfig builds a notifier from alerting configuration. Disabled or
// sink-less configs yield a notifier that drops everything.
func FromConfig(cfg config.AlertingConfig, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		return NewNotifier(nil, logger)
	}
	var sinks []Sink
	for _, sc := range cfg.Sinks {
		switch sc.Type {
		case "console":
			sinks = append(sinks, &ConsoleSink{Logger: logger})
		case "file":
			sinks = append(sinks, &FileSink{Path: sc.Path})
		case "webhook":
			sinks = append(sinks, &WebhookSink{URL: sc.URL})
		default:
			logger.Warn("unknown alert sink type, skipping", zap.String("type", sc.Type))
		}
	}
	return NewNotifier(sinks, logger)
}

// Notify delivers ev to all sinks.
func (n *Notifier) Notify(ctx context.Context, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for _, s := range n.sinks {
		if err := s.Deliver(ctx, ev); err != nil {
			n.logger.Warn("alert delivery failed", zap.Error(err))
		}
	}
}
