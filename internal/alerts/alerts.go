package alerts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	deliveryTimeout = 10 * time.Second
	maxMessageBytes = 4096
)

var errMissingURL = errors.New("alerts: ntfy url is required")

// Sink receives unexpected server errors for out-of-band reporting.
type Sink interface {
	Notify(ctx context.Context, err error)
}

// LogSink records alerts in the structured log only.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Notify logs err at error level.
func (s *LogSink) Notify(_ context.Context, err error) {
	if err == nil {
		return
	}
	s.logger.Error("alert", zap.Error(err))
}

// NtfySinkConfig describes an ntfy-style publish endpoint.
type NtfySinkConfig struct {
	URL        string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NtfySink posts alert text to an ntfy topic URL.
type NtfySink struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewNtfySink validates the configuration and constructs an NtfySink.
func NewNtfySink(cfg NtfySinkConfig) (*NtfySink, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errMissingURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: deliveryTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NtfySink{url: url, client: client, logger: logger}, nil
}

// Notify logs err and delivers it in the background. Delivery failures are logged, never returned.
func (s *NtfySink) Notify(ctx context.Context, err error) {
	if err == nil {
		return
	}
	s.logger.Error("alert", zap.Error(err))
	message := err.Error()
	go func() {
		deliveryCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
		defer cancel()
		if postErr := s.post(deliveryCtx, message); postErr != nil {
			s.logger.Warn("alert delivery failed", zap.Error(postErr))
		}
	}()
}

func (s *NtfySink) post(ctx context.Context, message string) error {
	message = truncateUTF8(message, maxMessageBytes)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, strings.NewReader(message))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	request.Header.Set("Content-Type", "text/plain; charset=utf-8")
	response, err := s.client.Do(request)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)
	if response.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("post alert: unexpected status %d", response.StatusCode)
	}
	return nil
}

// truncateUTF8 cuts message to at most limit bytes without splitting a rune.
func truncateUTF8(message string, limit int) string {
	if len(message) <= limit {
		return message
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}

// New returns an NtfySink when url is set and a LogSink otherwise.
func New(url string, logger *zap.Logger) Sink {
	if sink, err := NewNtfySink(NtfySinkConfig{URL: url, Logger: logger}); err == nil {
		return sink
	}
	return NewLogSink(logger)
}
