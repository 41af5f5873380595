package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jwalitptl/notify-api/pkg/logger"
)

const (
	sseInitialBackoff = time.Second
	sseMaxBackoff     = 30 * time.Second
)

// SSESource is an EventSource over a server-sent-events stream.
// Reconnection with backoff is handled here so the bridge only ever
// sees Connected flip; the bridge's poll loop covers the gaps.
type SSESource struct {
	url    string
	token  string
	client *http.Client
	logger *logger.Logger

	mu       sync.Mutex
	handlers map[string]map[int]func(json.RawMessage)
	nextID   int

	connected atomic.Bool
	cancel    context.CancelFunc
	started   bool
}

func NewSSESource(url, token string, log *logger.Logger) *SSESource {
	if log == nil {
		log = logger.NewLogger(nil)
	}
	return &SSESource{
		url:      url,
		token:    token,
		client:   &http.Client{},
		logger:   log,
		handlers: make(map[string]map[int]func(json.RawMessage)),
	}
}

// Start launches the connect/read loop. Call Close to stop it.
func (s *SSESource) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)
}

func (s *SSESource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.started = false
}

func (s *SSESource) Connected() bool {
	return s.connected.Load()
}

func (s *SSESource) Subscribe(event string, handler func(json.RawMessage)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	if s.handlers[event] == nil {
		s.handlers[event] = make(map[int]func(json.RawMessage))
	}
	s.handlers[event][id] = handler

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if hs, ok := s.handlers[event]; ok {
			delete(hs, id)
			if len(hs) == 0 {
				delete(s.handlers, event)
			}
		}
	}
}

func (s *SSESource) run(ctx context.Context) {
	backoff := sseInitialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		if err := s.stream(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("event stream disconnected", "error", err.Error())
		}
		s.connected.Store(false)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > sseMaxBackoff {
			backoff = sseMaxBackoff
		}
	}
}

func (s *SSESource) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &httpStatusError{status: resp.StatusCode}
	}

	s.connected.Store(true)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" && data.Len() > 0 {
				s.dispatch(event, json.RawMessage(data.String()))
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// Comment / heartbeat, ignore.
		}
	}
	return scanner.Err()
}

func (s *SSESource) dispatch(event string, data json.RawMessage) {
	s.mu.Lock()
	hs := s.handlers[event]
	targets := make([]func(json.RawMessage), 0, len(hs))
	for _, h := range hs {
		targets = append(targets, h)
	}
	s.mu.Unlock()

	for _, h := range targets {
		h(data)
	}
}

type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return http.StatusText(e.status)
}
