package mcphost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer is a framework-agnostic Server-Sent Events transport that multiplexes many
// concurrent client sessions over one HTTP listener. Server-to-client traffic streams
// over the SSE connection; client-to-server traffic arrives on a matching POST endpoint
// keyed by the sessionId query parameter.
//
// The HandleSSE and HandleMessage handlers can be mounted on any mux. Instances are
// created with NewSSEServer and shut down with Shutdown.
type SSEServer struct {
	messagesPath      string
	keepAliveInterval time.Duration
	logger            *slog.Logger

	mu           *sync.Mutex
	sessionsByID map[string]*sseServerSession

	sessions chan Session
	done     chan struct{}
	closed   chan struct{}
}

// SSEServerOption configures an SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient implements ClientTransport over an SSE stream plus HTTP POSTs.
// Instances are created with NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger
}

type sseServerSession struct {
	id     string
	sess   *sse.Session
	logger *slog.Logger

	sendMsgs     chan sseSendReq
	receivedMsgs chan JSONRPCMessage

	done           chan struct{}
	stopOnce       *sync.Once
	sendClosed     chan struct{}
	receivedClosed chan struct{}
}

type sseSendReq struct {
	msg  *sse.Message
	errs chan<- error
}

type sseClientSession struct {
	id         string
	httpClient *http.Client
	messageURL string
	logger     *slog.Logger

	messages chan JSONRPCMessage
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce *sync.Once
}

var defaultKeepAliveInterval = 15 * time.Second

// NewSSEServer creates an SSE server whose clients POST messages to messagesPath. The
// path is handed to each client through the initial endpoint event, with the session id
// appended as a query parameter.
func NewSSEServer(messagesPath string, options ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		messagesPath:      messagesPath,
		keepAliveInterval: defaultKeepAliveInterval,
		logger:            slog.Default(),
		mu:                &sync.Mutex{},
		sessionsByID:      make(map[string]*sseServerSession),
		sessions:          make(chan Session, 5),
		done:              make(chan struct{}),
		closed:            make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithSSEServerLogger sets the logger for the SSE server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(slog.String("component", "sse"))
	}
}

// WithSSEKeepAliveInterval sets the interval between keep-alive comments on each stream.
func WithSSEKeepAliveInterval(interval time.Duration) SSEServerOption {
	return func(s *SSEServer) {
		s.keepAliveInterval = interval
	}
}

// NewSSEClient creates an SSE client that connects to connectURL. A nil httpClient
// falls back to http.DefaultClient.
func NewSSEClient(connectURL string, httpClient *http.Client) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	return &SSEClient{
		httpClient: cli,
		connectURL: connectURL,
		logger:     slog.Default(),
	}
}

// Sessions implements ServerTransport. It yields a Session for every SSE connection
// until Shutdown is called.
func (s *SSEServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown stops the server: active sessions are closed and the Sessions iteration
// exits. It blocks until the iteration loop has finished or ctx expires.
func (s *SSEServer) Shutdown(ctx context.Context) error {
	close(s.done)

	s.mu.Lock()
	for _, sess := range s.sessionsByID {
		sess.Stop()
	}
	s.sessionsByID = make(map[string]*sseServerSession)
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns the http.Handler establishing SSE streams. Each GET upgrades the
// connection, assigns a fresh unguessable session id, emits the endpoint event carrying
// the messages path for that session, and keeps the stream open until the client
// disconnects or the server shuts down.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		endpoint := fmt.Sprintf("%s?sessionId=%s", s.messagesPath, sessID)
		msg := sse.Message{Type: sse.Type("endpoint")}
		msg.AppendData(endpoint)
		if err := sess.Send(&msg); err != nil {
			s.logger.Error("failed to write endpoint event", "err", err)
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush endpoint event", "err", err)
			return
		}

		srvSession := &sseServerSession{
			id:             sessID,
			sess:           sess,
			logger:         s.logger.With(slog.String("sessionId", sessID)),
			sendMsgs:       make(chan sseSendReq, 5),
			receivedMsgs:   make(chan JSONRPCMessage, 5),
			done:           make(chan struct{}),
			stopOnce:       &sync.Once{},
			sendClosed:     make(chan struct{}),
			receivedClosed: make(chan struct{}),
		}

		s.mu.Lock()
		s.sessionsByID[sessID] = srvSession
		s.mu.Unlock()

		go srvSession.processSendMessages()
		go s.keepAlive(srvSession)

		select {
		case s.sessions <- srvSession:
		case <-s.done:
			srvSession.Stop()
			s.removeSession(sessID)
			return
		}

		// Keep the connection open until the session closes or the client goes away.
		select {
		case <-srvSession.done:
		case <-r.Context().Done():
			srvSession.Stop()
		}
		s.removeSession(sessID)
	})
}

// HandleMessage returns the http.Handler for inbound client POSTs. The sessionId query
// parameter selects the target session; a missing or unknown id is a client error and
// never reaches the registry. Accepted messages are answered with 202.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionId")
		if sessID == "" {
			s.logger.Warn("missing sessionId query parameter")
			http.Error(w, "missing sessionId query parameter", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		sess, ok := s.sessionsByID[sessID]
		s.mu.Unlock()
		if !ok {
			s.logger.Warn("unknown session", slog.String("sessionId", sessID))
			http.Error(w, "unknown session", http.StatusBadRequest)
			return
		}

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			nErr := fmt.Errorf("failed to decode message: %w", err)
			s.logger.Warn("failed to decode message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		// Messages for a closed session are dropped, not queued.
		select {
		case sess.receivedMsgs <- msg:
			w.WriteHeader(http.StatusAccepted)
		case <-sess.done:
			http.Error(w, "session closed", http.StatusBadRequest)
		case <-s.done:
		}
	})
}

func (s *SSEServer) removeSession(sessID string) {
	s.mu.Lock()
	delete(s.sessionsByID, sessID)
	s.mu.Unlock()
}

func (s *SSEServer) keepAlive(sess *sseServerSession) {
	ticker := time.NewTicker(s.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.done:
			return
		case <-s.done:
			return
		case <-ticker.C:
		}

		msg := &sse.Message{}
		msg.AppendComment("keep-alive")
		select {
		case sess.sendMsgs <- sseSendReq{msg: msg}:
		case <-sess.done:
			return
		}
	}
}

func (s *sseServerSession) ID() string { return s.id }

func (s *sseServerSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	sseMsg := &sse.Message{Type: sse.Type("message")}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	// Writes are queued through one goroutine to avoid racing inside the sse library.
	select {
	case s.sendMsgs <- sseSendReq{msg: sseMsg, errs: errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errors.New("session is closed")
	}

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errors.New("session is closed")
	}
}

func (s *sseServerSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		defer close(s.receivedClosed)

		for {
			select {
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s *sseServerSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *sseServerSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			err := s.sess.Send(sm.msg)
			if err == nil {
				err = s.sess.Flush()
			}
			if err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))
			}
			if sm.errs != nil {
				select {
				case sm.errs <- err:
				default:
				}
			}
		case <-s.done:
			return
		}
	}
}

// StartSession implements ClientTransport. It opens the SSE stream, waits for the
// endpoint event, and returns a session whose Send posts to the advertised endpoint.
func (c *SSEClient) StartSession(ctx context.Context) (Session, error) {
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.connectURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	sess := &sseClientSession{
		httpClient: c.httpClient,
		logger:     c.logger,
		messages:   make(chan JSONRPCMessage),
		cancel:     cancel,
		done:       make(chan struct{}),
		stopOnce:   &sync.Once{},
	}

	endpointReady := make(chan error, 1)
	go sess.listenSSE(resp.Body, c.connectURL, endpointReady)

	select {
	case err := <-endpointReady:
		if err != nil {
			sess.Stop()
			return nil, err
		}
	case <-ctx.Done():
		sess.Stop()
		return nil, ctx.Err()
	}

	return sess, nil
}

func (s *sseClientSession) listenSSE(body io.ReadCloser, connectURL string, ready chan<- error) {
	defer func() {
		body.Close()
		close(s.messages)
	}()

	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE event", "err", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			endpoint, err := resolveEndpoint(connectURL, ev.Data)
			if err != nil {
				ready <- err
				return
			}
			s.messageURL = endpoint.String()
			s.id = endpoint.Query().Get("sessionId")
			ready <- nil
		case "message":
			if s.messageURL == "" {
				s.logger.Error("received message before endpoint event")
				continue
			}
			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				s.logger.Error("failed to unmarshal message", "err", err)
				continue
			}
			select {
			case s.messages <- msg:
			case <-s.done:
				return
			}
		default:
			// Keep-alive comments surface as empty events; anything else is unexpected.
		}
	}
}

// resolveEndpoint resolves the endpoint-event data against the connect URL, so servers
// may advertise either an absolute URL or a bare path.
func resolveEndpoint(connectURL, data string) (*url.URL, error) {
	base, err := url.Parse(connectURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connect URL: %w", err)
	}
	ref, err := url.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	resolved := base.ResolveReference(ref)
	if resolved.String() == "" {
		return nil, errors.New("empty endpoint URL")
	}
	return resolved, nil
}

func (s *sseClientSession) ID() string { return s.id }

func (s *sseClientSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

func (s *sseClientSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg, ok := <-s.messages:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			case <-s.done:
				return
			}
		}
	}
}

func (s *sseClientSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
}
