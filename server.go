package mcphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server speaks the Model Context Protocol on behalf of a capability registry. It owns
// the connection lifecycle for every session the transport yields and dispatches
// protocol requests against the registry.
type Server struct {
	info         Info
	instructions string
	capabilities ServerCapabilities
	transport    ServerTransport
	registry     *Registry

	callTimeout time.Duration
	sendTimeout time.Duration

	logger *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	sessionsWaitGroup *sync.WaitGroup
	done              chan struct{}
}

type serverSession struct {
	session  Session
	registry *Registry
	logger   *slog.Logger

	serverCap    ServerCapabilities
	serverInfo   Info
	instructions string

	callTimeout time.Duration
	sendTimeout time.Duration
}

var (
	defaultServerCallTimeout = 30 * time.Second
	defaultServerSendTimeout = 30 * time.Second

	errInvalidJSON = errors.New("invalid json")
)

// NewServer creates a protocol server that serves registry's capabilities over transport.
func NewServer(info Info, transport ServerTransport, registry *Registry, options ...ServerOption) *Server {
	s := &Server{
		info:              info,
		transport:         transport,
		registry:          registry,
		logger:            slog.Default(),
		sessionsWaitGroup: &sync.WaitGroup{},
		done:              make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.callTimeout == 0 {
		s.callTimeout = defaultServerCallTimeout
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}

	// The registry backs all three capability families, so all three are advertised.
	s.capabilities = ServerCapabilities{
		Prompts:   &PromptsCapability{},
		Resources: &ResourcesCapability{},
		Tools:     &ToolsCapability{},
	}

	return s
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerCallTimeout sets the per-request timeout for registry handler calls.
func WithServerCallTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.callTimeout = timeout
	}
}

// WithServerSendTimeout sets the timeout for sending responses back to the client.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets the callback for when a client connects.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client disconnects.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(slog.String("component", "server"))
	}
}

// Serve accepts sessions from the transport and handles each in its own goroutine.
// It blocks until the transport's Sessions iteration exits.
func (s *Server) Serve() {
	for sess := range s.transport.Sessions() {
		ss := serverSession{
			session:      sess,
			registry:     s.registry,
			logger:       s.logger.With(slog.String("sessionID", sess.ID())),
			serverCap:    s.capabilities,
			serverInfo:   s.info,
			instructions: s.instructions,
			callTimeout:  s.callTimeout,
			sendTimeout:  s.sendTimeout,
		}

		s.sessionsWaitGroup.Add(1)
		go func() {
			defer s.sessionsWaitGroup.Done()

			if s.onClientConnected != nil {
				s.onClientConnected(ss.session.ID(), ss.serverInfo)
			}

			ss.start(s.done)

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(ss.session.ID())
			}
		}()
	}
}

// Shutdown gracefully shuts down the server by terminating all active sessions and
// closing the transport.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.done)

	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	s.sessionsWaitGroup.Wait()
	return nil
}

func (s serverSession) start(done <-chan struct{}) {
	// Stores the cancellation for in-flight requests so notifications/cancelled can
	// abort them.
	ctxCancels := make(map[MustString]context.CancelFunc)
	var cancelsMu sync.Mutex
	// Base context so every in-flight handler is cancelled when the loop breaks.
	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()
	// Until the client confirms initialization, only ping and initialize are served.
	initialized := false

	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-done:
			s.session.Stop()
		case <-sessionDone:
		}
	}()

	// The loop breaks when the session is closed.
	for msg := range s.session.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			s.logger.Info("failed to handle message",
				slog.Any("message", msg),
				slog.String("err", errInvalidJSON.Error()),
			)
			continue
		}
		switch msg.Method {
		case methodPing:
			go func(msgID MustString) {
				pongCtx, pongCancel := context.WithTimeout(context.Background(), s.sendTimeout)
				defer pongCancel()
				if err := s.session.Send(pongCtx, JSONRPCMessage{
					JSONRPC: JSONRPCVersion,
					ID:      msgID,
					Result:  json.RawMessage(`{}`),
				}); err != nil {
					s.logger.Error("failed to send pong", slog.String("err", err.Error()))
				}
			}(msg.ID)
		case methodInitialize:
			go s.handleInitializeRequest(msg)
		case MethodToolsList, MethodToolsCall, MethodResourcesList, MethodResourcesRead,
			MethodResourcesTemplatesList, MethodPromptsList, MethodPromptsGet:
			if !initialized {
				continue
			}
			reqCtx, reqCancel := context.WithTimeout(baseCtx, s.callTimeout)
			cancelsMu.Lock()
			ctxCancels[msg.ID] = reqCancel
			cancelsMu.Unlock()
			go func(msg JSONRPCMessage) {
				defer func() {
					cancelsMu.Lock()
					delete(ctxCancels, msg.ID)
					cancelsMu.Unlock()
					reqCancel()
				}()
				s.handleRegistryMessage(reqCtx, msg)
			}(msg)
		case methodNotificationsInitialized:
			// The session is fully established with the client.
			initialized = true
		case methodNotificationsCancelled:
			if !initialized {
				continue
			}
			// The notification carries no ID of its own; the request to abort is
			// named in the params.
			var params cancelledParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				s.logger.Info("failed to unmarshal cancellation params", slog.String("err", err.Error()))
				continue
			}
			cancelsMu.Lock()
			cancel, ok := ctxCancels[params.RequestID]
			cancelsMu.Unlock()
			if ok {
				cancel()
			}
		case "":
			// A response from the client, e.g. to a server ping. Nothing awaits these.
		default:
			go s.sendError(msg.ID, &JSONRPCError{
				Code:    jsonRPCMethodNotFoundCode,
				Message: fmt.Sprintf("method not found: %s", msg.Method),
			})
		}
	}
}

func (s serverSession) handleInitializeRequest(msg JSONRPCMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	res, err := s.initializationHandshake(msg)
	if err != nil {
		s.logger.Info("invalid initialization request", slog.String("err", err.Error()))
		jsonErr := JSONRPCError{}
		if !errors.As(err, &jsonErr) {
			jsonErr = JSONRPCError{Code: jsonRPCInternalErrorCode, Message: err.Error()}
		}
		if err := s.session.Send(ctx, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msg.ID,
			Error:   &jsonErr,
		}); err != nil {
			s.logger.Error("failed to send initialization error", slog.String("err", err.Error()))
		}
		return
	}
	resBs, _ := json.Marshal(res)
	if err := s.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Result:  resBs,
	}); err != nil {
		s.logger.Error("failed to send initialization result", slog.String("err", err.Error()))
	}
}

func (s serverSession) initializationHandshake(msg JSONRPCMessage) (initializeResult, error) {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return initializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}

	if params.ProtocolVersion != protocolVersion {
		return initializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("protocol version mismatch: %s != %s", params.ProtocolVersion, protocolVersion),
		}
	}

	return initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    s.serverCap,
		ServerInfo:      s.serverInfo,
		Instructions:    s.instructions,
	}, nil
}

func (s serverSession) handleRegistryMessage(ctx context.Context, msg JSONRPCMessage) {
	var result any
	// err is always a JSONRPCError instance; the error type is kept for nil checks.
	var err error

	switch msg.Method {
	case MethodToolsList:
		result = ListToolsResult{Tools: s.registry.Tools()}
	case MethodToolsCall:
		result, err = s.callTool(ctx, msg)
	case MethodResourcesList:
		result = ListResourcesResult{Resources: s.registry.Resources()}
	case MethodResourcesRead:
		result, err = s.readResource(ctx, msg)
	case MethodResourcesTemplatesList:
		result = ListResourceTemplatesResult{Templates: s.registry.ResourceTemplates()}
	case MethodPromptsList:
		result = ListPromptsResult{Prompts: s.registry.Prompts()}
	case MethodPromptsGet:
		result, err = s.getPrompt(ctx, msg)
	default:
		return
	}

	resMsg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
	}

	if err != nil {
		jsonErr := JSONRPCError{}
		if errors.As(err, &jsonErr) {
			s.logger.Error("failed to call registry",
				slog.String("method", msg.Method),
				slog.String("err", err.Error()))
			resMsg.Error = &jsonErr
		}
	} else if result != nil {
		resMsg.Result, _ = json.Marshal(result)
	}

	sendCtx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(sendCtx, resMsg); err != nil {
		s.logger.Error("failed to send result", slog.String("err", err.Error()))
	}
}

func (s serverSession) callTool(ctx context.Context, msg JSONRPCMessage) (CallToolResult, error) {
	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	result, err := s.registry.CallTool(ctx, params.Name, params.Arguments)
	if err != nil {
		// Handler failures are delivered as error content so the client can render
		// them; everything else is a protocol-level error.
		var hErr HandlerError
		if errors.As(err, &hErr) {
			return CallToolResult{
				Content: []Content{{Type: ContentTypeText, Text: hErr.Err.Error()}},
				IsError: true,
			}, nil
		}
		var nfErr NotFoundError
		if errors.As(err, &nfErr) {
			return CallToolResult{}, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: nfErr.Error(),
			}
		}
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: err.Error(),
		}
	}

	return result, nil
}

func (s serverSession) readResource(ctx context.Context, msg JSONRPCMessage) (ReadResourceResult, error) {
	var params ReadResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return ReadResourceResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	result, err := s.registry.ReadResource(ctx, params.URI)
	if err != nil {
		var nfErr NotFoundError
		if errors.As(err, &nfErr) {
			return ReadResourceResult{}, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: nfErr.Error(),
			}
		}
		return ReadResourceResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: fmt.Errorf("failed to read resource: %w", err).Error(),
		}
	}

	return result, nil
}

func (s serverSession) getPrompt(ctx context.Context, msg JSONRPCMessage) (GetPromptResult, error) {
	var params GetPromptParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return GetPromptResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	result, err := s.registry.GetPrompt(ctx, params.Name, params.Arguments)
	if err != nil {
		var nfErr NotFoundError
		if errors.As(err, &nfErr) {
			return GetPromptResult{}, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: nfErr.Error(),
			}
		}
		var hErr HandlerError
		if errors.As(err, &hErr) {
			return GetPromptResult{}, JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: hErr.Error(),
			}
		}
		return GetPromptResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: err.Error(),
		}
	}

	return result, nil
}

func (s serverSession) sendError(msgID MustString, jsonErr *JSONRPCError) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.session.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msgID,
		Error:   jsonErr,
	}); err != nil {
		s.logger.Error("failed to send error response", slog.String("err", err.Error()))
	}
}
