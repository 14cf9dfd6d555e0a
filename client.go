package mcphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientOption represents the options for the client.
type ClientOption func(*Client)

// Client speaks the client side of the Model Context Protocol. The host uses it to talk
// to external MCP servers it proxies, and tests use it to drive a Server end to end.
//
// Connect must be called before any request method; Close releases the session.
type Client struct {
	info           Info
	transport      ClientTransport
	logger         *slog.Logger
	requestTimeout time.Duration

	sess       Session
	serverInfo Info
	serverCap  ServerCapabilities

	mu      sync.Mutex
	pending map[MustString]chan JSONRPCMessage

	done     chan struct{}
	stopOnce sync.Once
}

// NewClient creates an MCP client that connects through transport.
func NewClient(info Info, transport ClientTransport, options ...ClientOption) *Client {
	c := &Client{
		info:           info,
		transport:      transport,
		logger:         slog.Default(),
		requestTimeout: 30 * time.Second,
		pending:        make(map[MustString]chan JSONRPCMessage),
		done:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(slog.String("component", "client"))
	}
}

// WithClientRequestTimeout sets the default timeout for requests without a deadline.
func WithClientRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// Connect starts the session and performs the initialize handshake. It returns once the
// server has answered initialize and the initialized notification has been sent.
func (c *Client) Connect(ctx context.Context) error {
	sess, err := c.transport.StartSession(ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.sess = sess

	go c.listen()

	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      c.info,
	}
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal initialize params: %w", err)
	}

	resMsg, err := c.request(ctx, methodInitialize, paramsBs)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	var res initializeResult
	if err := json.Unmarshal(resMsg.Result, &res); err != nil {
		return fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	if res.ProtocolVersion != protocolVersion {
		return fmt.Errorf("protocol version mismatch: %s != %s", res.ProtocolVersion, protocolVersion)
	}
	c.serverInfo = res.ServerInfo
	c.serverCap = res.Capabilities

	if err := c.sess.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsInitialized,
	}); err != nil {
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	return nil
}

// ServerInfo returns the info the server reported during the handshake.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// ListTools retrieves the server's tool list.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	var result ListToolsResult
	err := c.call(ctx, MethodToolsList, params, &result)
	return result, err
}

// CallTool invokes a tool on the server.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	var result CallToolResult
	err := c.call(ctx, MethodToolsCall, params, &result)
	return result, err
}

// ListResources retrieves the server's resource list.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	var result ListResourcesResult
	err := c.call(ctx, MethodResourcesList, params, &result)
	return result, err
}

// ReadResource reads a resource from the server.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	var result ReadResourceResult
	err := c.call(ctx, MethodResourcesRead, params, &result)
	return result, err
}

// ListResourceTemplates retrieves the server's resource template list.
func (c *Client) ListResourceTemplates(
	ctx context.Context,
	params ListResourceTemplatesParams,
) (ListResourceTemplatesResult, error) {
	var result ListResourceTemplatesResult
	err := c.call(ctx, MethodResourcesTemplatesList, params, &result)
	return result, err
}

// ListPrompts retrieves the server's prompt list.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptsResult, error) {
	var result ListPromptsResult
	err := c.call(ctx, MethodPromptsList, params, &result)
	return result, err
}

// GetPrompt renders a prompt on the server.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	var result GetPromptResult
	err := c.call(ctx, MethodPromptsGet, params, &result)
	return result, err
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.request(ctx, methodPing, nil)
	return err
}

// Close stops the session and fails any in-flight requests.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.done)
		if c.sess != nil {
			c.sess.Stop()
		}
	})
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	resMsg, err := c.request(ctx, method, paramsBs)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(resMsg.Result, result); err != nil {
		return fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return nil
}

func (c *Client) request(ctx context.Context, method string, params json.RawMessage) (JSONRPCMessage, error) {
	if c.sess == nil {
		return JSONRPCMessage{}, errors.New("client is not connected")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	msgID := MustString(uuid.New().String())
	results := make(chan JSONRPCMessage, 1)

	c.mu.Lock()
	c.pending[msgID] = results
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msgID)
		c.mu.Unlock()
	}()

	if err := c.sess.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msgID,
		Method:  method,
		Params:  params,
	}); err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case resMsg := <-results:
		if resMsg.Error != nil {
			return JSONRPCMessage{}, *resMsg.Error
		}
		return resMsg, nil
	case <-ctx.Done():
		return JSONRPCMessage{}, ctx.Err()
	case <-c.done:
		return JSONRPCMessage{}, errors.New("client is closed")
	}
}

// listen routes responses to their waiting requester and answers server pings. It exits
// when the session closes.
func (c *Client) listen() {
	for msg := range c.sess.Messages() {
		if msg.JSONRPC != JSONRPCVersion {
			continue
		}

		if msg.Method == methodPing {
			go func(msgID MustString) {
				ctx, cancel := context.WithTimeout(context.Background(), c.requestTimeout)
				defer cancel()
				if err := c.sess.Send(ctx, JSONRPCMessage{
					JSONRPC: JSONRPCVersion,
					ID:      msgID,
					Result:  json.RawMessage(`{}`),
				}); err != nil {
					c.logger.Error("failed to answer ping", slog.String("err", err.Error()))
				}
			}(msg.ID)
			continue
		}

		if msg.Method != "" {
			// Server notifications are not consumed by the host.
			continue
		}

		c.mu.Lock()
		results, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case results <- msg:
		default:
		}
	}
}
