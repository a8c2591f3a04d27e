// Package rpcio implements the line-delimited JSON-RPC loop the server speaks
// on stdio. Transport concerns only: requests in, responses out, one JSON
// object per line. Tool semantics live in the registered handlers.
package rpcio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/browsermcp/server/lib/kinderr"
	"github.com/browsermcp/server/lib/logger"
)

// maxLineBytes bounds one request line; a screenshot upload fits, a runaway
// stream does not.
const maxLineBytes = 16 * 1024 * 1024

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

// ToolFunc handles one tools/call invocation.
type ToolFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Tool describes one callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	fn          ToolFunc
}

type request struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Server dispatches JSON-RPC requests to registered tools.
type Server struct {
	name      string
	version   string
	sessionID string
	logger    *slog.Logger

	mu     sync.Mutex
	tools  []*Tool
	byName map[string]*Tool

	writeMu sync.Mutex
}

// New builds a server identifying itself with the given name and version.
func New(name, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		name:      name,
		version:   version,
		sessionID: uuid.NewString(),
		logger:    logger,
		byName:    map[string]*Tool{},
	}
}

// Register adds a tool. Re-registering a name replaces it.
func (s *Server) Register(name, description string, schema map[string]any, fn ToolFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tool := &Tool{Name: name, Description: description, InputSchema: schema, fn: fn}
	if existing, ok := s.byName[name]; ok {
		*existing = *tool
		return
	}
	s.tools = append(s.tools, tool)
	s.byName[name] = tool
}

// Serve reads newline-delimited requests until EOF or context cancellation.
// Requests run concurrently; responses are serialized onto w. Notifications
// (no id) get no response.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if len(scanner.Bytes()) == 0 {
			continue
		}
		// Handlers run concurrently and keep RawMessage views of the line;
		// the scanner reuses its buffer, so detach it.
		line := append([]byte(nil), scanner.Bytes()...)
		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, response{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}})
			continue
		}
		if req.Method == "" {
			s.write(w, response{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "missing method"}})
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.dispatch(ctx, w, req)
		}()
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading requests: %w", err)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, w io.Writer, req request) {
	ctx = logger.AddToContext(ctx, s.logger.With("method", req.Method))
	result, rpcErr := s.handle(ctx, req)
	if req.ID == nil {
		return
	}
	resp := response{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr}
	s.write(w, resp)
}

func (s *Server) handle(ctx context.Context, req request) (any, *rpcError) {
	switch req.Method {
	case "initialize":
		return map[string]any{
			"serverInfo":   map[string]any{"name": s.name, "version": s.version},
			"sessionId":    s.sessionID,
			"capabilities": map[string]any{"tools": map[string]any{}},
		}, nil
	case "ping":
		return map[string]any{}, nil
	case "tools/list":
		return map[string]any{"tools": s.listTools()}, nil
	case "tools/call":
		return s.callTool(ctx, req.Params), nil
	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

func (s *Server) listTools() []*Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

// callTool never produces a JSON-RPC error: tool failures are results with
// ok:false so agents always get the reason/suggestion pair.
func (s *Server) callTool(ctx context.Context, params json.RawMessage) map[string]any {
	var call struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &call); err != nil || call.Name == "" {
		return failure(kinderr.New(kinderr.KindValidation,
			"tools/call needs {name, arguments}", "pass the tool name and a JSON arguments object"))
	}
	s.mu.Lock()
	tool := s.byName[call.Name]
	s.mu.Unlock()
	if tool == nil {
		return failure(kinderr.New(kinderr.KindNotFound,
			fmt.Sprintf("no tool named %q", call.Name), "call tools/list for the available tools"))
	}

	result, err := tool.fn(ctx, call.Arguments)
	if err != nil {
		s.logger.Warn("tool failed", "tool", call.Name, "err", err)
		return failure(err)
	}
	return success(result)
}

// success folds a handler's result into the {ok:true, ...} shape. Object
// results are merged at the top level; anything else lands under "value".
func success(result any) map[string]any {
	out := map[string]any{"ok": true}
	if result == nil {
		return out
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return out
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		out["value"] = json.RawMessage(raw)
		return out
	}
	for k, v := range fields {
		if k != "ok" {
			out[k] = v
		}
	}
	return out
}

func failure(err error) map[string]any {
	detail := map[string]any{"reason": err.Error()}
	if ke := kinderr.From(err); ke != nil {
		detail["kind"] = ke.Kind
		detail["reason"] = ke.Reason
		if ke.Suggestion != "" {
			detail["suggestion"] = ke.Suggestion
		}
		if len(ke.Details) > 0 {
			detail["details"] = ke.Details
		}
	}
	return map[string]any{"ok": false, "error": detail}
}

func (s *Server) write(w io.Writer, resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshaling response failed", "err", err)
		data, _ = json.Marshal(response{JSONRPC: "2.0", ID: resp.ID,
			Error: &rpcError{Code: codeInternalError, Message: "internal error"}})
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = w.Write(append(data, '\n'))
}
