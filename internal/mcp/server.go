// Package mcp exposes the retrieval service to agents over Model Context Protocol
// JSON-RPC.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/arturoeanton/rag-service/internal/service"
)

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
)

// Server implements the Model Context Protocol (MCP) server.
type Server struct {
	ragService  *service.RAGService
	port        string
	name        string
	defaultTopK int
	maxTopK     int

	// closing is closed at shutdown to release open SSE streams.
	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates a new MCP server.
func NewServer(ragService *service.RAGService, port, name string, defaultTopK, maxTopK int) *Server {
	return &Server{
		ragService:  ragService,
		port:        port,
		name:        name,
		defaultTopK: defaultTopK,
		maxTopK:     maxTopK,
		closing:     make(chan struct{}),
	}
}

// Tool represents an MCP tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// Handler returns the MCP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", s.handleRPC)
	mux.HandleFunc("/mcp/sse", s.handleSSE)
	return mux
}

// Run serves MCP on the configured port until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+s.port)
	if err != nil {
		return err
	}
	slog.Info("MCP server starting", "port", s.port)
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(s.closeStreams)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) closeStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, nil, codeParseError, "parse error")
		return
	}

	var result any
	var err error

	switch req.Method {
	case "tools/list":
		result = s.listTools()
	case "tools/call":
		result, err = s.callTool(r.Context(), req.Params)
	case "initialize":
		result = map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo": map[string]string{
				"name":    s.name,
				"version": "1.0.0",
			},
			"capabilities": map[string]any{
				"tools": map[string]bool{"listChanged": false},
			},
		}
	default:
		writeError(w, req.ID, codeMethodNotFound, "method not found")
		return
	}

	if err != nil {
		code := codeInternal
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			code = rpcErr.Code
		}
		slog.Warn("MCP call failed", "method", req.Method, "error", err)
		writeError(w, req.ID, code, err.Error())
		return
	}

	writeResult(w, req.ID, result)
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	fmt.Fprintf(w, "event: endpoint\ndata: /mcp\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	select {
	case <-r.Context().Done():
	case <-s.closing:
	}
}

func (s *Server) listTools() map[string]any {
	tools := []Tool{
		{
			Name:        "search_chunks",
			Description: "Rank stored chunks by cosine similarity to a query, without generating an answer",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"query": {"type": "string", "description": "Search query"},
					"top_k": {"type": "integer", "description": "Number of matches (1-20)"}
				},
				"required": ["query"]
			}`),
		},
		{
			Name:        "ask",
			Description: "Answer a question grounded in the stored chunks",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"question": {"type": "string", "description": "Question to answer"},
					"top_k": {"type": "integer", "description": "Number of chunks used as context (1-20)"}
				},
				"required": ["question"]
			}`),
		},
		{
			Name:        "ingest_text",
			Description: "Chunk, embed and store a piece of text",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"text": {"type": "string", "description": "Raw text to ingest"}
				},
				"required": ["text"]
			}`),
		},
	}
	return map[string]any{"tools": tools}
}

type toolArgs struct {
	Query    string `json:"query"`
	Question string `json:"question"`
	Text     string `json:"text"`
	TopK     int    `json:"top_k"`
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, &RPCError{Code: codeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	var args toolArgs
	if len(req.Arguments) > 0 {
		if err := json.Unmarshal(req.Arguments, &args); err != nil {
			return nil, &RPCError{Code: codeInvalidParams, Message: "invalid arguments: " + err.Error()}
		}
	}

	switch req.Name {
	case "search_chunks":
		if strings.TrimSpace(args.Query) == "" {
			return nil, &RPCError{Code: codeInvalidParams, Message: "query is required"}
		}
		topK, err := s.topK(args.TopK)
		if err != nil {
			return nil, err
		}
		matches, _, err := s.ragService.Search(ctx, args.Query, topK)
		if err != nil {
			return nil, err
		}
		var b strings.Builder
		for _, m := range matches {
			text := ""
			if m.Text != nil {
				text = *m.Text
			}
			fmt.Fprintf(&b, "[%s] (%.4f) %s\n", m.ChunkID, m.Score, text)
		}
		return map[string]any{
			"content": textContent(strings.TrimRight(b.String(), "\n")),
			"matches": matches,
		}, nil

	case "ask":
		if strings.TrimSpace(args.Question) == "" {
			return nil, &RPCError{Code: codeInvalidParams, Message: "question is required"}
		}
		topK, err := s.topK(args.TopK)
		if err != nil {
			return nil, err
		}
		answer, err := s.ragService.Query(ctx, args.Question, topK)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"content": textContent(answer.Answer),
			"matches": answer.Matches,
		}, nil

	case "ingest_text":
		result, err := s.ragService.Ingest(ctx, args.Text, nil)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"content":   textContent(fmt.Sprintf("ingested %d chunks", len(result.ChunkIDs))),
			"chunk_ids": result.ChunkIDs,
		}, nil

	default:
		return nil, &RPCError{Code: codeInvalidParams, Message: "unknown tool: " + req.Name}
	}
}

func (s *Server) topK(k int) (int, error) {
	if k == 0 {
		return s.defaultTopK, nil
	}
	if k < 1 || k > s.maxTopK {
		return 0, &RPCError{Code: codeInvalidParams, Message: fmt.Sprintf("top_k must be between 1 and %d", s.maxTopK)}
	}
	return k, nil
}

func textContent(text string) []map[string]any {
	return []map[string]any{{"type": "text", "text": text}}
}

func writeResult(w http.ResponseWriter, id any, result any) {
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id, Result: result}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, id any, code int, message string) {
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
