package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/argus/internal/observability"
	"github.com/haasonsaas/argus/internal/store"
)

// toolHandler executes one tool call with schema-validated arguments.
type toolHandler func(args map[string]any) (any, error)

type registeredTool struct {
	def     Tool
	schema  *jsonschema.Schema
	handler toolHandler
}

// Server dispatches JSON-RPC requests to store-backed tool handlers.
type Server struct {
	store   *store.Store
	logger  *observability.Logger
	version string
	tools   []registeredTool
	byName  map[string]registeredTool
}

// Options configures a Server.
type Options struct {
	Store   *store.Store
	Logger  *observability.Logger
	Version string
}

// NewServer builds the server and compiles every tool schema.
func NewServer(opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		store:   opts.Store,
		logger:  opts.Logger,
		version: opts.Version,
		byName:  make(map[string]registeredTool),
	}
	s.registerTools()
	return s
}

// Register attaches the endpoint to the mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /mcp", s.handle)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, &JSONRPCResponse{
			JSONRPC: "2.0",
			Error:   &JSONRPCError{Code: ErrCodeParseError, Message: "parse error"},
		})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPC(w, &JSONRPCResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &JSONRPCError{Code: ErrCodeInvalidRequest, Message: "invalid request"},
		})
		return
	}

	resp := &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = InitializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    Capabilities{Tools: &ToolsCapability{}},
			ServerInfo:      ServerInfo{Name: "argus", Version: s.version},
		}
	case "notifications/initialized":
		// Notification, nothing to send back.
		w.WriteHeader(http.StatusAccepted)
		return
	case "tools/list":
		defs := make([]Tool, len(s.tools))
		for i, t := range s.tools {
			defs[i] = t.def
		}
		resp.Result = ListToolsResult{Tools: defs}
	case "tools/call":
		result, rpcErr := s.callTool(req.Params)
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}
	default:
		resp.Error = &JSONRPCError{Code: ErrCodeMethodNotFound, Message: "method not found: " + req.Method}
	}
	writeRPC(w, resp)
}

// callTool validates the arguments against the tool's schema and runs
// the handler. Handler failures come back as isError tool results, not
// protocol errors, so the client model can read them.
func (s *Server) callTool(params json.RawMessage) (*ToolCallResult, *JSONRPCError) {
	var call CallToolParams
	if err := json.Unmarshal(params, &call); err != nil {
		return nil, &JSONRPCError{Code: ErrCodeInvalidParams, Message: "invalid params"}
	}
	tool, ok := s.byName[call.Name]
	if !ok {
		return nil, &JSONRPCError{Code: ErrCodeInvalidParams, Message: "unknown tool: " + call.Name}
	}

	args := map[string]any{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return nil, &JSONRPCError{Code: ErrCodeInvalidParams, Message: "arguments must be an object"}
		}
	}
	if err := tool.schema.Validate(args); err != nil {
		return nil, &JSONRPCError{Code: ErrCodeInvalidParams, Message: err.Error()}
	}

	payload, err := tool.handler(args)
	if err != nil {
		s.logger.Warn(context.Background(), "mcp tool call failed", "tool", call.Name, "error", err)
		return &ToolCallResult{
			Content: []ToolResultContent{{Type: "text", Text: err.Error()}},
			IsError: true,
		}, nil
	}
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, &JSONRPCError{Code: ErrCodeInternalError, Message: "result not serializable"}
	}
	return &ToolCallResult{
		Content: []ToolResultContent{{Type: "text", Text: string(text)}},
	}, nil
}

func writeRPC(w http.ResponseWriter, resp *JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// addTool compiles the schema and registers the tool. Schemas are
// literals, a compile failure is a programming error.
func (s *Server) addTool(name, description, schema string, handler toolHandler) {
	compiled := jsonschema.MustCompileString(fmt.Sprintf("mcp://tools/%s.json", name), schema)
	tool := registeredTool{
		def: Tool{
			Name:        name,
			Description: description,
			InputSchema: json.RawMessage(schema),
		},
		schema:  compiled,
		handler: handler,
	}
	s.tools = append(s.tools, tool)
	s.byName[name] = tool
}
