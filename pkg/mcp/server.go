// Package mcp wraps the engine's public operations as a Model Context
// Protocol tool server, so an LLM agent can call status/get_connections/
// spread_activation/submit_stimulus/compute_cd/update_weight/consolidate
// directly as tools. Grounded on pkg/mcp/server.go: mcp-go's
// StreamableHTTPServer, optional API-key middleware, and a token-bucket
// rate limiter are kept verbatim; the Backend interface and tool
// registrations are replaced with this domain's operations.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

const (
	toolStatus           = "ragp_status"
	toolGetConnections   = "ragp_get_connections"
	toolSpreadActivation = "ragp_spread_activation"
	toolSubmitStimulus   = "ragp_submit_stimulus"
	toolComputeCD        = "ragp_compute_cd"
	toolUpdateWeight     = "ragp_update_weight"
	toolConsolidate      = "ragp_consolidate"
)

// Config controls MCP route behavior.
type Config struct {
	APIKey         string
	RateLimitRPS   float64
	RateLimitBurst int
	EnablePrompts  bool
	AllowedTools   []string
}

// Backend is the minimal capability contract exposed to MCP tools: the
// engine's read and write façades, narrowed to what the tools below need.
type Backend interface {
	Status(ctx context.Context) (map[string]any, error)
	GetConnections(ctx context.Context, sender uint64) ([]map[string]any, error)
	SpreadActivation(ctx context.Context, node uint64, strength float64, sync bool) ([]map[string]any, error)
	SubmitStimulus(ctx context.Context, node uint64, strength float64, source string) error
	ComputeCD(ctx context.Context, nodeIDs []uint64, topK int) ([]map[string]any, error)
	UpdateWeight(ctx context.Context, sender, receiver uint64, weight float32, tick uint32) error
	Consolidate(ctx context.Context) (map[string]any, error)
}

// NewHandler builds an MCP streamable HTTP handler with optional API-key
// auth and endpoint-local rate limiting.
func NewHandler(cfg Config, backend Backend) (http.Handler, error) {
	if backend == nil {
		return nil, fmt.Errorf("mcp backend is required")
	}

	s := mcpserver.NewMCPServer(
		"ragp-mcp",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(cfg.EnablePrompts),
		mcpserver.WithRecovery(),
	)

	registerTools(s, backend, cfg.AllowedTools)
	if cfg.EnablePrompts {
		registerPrompts(s)
	}

	streamable := mcpserver.NewStreamableHTTPServer(s)
	var h http.Handler = http.HandlerFunc(streamable.ServeHTTP)

	if strings.TrimSpace(cfg.APIKey) != "" {
		h = apiKeyMiddleware(strings.TrimSpace(cfg.APIKey), h)
	}
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst > 0 {
		h = rateLimitMiddleware(newRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), h)
	}

	return h, nil
}

func registerTools(s *mcpserver.MCPServer, backend Backend, allowed []string) {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, name := range allowed {
		name = strings.TrimSpace(name)
		if name != "" {
			allowedSet[name] = struct{}{}
		}
	}
	isAllowed := func(name string) bool {
		if len(allowedSet) == 0 {
			return true
		}
		_, ok := allowedSet[name]
		return ok
	}

	if isAllowed(toolStatus) {
		s.AddTool(mcpproto.NewTool(toolStatus,
			mcpproto.WithDescription("Report the engine's C9 status snapshot: cache occupancy, guard_mode, queue depths, registry version."),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			result, err := backend.Status(ctx)
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("status snapshot", result)
		})
	}

	if isAllowed(toolGetConnections) {
		s.AddTool(mcpproto.NewTool(toolGetConnections,
			mcpproto.WithDescription("List the effective outgoing synapses of a sender node."),
			mcpproto.WithNumber("sender", mcpproto.Required(), mcpproto.Description("Sender node id.")),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			args := req.GetArguments()
			sender, ok := getUint(args, "sender")
			if !ok {
				return errResult("sender is required"), nil
			}
			result, err := backend.GetConnections(ctx, sender)
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("connections listed", result)
		})
	}

	if isAllowed(toolSpreadActivation) {
		s.AddTool(mcpproto.NewTool(toolSpreadActivation,
			mcpproto.WithDescription("Spread activation from a node. sync=false previews the spread without mutating state; sync=true runs the write-capable synchronous fallback."),
			mcpproto.WithNumber("node", mcpproto.Required(), mcpproto.Description("Node id to spread activation from.")),
			mcpproto.WithNumber("strength", mcpproto.Required(), mcpproto.Description("Stimulus strength.")),
			mcpproto.WithBoolean("sync", mcpproto.Description("If true, mutate kernel state via the synchronous fallback instead of previewing.")),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			args := req.GetArguments()
			node, ok := getUint(args, "node")
			if !ok {
				return errResult("node is required"), nil
			}
			strength := getFloat(args, "strength", 1.0)
			sync := getBool(args, "sync", false)
			result, err := backend.SpreadActivation(ctx, node, strength, sync)
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("activation spread", result)
		})
	}

	if isAllowed(toolSubmitStimulus) {
		s.AddTool(mcpproto.NewTool(toolSubmitStimulus,
			mcpproto.WithDescription("Inject external activation at a node through the async ingress path."),
			mcpproto.WithNumber("node", mcpproto.Required(), mcpproto.Description("Node id to stimulate.")),
			mcpproto.WithNumber("strength", mcpproto.Required(), mcpproto.Description("Stimulus strength.")),
			mcpproto.WithString("source", mcpproto.Description("Free-text label identifying the stimulus origin.")),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			args := req.GetArguments()
			node, ok := getUint(args, "node")
			if !ok {
				return errResult("node is required"), nil
			}
			strength := getFloat(args, "strength", 1.0)
			source := getString(args, "source", "mcp")
			if err := backend.SubmitStimulus(ctx, node, strength, source); err != nil {
				return errResult(err.Error()), nil
			}
			return textResult("stimulus submitted"), nil
		})
	}

	if isAllowed(toolComputeCD) {
		s.AddTool(mcpproto.NewTool(toolComputeCD,
			mcpproto.WithDescription("Score action-node candidates by accumulated incoming activation minus base cost, returning the top K."),
			mcpproto.WithString("node_ids", mcpproto.Description("Optional JSON array of candidate node ids; omit to score every registered action node.")),
			mcpproto.WithNumber("top_k", mcpproto.Description("Maximum number of results to return (default 5).")),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			args := req.GetArguments()
			var nodeIDs []uint64
			if raw := getString(args, "node_ids", ""); raw != "" {
				if err := json.Unmarshal([]byte(raw), &nodeIDs); err != nil {
					return errResult("node_ids must be a JSON array of integers"), nil
				}
			}
			topK := getInt(args, "top_k", 5)
			result, err := backend.ComputeCD(ctx, nodeIDs, topK)
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("compute_cd completed", result)
		})
	}

	if isAllowed(toolUpdateWeight) {
		s.AddTool(mcpproto.NewTool(toolUpdateWeight,
			mcpproto.WithDescription("Set one synapse's weight, serialized through the sender's owning shard."),
			mcpproto.WithNumber("sender", mcpproto.Required(), mcpproto.Description("Sender node id.")),
			mcpproto.WithNumber("receiver", mcpproto.Required(), mcpproto.Description("Receiver node id.")),
			mcpproto.WithNumber("weight", mcpproto.Required(), mcpproto.Description("New weight in [0,1].")),
			mcpproto.WithNumber("tick", mcpproto.Description("Logical tick for last-write-wins ordering (default 0).")),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			args := req.GetArguments()
			sender, ok := getUint(args, "sender")
			if !ok {
				return errResult("sender is required"), nil
			}
			receiver, ok := getUint(args, "receiver")
			if !ok {
				return errResult("receiver is required"), nil
			}
			weight := getFloat(args, "weight", -1)
			if weight < 0 || weight > 1 {
				return errResult("weight must be in [0,1]"), nil
			}
			tick := uint32(getInt(args, "tick", 0))
			if err := backend.UpdateWeight(ctx, sender, receiver, float32(weight), tick); err != nil {
				return errResult(err.Error()), nil
			}
			return textResult("weight updated"), nil
		})
	}

	if isAllowed(toolConsolidate) {
		s.AddTool(mcpproto.NewTool(toolConsolidate,
			mcpproto.WithDescription("Run the consolidation barrier: merge the delta log into the base store and truncate it."),
		), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			result, err := backend.Consolidate(ctx)
			if err != nil {
				return errResult(err.Error()), nil
			}
			return structuredResult("consolidation completed", result)
		})
	}
}

func registerPrompts(s *mcpserver.MCPServer) {
	s.AddPrompt(mcpproto.NewPrompt("ragp_action_selection",
		mcpproto.WithPromptDescription("Generate an action-selection workflow: spread activation from a sensor, then score candidate actions."),
		mcpproto.WithArgument("sensor_node", mcpproto.RequiredArgument(), mcpproto.ArgumentDescription("The sensor node id to stimulate.")),
	), func(_ context.Context, req mcpproto.GetPromptRequest) (*mcpproto.GetPromptResult, error) {
		sensor := req.Params.Arguments["sensor_node"]
		return &mcpproto.GetPromptResult{
			Description: "RAGP action-selection workflow",
			Messages: []mcpproto.PromptMessage{
				{
					Role: mcpproto.RoleUser,
					Content: mcpproto.TextContent{
						Type: "text",
						Text: fmt.Sprintf("Stimulate sensor node %q with ragp_submit_stimulus, then call ragp_compute_cd to rank candidate actions and report the top result.", sensor),
					},
				},
			},
		}, nil
	})
}

func textResult(text string) *mcpproto.CallToolResult {
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.TextContent{Type: "text", Text: text},
		},
	}
}

func errResult(msg string) *mcpproto.CallToolResult {
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.TextContent{Type: "text", Text: "Error: " + msg},
		},
		IsError: true,
	}
}

func structuredResult(summary string, data any) (*mcpproto.CallToolResult, error) {
	blob, err := json.Marshal(data)
	if err != nil {
		return errResult(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.TextContent{Type: "text", Text: summary},
			mcpproto.TextContent{Type: "text", Text: string(blob)},
		},
	}, nil
}

func getString(args map[string]any, key string, def string) string {
	if args == nil {
		return def
	}
	if v, ok := args[key].(string); ok {
		return v
	}
	return def
}

func getInt(args map[string]any, key string, def int) int {
	if args == nil {
		return def
	}
	v, ok := args[key].(float64)
	if !ok {
		return def
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return int(v)
}

func getFloat(args map[string]any, key string, def float64) float64 {
	if args == nil {
		return def
	}
	v, ok := args[key].(float64)
	if !ok {
		return def
	}
	return v
}

func getUint(args map[string]any, key string) (uint64, bool) {
	if args == nil {
		return 0, false
	}
	v, ok := args[key].(float64)
	if !ok || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return uint64(v), true
}

func getBool(args map[string]any, key string, def bool) bool {
	if args == nil {
		return def
	}
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func apiKeyMiddleware(expected string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		provided := strings.TrimSpace(r.Header.Get("X-API-Key"))
		if provided == "" {
			auth := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				provided = strings.TrimSpace(auth[7:])
			}
		}

		if provided == "" || provided != expected {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type rateLimitEntry struct {
	tokens float64
	last   time.Time
}

type rateLimiter struct {
	rps   float64
	burst float64

	mu      sync.Mutex
	clients map[string]rateLimitEntry
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	return &rateLimiter{
		rps:     rps,
		burst:   float64(burst),
		clients: make(map[string]rateLimitEntry),
	}
}

func (rl *rateLimiter) allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.clients[key]
	if !ok {
		rl.clients[key] = rateLimitEntry{tokens: rl.burst - 1, last: now}
		return true
	}

	elapsed := now.Sub(entry.last).Seconds()
	entry.tokens = math.Min(rl.burst, entry.tokens+elapsed*rl.rps)
	entry.last = now
	if entry.tokens < 1 {
		rl.clients[key] = entry
		return false
	}
	entry.tokens -= 1
	rl.clients[key] = entry
	return true
}

func rateLimitMiddleware(rl *rateLimiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientAddr(r)
		if !rl.allow(key) {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if strings.TrimSpace(r.RemoteAddr) != "" {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return "unknown"
}
