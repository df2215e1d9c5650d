// Package api implements the engine's HTTP status/control surface: the
// public operations of SPEC_FULL.md §6 exposed as REST endpoints, a
// Prometheus scrape endpoint, and an optional admin surface for runtime
// config patching, all behind the same CORS/rate-limit/body-limit/logging
// middleware stack the teacher's pkg/api/server.go wraps every route in.
package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ragp/engine/pkg/api/apierr"
	"github.com/ragp/engine/pkg/config"
	"github.com/ragp/engine/pkg/engine"
	"github.com/ragp/engine/pkg/graph"
	"github.com/ragp/engine/pkg/kernel"
	mcpapi "github.com/ragp/engine/pkg/mcp"
	"github.com/ragp/engine/pkg/metrics"
	"github.com/ragp/engine/pkg/ragperr"
	"github.com/ragp/engine/pkg/registry"
	"github.com/ragp/engine/pkg/shard"
)

// Server is the HTTP status/control API server.
type Server struct {
	eng        *engine.Engine
	view       *engine.View
	registry   *registry.Registry
	collectors *metrics.Collectors
	gatherer   prometheus.Gatherer
	config     *config.Config

	httpServer *http.Server
	addr       string
	mcpPath    string

	rateLimitEnabled  bool
	rateLimitRequests int
	rateLimitWindow   time.Duration
	rateLimitMu       sync.Mutex
	rateLimitEntries  map[string]rateLimitEntry
}

const (
	defaultRateLimitWindow  = time.Minute
	defaultRateLimitRequest = 10000
	defaultComputeCDTopK    = 5
	maxComputeCDTopK        = 100
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// Deps bundles the already-constructed engine components a Server wraps.
// cmd/ragp builds all of these once at startup and passes them through.
type Deps struct {
	Engine     *engine.Engine
	View       *engine.View
	Registry   *registry.Registry
	Collectors *metrics.Collectors
	Gatherer   prometheus.Gatherer
}

// NewServer wires the HTTP mux and middleware stack around deps.
func NewServer(addr string, cfg *config.Config, deps Deps) *Server {
	s := &Server{
		eng:               deps.Engine,
		view:              deps.View,
		registry:          deps.Registry,
		collectors:        deps.Collectors,
		gatherer:          deps.Gatherer,
		config:            cfg,
		addr:              addr,
		rateLimitEnabled:  true,
		rateLimitRequests: defaultRateLimitRequest,
		rateLimitWindow:   defaultRateLimitWindow,
		rateLimitEntries:  make(map[string]rateLimitEntry),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)

	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/connections/", s.handleGetConnections)
	mux.HandleFunc("/v1/spread", s.handleSpreadActivation)
	mux.HandleFunc("/v1/stimulus", s.handleSubmitStimulus)
	mux.HandleFunc("/v1/stimuli", s.handleSubmitStimuli)
	mux.HandleFunc("/v1/compute_cd", s.handleComputeCD)
	mux.HandleFunc("/v1/weight", s.handleUpdateWeight)
	mux.HandleFunc("/v1/consolidate", s.handleConsolidate)
	mux.HandleFunc("/v1/registry", s.handleEnsureInnateRegistry)
	mux.HandleFunc("/v1/async/start", s.handleStartAsyncRuntime)
	mux.HandleFunc("/v1/async/stop", s.handleStopAsyncRuntime)
	mux.HandleFunc("/v1/async/policy", s.handleSetAsyncPolicy)
	mux.HandleFunc("/v1/async/metrics", s.handleGetAsyncMetrics)

	if cfg.MCP.Enabled {
		path := cfg.MCP.Path
		if strings.TrimSpace(path) == "" {
			path = "/mcp"
		}
		if len(path) > 1 {
			path = strings.TrimRight(path, "/")
		}
		mcpHandler, err := mcpapi.NewHandler(mcpapi.Config{
			APIKey:         cfg.MCP.APIKey,
			RateLimitRPS:   cfg.MCP.RateLimitRPS,
			RateLimitBurst: cfg.MCP.RateLimitBurst,
			EnablePrompts:  cfg.MCP.EnablePrompts,
			AllowedTools:   cfg.MCP.AllowedTools,
		}, mcpapi.NewEngineBackend(deps.Engine, deps.View, deps.Registry))
		if err == nil {
			s.mcpPath = path
			mux.Handle(path, mcpHandler)
		}
	}

	if cfg.Admin.Enabled {
		mux.HandleFunc("/admin/login", s.handleAdminLogin)
		mux.HandleFunc("/admin/config", s.requireAdmin(s.handleAdminConfig))
	}

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.withMiddleware(mux),
		ReadTimeout:  cfg.Security.ReadTimeout,
		WriteTimeout: cfg.Security.WriteTimeout,
	}
	return s
}

// Start begins serving, using TLS if a cert/key pair is configured.
func (s *Server) Start() error {
	if s.config.Security.TLSCert != "" && s.config.Security.TLSKey != "" {
		return s.httpServer.ListenAndServeTLS(s.config.Security.TLSCert, s.config.Security.TLSKey)
	}
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.isMCPPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		requestOrigin := r.Header.Get("Origin")
		if requestOrigin != "" {
			allowed := s.config.Security.AllowedOrigins == "*"
			if !allowed {
				for _, o := range strings.Split(s.config.Security.AllowedOrigins, ",") {
					if strings.TrimSpace(o) == requestOrigin {
						allowed = true
						break
					}
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", requestOrigin)
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if !s.allowRequestByRateLimit(r) {
			retryAfter := int(s.rateLimitWindow.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			apierr.TooManyRequests(w, "rate limit exceeded")
			return
		}

		if s.config.Security.MaxRequestBody > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.config.Security.MaxRequestBody)
		}
		if r.URL.Path != "/metrics" {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) isMCPPath(path string) bool {
	if s.mcpPath == "" {
		return false
	}
	return path == s.mcpPath || strings.HasPrefix(path, s.mcpPath+"/")
}

// requireAdmin wraps a handler with admin Basic-Auth verification.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="ragp admin"`)
			apierr.Unauthorized(w, "admin authentication required")
			return
		}
		userHash := sha256.Sum256([]byte(user))
		passHash := sha256.Sum256([]byte(pass))
		expectedUserHash := sha256.Sum256([]byte(s.config.Admin.User))
		expectedPassHash := sha256.Sum256([]byte(s.config.Admin.Password))
		userMatch := subtle.ConstantTimeCompare(userHash[:], expectedUserHash[:]) == 1
		passMatch := subtle.ConstantTimeCompare(passHash[:], expectedPassHash[:]) == 1
		if !userMatch || !passMatch {
			apierr.Unauthorized(w, "invalid admin credentials")
			return
		}
		next(w, r)
	}
}

func (s *Server) allowRequestByRateLimit(r *http.Request) bool {
	if !s.rateLimitEnabled || s.rateLimitRequests <= 0 || s.rateLimitWindow <= 0 {
		return true
	}
	key := r.RemoteAddr
	if ip := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); ip != "" {
		parts := strings.Split(ip, ",")
		key = strings.TrimSpace(parts[0])
	} else if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		key = ip
	} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		key = host
	}
	if key == "" {
		key = "unknown"
	}

	now := time.Now()
	s.rateLimitMu.Lock()
	defer s.rateLimitMu.Unlock()
	entry := s.rateLimitEntries[key]
	if entry.windowStart.IsZero() || now.Sub(entry.windowStart) >= s.rateLimitWindow {
		s.rateLimitEntries[key] = rateLimitEntry{windowStart: now, count: 1}
		return true
	}
	if entry.count >= s.rateLimitRequests {
		return false
	}
	entry.count++
	s.rateLimitEntries[key] = entry
	return true
}

// ---------------------------------------------------------------------------
// Error mapping
// ---------------------------------------------------------------------------

// writeEngineError maps a ragperr.Kind taxonomy error to an apierr response.
func writeEngineError(w http.ResponseWriter, err error) {
	kind, ok := ragperr.KindOf(err)
	if !ok {
		apierr.Internal(w, err.Error())
		return
	}
	switch kind {
	case ragperr.KindUnknownNode:
		apierr.UnknownNode(w)
	case ragperr.KindStorageIO, ragperr.KindCorruptRecord:
		apierr.Internal(w, err.Error())
	case ragperr.KindRuntimeNotStarted, ragperr.KindRuntimeStopped:
		apierr.BadRequest(w, apierr.CodeRuntimeNotStarted, err.Error())
	case ragperr.KindQueueFull:
		apierr.Write(w, http.StatusServiceUnavailable, apierr.CodeQueueFull, err.Error())
	case ragperr.KindMigrationConflict:
		apierr.Conflict(w, apierr.CodeMigrationConflict, err.Error())
	case ragperr.KindConsolidateBusy:
		apierr.Conflict(w, apierr.CodeConsolidateBusy, err.Error())
	case ragperr.KindInvalidInput:
		apierr.BadRequest(w, apierr.CodeInvalidInput, err.Error())
	default:
		apierr.Internal(w, err.Error())
	}
}

// isFiniteFloat rejects NaN and +/-Inf. Go's comparison operators treat NaN
// as never equal or ordered relative to anything (including itself), so a
// plain range check like `weight < 0 || weight > 1` silently lets NaN
// through, and kernel.Decay's epsilon cleanup can't catch it downstream
// either (`NaN < epsilon` is also false) — every float arriving from an API
// caller must pass this before it reaches engine/kernel arithmetic.
func isFiniteFloat(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func decodeJSONRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			apierr.PayloadTooLarge(w, err.Error())
			return false
		}
		apierr.InvalidJSON(w)
		return false
	}
	return true
}

func parseNodeID(raw string) (graph.NodeID, bool) {
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return graph.NodeID(n), true
}

// ---------------------------------------------------------------------------
// Health / metrics
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// ---------------------------------------------------------------------------
// status / get_connections / spread_activation
// ---------------------------------------------------------------------------

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.eng.Status())
}

func (s *Server) handleGetConnections(w http.ResponseWriter, r *http.Request) {
	sender, ok := parseNodeID(strings.TrimPrefix(r.URL.Path, "/v1/connections/"))
	if !ok {
		apierr.NodeIDRequired(w)
		return
	}
	syns, err := s.view.GetConnections(sender)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"sender": sender, "connections": syns})
}

type spreadRequest struct {
	Node     graph.NodeID `json:"node"`
	Strength float64      `json:"strength"`
	Sync     bool         `json:"sync"` // true = spread_activation's synchronous fallback, false = read-only preview
	TTL      int          `json:"ttl"`
}

func (s *Server) handleSpreadActivation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.MethodNotAllowed(w)
		return
	}
	var req spreadRequest
	if !decodeJSONRequest(w, r, &req) {
		return
	}
	if req.Sync {
		contributions, err := s.eng.SpreadActivationSync(req.Node, req.Strength)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"contributions": contributions})
		return
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = 6
	}
	contributions, err := s.view.SpreadActivation(req.Node, ttl)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"contributions": contributions, "preview": true})
}

// ---------------------------------------------------------------------------
// submit_stimulus / submit_stimuli
// ---------------------------------------------------------------------------

func (s *Server) handleSubmitStimulus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.MethodNotAllowed(w)
		return
	}
	var req shard.Stimulus
	if !decodeJSONRequest(w, r, &req) {
		return
	}
	if !isFiniteFloat(req.Strength) {
		apierr.InvalidStrength(w)
		return
	}
	if err := s.eng.SubmitStimulus(req.Node, req.Strength, req.Source, req.Ts); err != nil {
		writeEngineError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

func (s *Server) handleSubmitStimuli(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.MethodNotAllowed(w)
		return
	}
	var req struct {
		Stimuli []shard.Stimulus `json:"stimuli"`
	}
	if !decodeJSONRequest(w, r, &req) {
		return
	}
	for _, stim := range req.Stimuli {
		if !isFiniteFloat(stim.Strength) {
			apierr.InvalidStrength(w)
			return
		}
	}
	if err := s.eng.SubmitStimuli(req.Stimuli); err != nil {
		writeEngineError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "count": len(req.Stimuli)})
}

// ---------------------------------------------------------------------------
// compute_cd
// ---------------------------------------------------------------------------

type computeCDRequest struct {
	NodeIDs []graph.NodeID `json:"node_ids"` // empty means every registered action node
	TopK    int            `json:"top_k"`
}

func (s *Server) handleComputeCD(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.MethodNotAllowed(w)
		return
	}
	var req computeCDRequest
	if !decodeJSONRequest(w, r, &req) {
		return
	}

	var candidates []graph.NodeMeta
	if len(req.NodeIDs) == 0 {
		for _, m := range s.registry.All() {
			if m.Kind == graph.KindAction {
				candidates = append(candidates, m)
			}
		}
	} else {
		for _, id := range req.NodeIDs {
			m, ok := s.registry.MetaOf(id)
			if !ok {
				apierr.UnknownNode(w)
				return
			}
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		json.NewEncoder(w).Encode(map[string]any{"results": []kernel.ScoredAction{}})
		return
	}

	topK := req.TopK
	if topK <= 0 {
		topK = defaultComputeCDTopK
	}
	if topK > maxComputeCDTopK {
		topK = maxComputeCDTopK
	}
	results := s.view.ComputeCD(candidates, topK, nil)
	json.NewEncoder(w).Encode(map[string]any{"results": results})
}

// ---------------------------------------------------------------------------
// update_weight / consolidate
// ---------------------------------------------------------------------------

type updateWeightRequest struct {
	Sender   graph.NodeID `json:"sender"`
	Receiver graph.NodeID `json:"receiver"`
	Weight   float32      `json:"weight"`
	Tick     uint32       `json:"tick"`
}

func (s *Server) handleUpdateWeight(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.MethodNotAllowed(w)
		return
	}
	var req updateWeightRequest
	if !decodeJSONRequest(w, r, &req) {
		return
	}
	if !isFiniteFloat(float64(req.Weight)) || req.Weight < 0 || req.Weight > 1 {
		apierr.InvalidWeight(w)
		return
	}
	if err := s.eng.UpdateWeight(req.Sender, req.Receiver, req.Weight, req.Tick); err != nil {
		writeEngineError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.MethodNotAllowed(w)
		return
	}
	stats, err := s.eng.Consolidate()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	json.NewEncoder(w).Encode(stats)
}

// ---------------------------------------------------------------------------
// ensure_innate_registry
// ---------------------------------------------------------------------------

type ensureRegistryRequest struct {
	Nodes     []graph.NodeMeta `json:"nodes"`
	Version   uint16           `json:"version"`
	Protected []graph.NodeID   `json:"protected"`
}

func (s *Server) handleEnsureInnateRegistry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.MethodNotAllowed(w)
		return
	}
	var req ensureRegistryRequest
	if !decodeJSONRequest(w, r, &req) {
		return
	}
	protected := make(map[graph.NodeID]bool, len(req.Protected))
	for _, id := range req.Protected {
		protected[id] = true
	}
	if err := s.eng.EnsureInnateRegistry(req.Nodes, req.Version, protected); err != nil {
		writeEngineError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "version": req.Version})
}

// ---------------------------------------------------------------------------
// start/stop_async_runtime, set_async_policy, get_async_metrics
// ---------------------------------------------------------------------------

func (s *Server) handleStartAsyncRuntime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.MethodNotAllowed(w)
		return
	}
	s.eng.StartAsyncRuntime()
	json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

func (s *Server) handleStopAsyncRuntime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.MethodNotAllowed(w)
		return
	}
	s.eng.StopAsyncRuntime()
	json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

type asyncPolicyRequest struct {
	Shards    int    `json:"shards"` // 0 = leave the shard pool as-is; any other value must match it
	HighWater int    `json:"high_water"`
	LowWater  int    `json:"low_water"`
	Policy    string `json:"policy"` // max|sum|last
}

func (s *Server) handleSetAsyncPolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.MethodNotAllowed(w)
		return
	}
	var req asyncPolicyRequest
	if !decodeJSONRequest(w, r, &req) {
		return
	}
	var policy shard.CoalescePolicy
	switch strings.ToLower(req.Policy) {
	case "max":
		policy = shard.CoalesceMax
	case "last":
		policy = shard.CoalesceLast
	default:
		policy = shard.CoalesceSum
	}
	if err := s.eng.SetAsyncPolicy(req.Shards, req.HighWater, req.LowWater, policy); err != nil {
		writeEngineError(w, err)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

func (s *Server) handleGetAsyncMetrics(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.eng.Status())
}

// ---------------------------------------------------------------------------
// Admin surface
// ---------------------------------------------------------------------------

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierr.MethodNotAllowed(w)
		return
	}
	var req struct {
		User     string `json:"user"`
		Password string `json:"password"`
	}
	if !decodeJSONRequest(w, r, &req) {
		return
	}
	userMatch := subtle.ConstantTimeCompare([]byte(req.User), []byte(s.config.Admin.User)) == 1
	passMatch := subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.config.Admin.Password)) == 1
	if !userMatch || !passMatch {
		apierr.Unauthorized(w, "invalid admin credentials")
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

func (s *Server) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		json.NewEncoder(w).Encode(s.config)
	case http.MethodPost:
		var patch struct {
			Runtime *config.RuntimeConfig `json:"runtime"`
			Kernel  *config.KernelConfig  `json:"kernel"`
		}
		if !decodeJSONRequest(w, r, &patch) {
			return
		}
		if patch.Runtime == nil && patch.Kernel == nil {
			apierr.BadRequest(w, apierr.CodeBadRequest, "no recognized config section in patch")
			return
		}
		if patch.Runtime != nil {
			s.config.Runtime = *patch.Runtime
		}
		if patch.Kernel != nil {
			s.config.Kernel = *patch.Kernel
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	default:
		apierr.MethodNotAllowed(w)
	}
}
