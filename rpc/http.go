package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"refundledger/core"
	"refundledger/observability"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// Refund failures map onto a dedicated code block so clients can branch on
// the precise precondition that failed.
const (
	codeLengthMismatch            = -32101
	codeNoBatches                 = -32102
	codeInsufficientBalance       = -32103
	codeNothingToWithdraw         = -32104
	codeInsufficientFunderBalance = -32105
	codeNotRefundable             = -32106
	codeTransferFailed            = -32107
	codeInvalidAmount             = -32108
)

// ServerConfig carries the RPC surface knobs. Authentication applies to the
// funder-facing mutations; claims stay permissionless and every mutation is
// rate limited per source address.
type ServerConfig struct {
	Auth               AuthConfig
	MutationsPerMinute int
	// TrustProxyHeaders honors X-Forwarded-For when resolving the rate limit
	// source. Leave it off unless a trusted reverse proxy fronts the daemon:
	// the header is client-controlled otherwise.
	TrustProxyHeaders bool
}

// Server exposes the ledger over JSON-RPC plus the health, metrics, and
// event stream endpoints.
type Server struct {
	ledger       *core.Ledger
	log          *slog.Logger
	metrics      *observability.GatewayMetrics
	auth         *authenticator
	maxMutations int
	trustProxy   bool

	mu           sync.Mutex
	rateLimiters map[string]*rate.Limiter
}

// NewServer wires the RPC server over the given ledger.
func NewServer(ledger *core.Ledger, logger *slog.Logger, cfg ServerConfig) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	maxMutations := cfg.MutationsPerMinute
	if maxMutations <= 0 {
		maxMutations = 60
	}
	return &Server{
		ledger:       ledger,
		log:          logger.With("component", "rpc"),
		metrics:      observability.Gateway(),
		auth:         newAuthenticator(cfg.Auth),
		maxMutations: maxMutations,
		trustProxy:   cfg.TrustProxyHeaders,
		rateLimiters: make(map[string]*rate.Limiter),
	}
}

// Handler returns the full HTTP surface of the daemon.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRPC)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws/events", s.handleEventsWS)
	return mux
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) int {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
	return code
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) int {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
	return 0
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	checkpoint := s.ledger.Checkpoint()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"revision": checkpoint.Revision,
		"root":     checkpoint.StateRoot.Hex(),
	})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
			s.metrics.RecordThrottle("body_too_large")
		}
		code := writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		s.metrics.Observe("unknown", code, time.Since(start))
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		code := writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		s.metrics.Observe("unknown", code, time.Since(start))
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		code := writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		s.metrics.Observe("unknown", code, time.Since(start))
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		code := writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		s.metrics.Observe(req.Method, code, time.Since(start))
		return
	}
	if req.Method == "" {
		code := writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		s.metrics.Observe("unknown", code, time.Since(start))
		return
	}

	code := s.dispatch(w, r, req)
	s.metrics.Observe(req.Method, code, time.Since(start))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) int {
	switch req.Method {
	case "refund_setBatches":
		if code, ok := s.guardMutation(w, r, req, true); !ok {
			return code
		}
		return s.handleSetBatches(w, req)
	case "refund_increaseBalance":
		if code, ok := s.guardMutation(w, r, req, true); !ok {
			return code
		}
		return s.handleIncreaseBalance(w, req)
	case "refund_decreaseBalance":
		if code, ok := s.guardMutation(w, r, req, true); !ok {
			return code
		}
		return s.handleDecreaseBalance(w, req)
	case "refund_removeBatches":
		if code, ok := s.guardMutation(w, r, req, true); !ok {
			return code
		}
		return s.handleRemoveBatches(w, req)
	case "refund_withdraw":
		if code, ok := s.guardMutation(w, r, req, true); !ok {
			return code
		}
		return s.handleWithdraw(w, req)
	case "refund_claim":
		// Claims are permissionless: possession of a valid proof is the
		// authorization. They still count against the source rate limit.
		if code, ok := s.guardMutation(w, r, req, false); !ok {
			return code
		}
		return s.handleClaim(w, req)
	case "refund_getBatches":
		return s.handleGetBatches(w, req)
	case "refund_getBalance":
		return s.handleGetBalance(w, req)
	case "refund_getClaimed":
		return s.handleGetClaimed(w, req)
	case "refund_getAccount":
		return s.handleGetAccount(w, req)
	case "refund_info":
		return s.handleInfo(w, req)
	default:
		return writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

// guardMutation enforces authentication (when required) and the per-source
// rate limit shared by all mutating methods.
func (s *Server) guardMutation(w http.ResponseWriter, r *http.Request, req *RPCRequest, requireAuth bool) (int, bool) {
	if requireAuth {
		if authErr := s.auth.authorize(r); authErr != nil {
			return writeError(w, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data), false
		}
	}
	source := s.clientSource(r)
	if !s.allowSource(source) {
		s.metrics.RecordThrottle("rate_limit")
		return writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "mutation rate limit exceeded", source), false
	}
	return 0, true
}

// allowSource charges one token from the source's bucket. The burst equals
// the whole per-minute allowance; refill is continuous rather than windowed.
func (s *Server) allowSource(source string) bool {
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	limiter, ok := s.rateLimiters[source]
	if !ok {
		perSecond := rate.Limit(float64(s.maxMutations) / 60.0)
		limiter = rate.NewLimiter(perSecond, s.maxMutations)
		s.rateLimiters[source] = limiter
	}
	s.mu.Unlock()
	return limiter.Allow()
}

// clientSource resolves the address a mutation is charged against. Forwarded
// headers count only when the deployment declared its proxy trusted.
func (s *Server) clientSource(r *http.Request) string {
	if s.trustProxy {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			parts := strings.Split(forwarded, ",")
			if len(parts) > 0 {
				candidate := strings.TrimSpace(parts[0])
				if candidate != "" {
					return candidate
				}
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
