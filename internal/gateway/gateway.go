// Package gateway is the data plane: bearer-authenticated (upstream of this
// package, via internal/authn.APIKeyMiddleware) OpenAI-compatible requests
// are quota-gated, rate-limited, forwarded to the sidecar's loopback
// endpoint, and tee'd for usage capture on completion. The sidecar speaks
// OpenAI-compatible wire format natively, so bodies are forwarded
// byte-for-byte apart from model-alias rewriting; only the Usage metadata
// is inspected on the way back.
package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rakunlabs/gatehouse/internal/authn"
	"github.com/rakunlabs/gatehouse/internal/store"
	"github.com/rakunlabs/gatehouse/pkg/openaiapi"
)

type errEnvelope struct {
	Error openaiapi.ErrorDetail `json:"error"`
}

func respondErr(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errEnvelope{Error: openaiapi.ErrorDetail{
		Message: message,
		Type:    "invalid_request_error",
		Code:    code,
	}})
}

// Handler forwards data-plane requests to the sidecar and records usage.
type Handler struct {
	sidecarBase    string
	httpClient     *http.Client
	users          store.UserStorer
	usage          store.UsageStorer
	requestTimeout time.Duration
	rateLimitRPM   int

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	// resolveModel rewrites an incoming model name per the admin-configured
	// model_mappings before it's forwarded or used for usage accounting.
	// Nil means no aliasing is configured.
	resolveModel func(model string) string

	// refreshUnauthorized is consulted on a sidecar-reported 401: it
	// attempts to refresh the named provider's stored OAuth credentials and
	// reports whether a retry of the forward is worth attempting. Nil means
	// no OAuth provider is wired (e.g. api_key-only deployment).
	refreshUnauthorized func(ctx context.Context, providerKind string) bool
}

func New(sidecarBase string, users store.UserStorer, usage store.UsageStorer, requestTimeout time.Duration, rateLimitRPM int) *Handler {
	return &Handler{
		sidecarBase:    strings.TrimRight(sidecarBase, "/"),
		httpClient:     &http.Client{},
		users:          users,
		usage:          usage,
		requestTimeout: requestTimeout,
		rateLimitRPM:   rateLimitRPM,
		limiters:       make(map[string]*rate.Limiter),
	}
}

// SetModelResolver installs a function consulted on every data-plane request
// to translate a client-supplied model name (e.g. "fast") into the name the
// sidecar actually understands (e.g. "anthropic/claude-3-5-haiku"). Used to
// wire the admin-editable model_mappings setting without this package
// depending on internal/httpserver.
func (h *Handler) SetModelResolver(resolve func(model string) string) {
	h.resolveModel = resolve
}

// SetUnauthorizedRefresher installs the OAuth refresh-and-retry hook:
// called with the provider kind extracted from the request's model field
// when the sidecar responds 401, it returns whether a credential was
// refreshed and the forward is worth retrying once.
func (h *Handler) SetUnauthorizedRefresher(refresh func(ctx context.Context, providerKind string) bool) {
	h.refreshUnauthorized = refresh
}

func (h *Handler) limiterFor(userID string) *rate.Limiter {
	if h.rateLimitRPM <= 0 {
		return nil
	}

	h.limitersMu.Lock()
	defer h.limitersMu.Unlock()

	l, ok := h.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(h.rateLimitRPM)/60.0), h.rateLimitRPM)
		h.limiters[userID] = l
	}
	return l
}

// ServeHTTP is mounted under /v1/*; authn.APIKeyMiddleware has already
// attached the authenticated, enabled *store.User to the request context.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, ok := authn.UserFromContext(r.Context())
	if !ok {
		respondErr(w, http.StatusUnauthorized, "invalid_api_key", "no authenticated user")
		return
	}

	if user.QuotaTokens != nil && user.UsedTokens >= *user.QuotaTokens {
		respondErr(w, http.StatusTooManyRequests, "quota_exceeded", "token quota exceeded")
		return
	}

	if l := h.limiterFor(user.ID); l != nil {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", h.rateLimitRPM))
		if !l.Allow() {
			w.Header().Set("X-RateLimit-Remaining", "0")
			respondErr(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", int(l.Tokens())))
	}

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		respondErr(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}

	var req openaiapi.ChatCompletionRequest
	_ = json.Unmarshal(bodyBytes, &req)

	if h.resolveModel != nil {
		if resolved := h.resolveModel(req.Model); resolved != "" && resolved != req.Model {
			req.Model = resolved
			if rewritten, err := setJSONField(bodyBytes, "model", resolved); err == nil {
				bodyBytes = rewritten
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := h.forwardOnce(ctx, r.Method, r.URL.Path, bodyBytes, r.Header)
	if err != nil {
		h.recordUsage(context.WithoutCancel(r.Context()), user, req.Model, 0, 0, time.Since(start), "error", err.Error())
		respondErr(w, http.StatusBadGateway, "provider_error", fmt.Sprintf("sidecar request failed: %v", err))
		return
	}

	if resp.StatusCode == http.StatusUnauthorized && h.refreshUnauthorized != nil {
		resp.Body.Close()
		providerKind, _, _ := strings.Cut(req.Model, "/")
		if h.refreshUnauthorized(ctx, providerKind) {
			retried, retryErr := h.forwardOnce(ctx, r.Method, r.URL.Path, bodyBytes, r.Header)
			if retryErr != nil {
				h.recordUsage(context.WithoutCancel(r.Context()), user, req.Model, 0, 0, time.Since(start), "error", retryErr.Error())
				respondErr(w, http.StatusBadGateway, "provider_error", fmt.Sprintf("sidecar request failed after credential refresh: %v", retryErr))
				return
			}
			resp = retried
		} else {
			respondErr(w, http.StatusBadGateway, "provider_error", "upstream credentials expired and refresh failed")
			return
		}
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if req.Stream {
		h.streamAndCapture(r.Context(), w, resp.Body, user, req.Model, start, resp.StatusCode)
		return
	}

	h.bufferAndCapture(r.Context(), w, resp.Body, user, req.Model, start, resp.StatusCode)
}

// ServeModels handles GET /v1/models: a plain authenticated passthrough to
// the sidecar's model list, no quota gate or usage capture since listing
// models consumes no provider tokens.
func (h *Handler) ServeModels(w http.ResponseWriter, r *http.Request) {
	if _, ok := authn.UserFromContext(r.Context()); !ok {
		respondErr(w, http.StatusUnauthorized, "invalid_api_key", "no authenticated user")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.sidecarBase+"/v1/models", nil)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "internal_error", "failed to build upstream request")
		return
	}

	resp, err := h.httpClient.Do(upstreamReq)
	if err != nil {
		respondErr(w, http.StatusBadGateway, "provider_error", fmt.Sprintf("sidecar request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// forwardOnce issues a single forward attempt to the sidecar, rebuilding the
// request from scratch each call so a retry after a credential refresh sends
// an untouched copy of the original body.
func (h *Handler) forwardOnce(ctx context.Context, method, path string, body []byte, header http.Header) (*http.Response, error) {
	upstreamReq, err := http.NewRequestWithContext(ctx, method, h.sidecarBase+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	copyForwardHeaders(header, upstreamReq.Header)
	return h.httpClient.Do(upstreamReq)
}

// bufferAndCapture copies a non-streaming response to the client while
// decoding it once to extract usage for the accounting row.
func (h *Handler) bufferAndCapture(ctx context.Context, w http.ResponseWriter, body io.Reader, user *store.User, model string, start time.Time, status int) {
	data, err := io.ReadAll(body)
	if err != nil {
		slog.Error("read upstream response failed", "error", err)
		return
	}

	if _, writeErr := w.Write(data); writeErr != nil {
		slog.Error("write client response failed", "error", writeErr)
	}

	var parsed openaiapi.ChatCompletionResponse
	statusStr := "success"
	errMsg := ""
	if status >= 400 {
		statusStr = "error"
		errMsg = string(data)
	} else if err := json.Unmarshal(data, &parsed); err != nil {
		slog.Warn("failed to parse upstream response for usage capture", "error", err)
	}

	h.recordUsage(context.WithoutCancel(ctx), user, model, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens, time.Since(start), statusStr, errMsg)
}

// streamAndCapture relays a server-sent-events response chunk by chunk,
// flushing as it goes, while accumulating the usage reported on the final
// chunk (per the OpenAI contract, only present when the client requested
// stream_options.include_usage).
func (h *Handler) streamAndCapture(ctx context.Context, w http.ResponseWriter, body io.Reader, user *store.User, model string, start time.Time, status int) {
	flusher, _ := w.(http.Flusher)

	var usage openaiapi.Usage
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if _, err := w.Write(append(line, '\n')); err != nil {
			slog.Error("write client stream failed", "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}

		data, ok := bytes.CutPrefix(line, []byte("data: "))
		if !ok || bytes.Equal(data, []byte("[DONE]")) {
			continue
		}

		var chunk openaiapi.ChatCompletionChunk
		if err := json.Unmarshal(data, &chunk); err == nil && chunk.Usage != nil {
			usage = *chunk.Usage
		}
	}

	statusStr := "success"
	if status >= 400 {
		statusStr = "error"
	}

	h.recordUsage(context.WithoutCancel(ctx), user, model, usage.PromptTokens, usage.CompletionTokens, time.Since(start), statusStr, "")
}

// recordUsage appends a UsageLog row and increments used_tokens atomically.
// Best-effort: a failure here is logged for admin review but never promoted
// to a user-visible error — the forwarded response has already succeeded.
func (h *Handler) recordUsage(ctx context.Context, user *store.User, model string, tokensIn, tokensOut int64, duration time.Duration, status, errMsg string) {
	provider, _, _ := strings.Cut(model, "/")

	err := h.usage.InsertUsageLog(ctx, store.UsageLog{
		UserID:       user.ID,
		Provider:     provider,
		Model:        model,
		TokensInput:  tokensIn,
		TokensOutput: tokensOut,
		DurationMS:   duration.Milliseconds(),
		Status:       status,
		ErrorMessage: errMsg,
	}, tokensIn+tokensOut)
	if err != nil {
		slog.Error("usage accounting write failed", "user_id", user.ID, "error", err)
		return
	}

	if err := h.users.TouchUserLastUsed(ctx, user.ID); err != nil {
		slog.Warn("touch last_used_at failed", "user_id", user.ID, "error", err)
	}
}

// setJSONField patches a single top-level string field in a JSON object
// without disturbing the rest of the body's shape or field order, so a
// model alias rewrite doesn't otherwise alter what the sidecar receives.
func setJSONField(body []byte, field, value string) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	m[field] = encoded

	return json.Marshal(m)
}

// copyForwardHeaders preserves a selective header subset; the client's own
// bearer key is never forwarded — the sidecar uses stored provider
// credentials, not the gateway's per-user keys.
func copyForwardHeaders(in, out http.Header) {
	for _, k := range []string{"Content-Type", "Accept", "X-Request-Id"} {
		if v := in.Get(k); v != "" {
			out.Set(k, v)
		}
	}
}
