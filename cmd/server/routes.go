package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/havenline/routecore/estimator"
	"github.com/havenline/routecore/observability"
	routererrors "github.com/havenline/routecore/pkg/errors"
	"github.com/havenline/routecore/router"
	"github.com/havenline/routecore/scoring"
)

// routerSource resolves the currently active router on every request, so
// a config hot-reload takes effect without tearing down the server.
type routerSource func() *router.Router

func registerRoutes(mux *http.ServeMux, rt routerSource, logger *observability.Logger) {
	mux.HandleFunc("POST /v1/chat/completions", handleChat(rt, logger))
	mux.HandleFunc("GET /v1/status", handleStatus(rt))
	mux.HandleFunc("GET /health/live", handleHealth)
	mux.HandleFunc("GET /health/ready", handleHealth)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages      []chatMessage  `json:"messages"`
	MaxTokens     int            `json:"max_tokens"`
	Temperature   float64        `json:"temperature"`
	Priority      string         `json:"priority"`
	SessionID     string         `json:"session_id"`
	ForceProvider string         `json:"force_provider"`
	Stream        bool           `json:"stream"`
	Options       map[string]any `json:"options"`
}

type chatResponse struct {
	Content      string  `json:"content"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	LatencyMS    float64 `json:"latency_ms"`
	Attempts     int     `json:"attempts"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func handleChat(rt routerSource, logger *observability.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
			return
		}
		if len(body.Messages) == 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "messages must not be empty")
			return
		}

		priority := scoring.Priority(body.Priority)
		switch priority {
		case "", scoring.PriorityHigh, scoring.PriorityNormal, scoring.PriorityLow:
		default:
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown priority %q", body.Priority))
			return
		}

		messages := make([]estimator.Message, len(body.Messages))
		for i, m := range body.Messages {
			messages[i] = estimator.Message{Role: m.Role, Content: m.Content}
		}

		req := router.Request{
			Messages:      messages,
			MaxTokens:     body.MaxTokens,
			Temperature:   body.Temperature,
			Priority:      priority,
			SessionID:     body.SessionID,
			ForceProvider: body.ForceProvider,
			Extra:         body.Options,
		}

		if body.Stream {
			streamChat(w, r.Context(), rt(), req, logger)
			return
		}

		resp, err := rt().Chat(r.Context(), req)
		if err != nil {
			status, kind := httpStatusFor(err)
			writeError(w, status, kind, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, chatResponse{
			Content:      resp.Content,
			Provider:     resp.Provider,
			Model:        resp.Model,
			LatencyMS:    resp.LatencyMS,
			Attempts:     resp.Attempts,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
		})
	}
}

// streamFragment is one SSE data payload.
type streamFragment struct {
	Content      string `json:"content,omitempty"`
	Done         bool   `json:"done,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

func streamChat(w http.ResponseWriter, ctx context.Context, rt *router.Router, req router.Request, logger *observability.Logger) {
	stream, err := rt.Stream(ctx, req)
	if err != nil {
		status, kind := httpStatusFor(err)
		writeError(w, status, kind, err.Error())
		return
	}
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "streaming unsupported by connection")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		frag, err := stream.Next(ctx)
		if err != nil {
			// Mid-stream errors surface as a terminal SSE event; the
			// response status is already committed.
			logger.Warn("stream aborted", "error", err)
			writeSSE(w, flusher, map[string]string{"error": err.Error()})
			return
		}

		writeSSE(w, flusher, streamFragment{
			Content:      frag.Content,
			Done:         frag.Done,
			InputTokens:  frag.InputTokens,
			OutputTokens: frag.OutputTokens,
		})

		if frag.Done {
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func handleStatus(rt routerSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"providers": rt().Status(r.Context()),
		})
	}
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// httpStatusFor maps the router's error taxonomy onto HTTP status codes
// for the gateway edge.
func httpStatusFor(err error) (int, string) {
	// Terminal errors first: AllProvidersFailed unwraps to its candidate
	// errors, so the RouterError check below would otherwise surface one
	// candidate's status instead of the aggregate's.
	var allFailed *routererrors.AllProvidersFailedError
	if errors.As(err, &allFailed) {
		return http.StatusServiceUnavailable, string(routererrors.KindAllProvidersFailed)
	}
	var noProviders *routererrors.NoProvidersConfiguredError
	if errors.As(err, &noProviders) {
		return http.StatusServiceUnavailable, string(routererrors.KindNoProvidersConfigured)
	}

	var rerr *routererrors.RouterError
	if errors.As(err, &rerr) {
		switch rerr.Kind {
		case routererrors.KindRateLimited:
			return http.StatusTooManyRequests, string(rerr.Kind)
		case routererrors.KindTimeout:
			return http.StatusGatewayTimeout, string(rerr.Kind)
		case routererrors.KindBadRequest, routererrors.KindTokenLimitExceeded:
			return http.StatusBadRequest, string(rerr.Kind)
		case routererrors.KindAuthError:
			return http.StatusUnauthorized, string(rerr.Kind)
		default:
			return http.StatusBadGateway, string(rerr.Kind)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 499, "cancelled"
	}
	return http.StatusBadGateway, string(routererrors.KindServerError)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Kind: kind, Message: message}})
}
