package router

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/havenline/routecore/estimator"
	"github.com/havenline/routecore/latency"
	"github.com/havenline/routecore/observability"
	routererrors "github.com/havenline/routecore/pkg/errors"
	"github.com/havenline/routecore/predictor"
	"github.com/havenline/routecore/provider"
	"github.com/havenline/routecore/resilience"
	"github.com/havenline/routecore/scoring"
	"github.com/havenline/routecore/state"
)

// Config wires the collaborators a Router drives. All fields except
// Registry are optional; a nil collaborator is replaced with an in-process
// default so a Router is always usable with zero configuration beyond a
// populated registry.
type Config struct {
	Registry  *provider.Registry
	State     state.Backend
	Latency   *latency.Tracker
	Predictor *predictor.Predictor
	Breaker   *resilience.Breaker
	Estimator *estimator.Estimator

	ScoringOptions scoring.Options
	WindowSeconds  int
	SessionTTL     time.Duration

	// Tracer, if set, gets one span per routed request and one child
	// span per candidate attempt. Nil means no spans are recorded.
	Tracer trace.Tracer

	// OnRoute, if set, receives a RouteEvent after every completed attempt
	// sequence. Panics and errors from this callback are never the
	// router's concern: Router recovers from a panicking callback and
	// otherwise ignores whatever it returns.
	OnRoute func(RouteEvent)
}

// Router is the per-request orchestrator. A single instance owns its own
// in-process Latency Tracker and Predictor; the State Backend and Circuit
// Breaker may be configured to coordinate with other Router instances via
// a shared store.
type Router struct {
	registry  *provider.Registry
	state     state.Backend
	latency   *latency.Tracker
	predictor *predictor.Predictor
	breaker   *resilience.Breaker
	estimator *estimator.Estimator

	scoringOpts scoring.Options
	window      time.Duration
	sessionTTL  time.Duration
	onRoute     func(RouteEvent)
	tracer      trace.Tracer
}

// New builds a Router from cfg, filling in in-process defaults for any
// collaborator left unset.
func New(cfg Config) *Router {
	r := &Router{
		registry:    cfg.Registry,
		state:       cfg.State,
		latency:     cfg.Latency,
		predictor:   cfg.Predictor,
		breaker:     cfg.Breaker,
		estimator:   cfg.Estimator,
		scoringOpts: cfg.ScoringOptions,
		sessionTTL:  cfg.SessionTTL,
		onRoute:     cfg.OnRoute,
		tracer:      cfg.Tracer,
	}
	if r.tracer == nil {
		r.tracer = noop.NewTracerProvider().Tracer(observability.TracerName)
	}
	if r.registry == nil {
		r.registry = provider.NewRegistry()
	}
	if r.state == nil {
		r.state = state.NewMemoryStore()
	}
	if r.latency == nil {
		r.latency = latency.New(latency.DefaultAlpha)
	}
	if r.predictor == nil {
		r.predictor = predictor.New(predictor.DefaultConfig())
	}
	if r.breaker == nil {
		r.breaker = resilience.New(resilience.DefaultConfig())
	}
	if r.estimator == nil {
		r.estimator = estimator.New("")
	}
	if r.scoringOpts.Weights == nil {
		r.scoringOpts = scoring.DefaultOptions()
	}
	if cfg.WindowSeconds > 0 {
		r.window = time.Duration(cfg.WindowSeconds) * time.Second
	} else {
		r.window = defaultWindow
	}
	if r.sessionTTL <= 0 {
		r.sessionTTL = defaultSessionTTL
	}
	return r
}

// Chat routes a single non-streaming request through the fallback loop,
// returning the first successful response or AllProvidersFailedError.
func (r *Router) Chat(ctx context.Context, req Request) (Response, error) {
	priority := req.Priority
	if priority == "" {
		priority = scoring.PriorityNormal
	}
	estimatedTokens := r.estimator.Estimate(req.Messages, req.MaxTokens)

	ctx, span := observability.StartRouteSpan(ctx, r.tracer, "router.chat", string(priority), estimatedTokens)
	defer span.End()

	candidates, err := r.resolveCandidates(ctx, req, priority, estimatedTokens)
	if err != nil {
		observability.RecordRouteFailure(span, err)
		return Response{}, err
	}
	if len(candidates) == 0 {
		err := &routererrors.AllProvidersFailedError{}
		observability.RecordRouteFailure(span, err)
		return Response{}, err
	}

	var failures []routererrors.CandidateFailure
	attempt := 0

	for _, name := range candidates {
		adapter, ok := r.registry.Get(name)
		if !ok {
			continue
		}
		if err := r.breaker.Guard(name); err != nil {
			continue
		}

		attempt++
		start := time.Now()
		attemptCtx, attemptSpan := observability.StartAttemptSpan(ctx, r.tracer, name, adapter.Attributes().Model, attempt)
		content, in, out, callErr := adapter.Chat(attemptCtx, req.Messages, provider.ChatOptions{
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			Extra:       req.Extra,
		})
		observability.EndAttemptSpan(attemptSpan, callErr)
		elapsed := time.Since(start)

		if ctx.Err() != nil {
			// Cancelled mid-flight: no sample, no breaker event, no
			// RouteEvent.
			return Response{}, ctx.Err()
		}

		if callErr == nil {
			r.recordSuccess(ctx, name, in, out, elapsed, req.SessionID, priority, attempt)
			observability.RecordRouteResult(span, name, attempt, in, out)
			return Response{
				Content:      content,
				Provider:     name,
				Model:        adapter.Attributes().Model,
				LatencyMS:    float64(elapsed.Milliseconds()),
				Attempts:     attempt,
				InputTokens:  in,
				OutputTokens: out,
			}, nil
		}

		kind := classifyKind(callErr)
		r.breaker.RecordFailure(name)
		failures = append(failures, routererrors.CandidateFailure{
			Provider:  name,
			ErrorKind: kind,
			Message:   callErr.Error(),
			Err:       callErr,
		})
		r.emitRouteEvent(RouteEvent{
			Provider:  name,
			LatencyMS: float64(elapsed.Milliseconds()),
			Attempts:  attempt,
			Priority:  priority,
			SessionID: req.SessionID,
			Success:   false,
			ErrorKind: string(kind),
		})

		if !kind.Retriable() {
			observability.RecordRouteFailure(span, callErr)
			return Response{}, callErr
		}
	}

	err = &routererrors.AllProvidersFailedError{Failures: failures}
	observability.RecordRouteFailure(span, err)
	return Response{}, err
}

// Stream routes a single streaming request. Fallback across candidates is
// only possible before the first fragment reaches the caller; once a
// fragment has been yielded, a mid-stream error surfaces as-is with no
// cross-provider resumption.
func (r *Router) Stream(ctx context.Context, req Request) (provider.Stream, error) {
	priority := req.Priority
	if priority == "" {
		priority = scoring.PriorityNormal
	}
	estimatedTokens := r.estimator.Estimate(req.Messages, req.MaxTokens)

	// The request span covers candidate selection and stream open; the
	// stream body itself is not traced.
	ctx, span := observability.StartRouteSpan(ctx, r.tracer, "router.stream", string(priority), estimatedTokens)
	defer span.End()

	candidates, err := r.resolveCandidates(ctx, req, priority, estimatedTokens)
	if err != nil {
		observability.RecordRouteFailure(span, err)
		return nil, err
	}
	if len(candidates) == 0 {
		err := &routererrors.AllProvidersFailedError{}
		observability.RecordRouteFailure(span, err)
		return nil, err
	}

	var failures []routererrors.CandidateFailure
	attempt := 0

	for _, name := range candidates {
		adapter, ok := r.registry.Get(name)
		if !ok {
			continue
		}
		if err := r.breaker.Guard(name); err != nil {
			continue
		}

		attempt++
		start := time.Now()
		attemptCtx, attemptSpan := observability.StartAttemptSpan(ctx, r.tracer, name, adapter.Attributes().Model, attempt)
		inner, openErr := adapter.Stream(attemptCtx, req.Messages, provider.ChatOptions{
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
			Extra:       req.Extra,
		})
		observability.EndAttemptSpan(attemptSpan, openErr)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if openErr == nil {
			observability.RecordRouteResult(span, name, attempt, 0, 0)
			return &routerStream{
				router:    r,
				provider:  name,
				sessionID: req.SessionID,
				priority:  priority,
				attempts:  attempt,
				inner:     inner,
				started:   start,
			}, nil
		}

		kind := classifyKind(openErr)
		r.breaker.RecordFailure(name)
		failures = append(failures, routererrors.CandidateFailure{
			Provider:  name,
			ErrorKind: kind,
			Message:   openErr.Error(),
			Err:       openErr,
		})
		r.emitRouteEvent(RouteEvent{
			Provider:  name,
			LatencyMS: float64(time.Since(start).Milliseconds()),
			Attempts:  attempt,
			Priority:  priority,
			SessionID: req.SessionID,
			Success:   false,
			ErrorKind: string(kind),
		})

		if !kind.Retriable() {
			observability.RecordRouteFailure(span, openErr)
			return nil, openErr
		}
	}

	err = &routererrors.AllProvidersFailedError{Failures: failures}
	observability.RecordRouteFailure(span, err)
	return nil, err
}

// routerStream wraps a provider.Stream to record usage, latency, and
// breaker state exactly once: when the stream's final fragment arrives.
type routerStream struct {
	router    *Router
	provider  string
	sessionID string
	priority  scoring.Priority
	attempts  int
	inner     provider.Stream
	started   time.Time
	finished  bool
}

func (s *routerStream) Next(ctx context.Context) (provider.Fragment, error) {
	frag, err := s.inner.Next(ctx)
	if err != nil {
		return frag, err
	}
	if frag.Done && !s.finished {
		s.finished = true
		s.router.recordSuccess(ctx, s.provider, frag.InputTokens, frag.OutputTokens, time.Since(s.started), s.sessionID, s.priority, s.attempts)
	}
	return frag, nil
}

func (s *routerStream) Close() error { return s.inner.Close() }

// Status returns a per-provider snapshot of usage, capacity, circuit
// state, and average latency.
func (r *Router) Status(ctx context.Context) []ProviderStatus {
	adapters := r.registry.GetAllEnabled()
	out := make([]ProviderStatus, 0, len(adapters))
	for _, a := range adapters {
		attrs := a.Attributes()
		rpmUsed, tpmUsed, err := r.state.GetUsage(ctx, attrs.Name, r.window)
		if err != nil {
			rpmUsed, tpmUsed = 0, 0
		}

		rpmHeadroom := headroomPct(rpmUsed, attrs.RPMLimit)
		tpmHeadroom := headroomPct(tpmUsed, attrs.TPMLimit)
		headroom := rpmHeadroom
		if tpmHeadroom < headroom {
			headroom = tpmHeadroom
		}

		out = append(out, ProviderStatus{
			Name:         attrs.Name,
			RPMUsed:      rpmUsed,
			RPMLimit:     attrs.RPMLimit,
			TPMUsed:      tpmUsed,
			TPMLimit:     attrs.TPMLimit,
			HeadroomPct:  headroom,
			CircuitOpen:  r.breaker.IsOpen(attrs.Name),
			AvgLatencyMS: r.latency.EMA(attrs.Name),
		})
	}
	return out
}

// resolveCandidates builds the ordered list of provider names to try, per
// the forced-pin / session-affinity / scored-default precedence.
func (r *Router) resolveCandidates(ctx context.Context, req Request, priority scoring.Priority, estimatedTokens int) ([]string, error) {
	if len(r.registry.GetAllEnabled()) == 0 {
		return nil, &routererrors.NoProvidersConfiguredError{}
	}

	if req.ForceProvider != "" {
		if _, ok := r.registry.Get(req.ForceProvider); ok {
			rest := r.scoredNames(ctx, priority, estimatedTokens, req.ForceProvider)
			return append([]string{req.ForceProvider}, rest...), nil
		}
	}

	if req.SessionID != "" {
		if bound, ok, err := r.state.GetSessionProvider(ctx, req.SessionID); err == nil && ok {
			if a, exists := r.registry.Get(bound); exists && a.Attributes().Enabled {
				rest := r.scoredNames(ctx, priority, estimatedTokens, bound)
				return append([]string{bound}, rest...), nil
			}
		}
	}

	return r.scoredNames(ctx, priority, estimatedTokens, ""), nil
}

// scoredNames runs the full Scorer pipeline over every enabled adapter
// except exclude (already placed first in the candidate list by the
// caller), returning provider names in ranked order.
func (r *Router) scoredNames(ctx context.Context, priority scoring.Priority, estimatedTokens int, exclude string) []string {
	adapters := r.registry.GetAllEnabled()
	candidates := make([]scoring.Candidate, 0, len(adapters))

	for _, a := range adapters {
		attrs := a.Attributes()
		if attrs.Name == exclude {
			continue
		}

		rpmUsed, tpmUsed, err := r.state.GetUsage(ctx, attrs.Name, r.window)
		usageUnknown := err != nil
		if usageUnknown {
			if priority != scoring.PriorityHigh {
				// StateBackendUnavailable: dropped entirely for
				// non-high priority.
				continue
			}
			rpmUsed, tpmUsed = 0, 0
		}

		candidates = append(candidates, scoring.Candidate{
			Name:         attrs.Name,
			RPMUsed:      rpmUsed,
			RPMLimit:     attrs.RPMLimit,
			TPMUsed:      tpmUsed,
			TPMLimit:     attrs.TPMLimit,
			LatencyEMAMS: r.latency.EMA(attrs.Name),
			Weight:       attrs.Weight,
			AtRisk:       r.predictor.AtRisk(attrs.Name, attrs.RPMLimit, attrs.TPMLimit),
			UsageUnknown: usageUnknown,
		})
	}

	scored := scoring.Score(candidates, priority, estimatedTokens, r.scoringOpts)
	names := make([]string, len(scored))
	for i, s := range scored {
		names[i] = s.Name
	}
	return names
}

// recordSuccess performs every bookkeeping step §4.9 requires on a
// successful call: usage sample, latency observation, predictor
// observation, breaker reset, session binding, and the success
// RouteEvent.
func (r *Router) recordSuccess(ctx context.Context, providerName string, inputTokens, outputTokens int, elapsed time.Duration, sessionID string, priority scoring.Priority, attempts int) {
	totalTokens := inputTokens + outputTokens

	if err := r.state.RecordRequest(ctx, providerName, totalTokens, r.window); err != nil {
		// Shared-store errors never fail an otherwise-successful call;
		// retry once, then drop.
		_ = r.state.RecordRequest(ctx, providerName, totalTokens, r.window)
	}
	r.predictor.Record(providerName, totalTokens)
	r.latency.Observe(providerName, float64(elapsed.Milliseconds()))
	r.breaker.RecordSuccess(providerName)

	if sessionID != "" {
		// Bind on first success; rebind when another provider served the
		// session (its bound provider was skipped or failed).
		bound, ok, err := r.state.GetSessionProvider(ctx, sessionID)
		if err != nil || !ok || bound != providerName {
			_ = r.state.SetSessionProvider(ctx, sessionID, providerName, r.sessionTTL)
		}
	}

	r.emitRouteEvent(RouteEvent{
		Provider:  providerName,
		LatencyMS: float64(elapsed.Milliseconds()),
		Attempts:  attempts,
		Priority:  priority,
		SessionID: sessionID,
		Success:   true,
	})
}

// emitRouteEvent invokes the configured callback, swallowing both panics
// and the absence of a callback.
func (r *Router) emitRouteEvent(evt RouteEvent) {
	if r.onRoute == nil {
		return
	}
	defer func() { _ = recover() }()
	r.onRoute(evt)
}

// classifyKind extracts the error taxonomy Kind from err, defaulting to
// KindTransient for an error an adapter returned without going through
// routererrors.New (a defensive fallback, not an expected path since every
// adapter in this module wraps its failures).
func classifyKind(err error) routererrors.Kind {
	var rerr *routererrors.RouterError
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return routererrors.KindTransient
}

func headroomPct(used, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	h := 1 - float64(used)/float64(limit)
	if h < 0 {
		h = 0
	}
	return h * 100
}
