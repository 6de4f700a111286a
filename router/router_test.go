package router

import (
	"context"
	"testing"
	"time"

	"github.com/havenline/routecore/estimator"
	"github.com/havenline/routecore/latency"
	routererrors "github.com/havenline/routecore/pkg/errors"
	"github.com/havenline/routecore/predictor"
	"github.com/havenline/routecore/provider"
	"github.com/havenline/routecore/resilience"
	"github.com/havenline/routecore/scoring"
	"github.com/havenline/routecore/state"
)

type scriptedAdapter struct {
	attrs   provider.Attributes
	results []scriptedResult
	calls   int
}

type scriptedResult struct {
	content string
	in, out int
	err     error
}

func (a *scriptedAdapter) Attributes() provider.Attributes { return a.attrs }

func (a *scriptedAdapter) Chat(ctx context.Context, messages []estimator.Message, opts provider.ChatOptions) (string, int, int, error) {
	i := a.calls
	if i >= len(a.results) {
		i = len(a.results) - 1
	}
	a.calls++
	r := a.results[i]
	return r.content, r.in, r.out, r.err
}

func (a *scriptedAdapter) Stream(ctx context.Context, messages []estimator.Message, opts provider.ChatOptions) (provider.Stream, error) {
	return nil, nil
}

func (a *scriptedAdapter) Close() error { return nil }

func newTestRouter(t *testing.T, registry *provider.Registry) *Router {
	t.Helper()
	return New(Config{
		Registry:  registry,
		State:     state.NewMemoryStore(),
		Latency:   latency.New(latency.DefaultAlpha),
		Predictor: predictor.New(predictor.DefaultConfig()),
		Breaker:   resilience.New(resilience.Config{FailureThreshold: 3, Cooldown: 30 * time.Second}),
		Estimator: estimator.New(""),
	})
}

func req(messages ...estimator.Message) Request {
	return Request{Messages: messages, Priority: scoring.PriorityNormal}
}

// Scenario: two providers A, B; A's circuit is open; the request routes
// to B on the first attempt.
func TestCircuitOpenFallsBackToHealthyProvider(t *testing.T) {
	reg := provider.NewRegistry()
	a := &scriptedAdapter{attrs: provider.Attributes{Name: "a", Enabled: true, RPMLimit: 100, TPMLimit: 100000}}
	b := &scriptedAdapter{attrs: provider.Attributes{Name: "b", Enabled: true, RPMLimit: 100, TPMLimit: 100000},
		results: []scriptedResult{{content: "hi from b", in: 1, out: 1}}}
	reg.RegisterPrebuiltAdapter("a", a)
	reg.RegisterPrebuiltAdapter("b", b)

	r := newTestRouter(t, reg)
	for i := 0; i < 3; i++ {
		r.breaker.RecordFailure("a")
	}
	if !r.breaker.IsOpen("a") {
		t.Fatal("expected a's circuit to be open")
	}

	resp, err := r.Chat(context.Background(), req(estimator.Message{Role: "user", Content: "hi"}))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Provider != "b" {
		t.Fatalf("expected fallback to b, got %s", resp.Provider)
	}
	if a.calls != 0 {
		t.Fatalf("expected a's adapter never called while circuit open, got %d calls", a.calls)
	}
}

// Scenario: a single provider fails 3 consecutive times; the circuit
// trips exactly at the threshold and the 3rd failure is surfaced as
// AllProvidersFailed with all three candidate failures recorded.
func TestThresholdTripAfterThreeFailures(t *testing.T) {
	reg := provider.NewRegistry()
	rateLimited := routererrors.New(routererrors.KindRateLimited, "a", "rate limited")
	a := &scriptedAdapter{
		attrs: provider.Attributes{Name: "a", Enabled: true, RPMLimit: 100, TPMLimit: 100000},
		results: []scriptedResult{
			{err: rateLimited}, {err: rateLimited}, {err: rateLimited},
		},
	}
	reg.RegisterPrebuiltAdapter("a", a)
	r := newTestRouter(t, reg)

	var lastErr error
	for i := 0; i < 3; i++ {
		_, lastErr = r.Chat(context.Background(), req(estimator.Message{Role: "user", Content: "hi"}))
		if lastErr == nil {
			t.Fatalf("expected failure on attempt %d", i+1)
		}
		if i < 2 && r.breaker.IsOpen("a") {
			t.Fatalf("circuit tripped early, after only %d failures", i+1)
		}
	}

	var failed *routererrors.AllProvidersFailedError
	if !isAllProvidersFailed(lastErr, &failed) {
		t.Fatalf("expected AllProvidersFailedError, got %T: %v", lastErr, lastErr)
	}
	if len(failed.Failures) != 1 {
		t.Fatalf("expected 1 candidate failure (only one provider registered), got %d", len(failed.Failures))
	}
	if !r.breaker.IsOpen("a") {
		t.Fatal("expected circuit tripped open after the 3rd failure")
	}
}

// Scenario: session affinity binds a session to whichever provider
// serves its first request, then keeps routing to it until its circuit
// trips, at which point the session falls over to another provider.
func TestSessionAffinityRebindsAfterCircuitTrip(t *testing.T) {
	reg := provider.NewRegistry()
	a := &scriptedAdapter{attrs: provider.Attributes{Name: "a", Enabled: true, Weight: 1.0, RPMLimit: 100, TPMLimit: 100000},
		results: []scriptedResult{{content: "first", in: 1, out: 1}}}
	b := &scriptedAdapter{attrs: provider.Attributes{Name: "b", Enabled: true, Weight: 0.5, RPMLimit: 100, TPMLimit: 100000},
		results: []scriptedResult{{content: "second", in: 1, out: 1}}}
	reg.RegisterPrebuiltAdapter("a", a)
	reg.RegisterPrebuiltAdapter("b", b)

	r := newTestRouter(t, reg)
	sessionID := "sess-1"

	first, err := r.Chat(context.Background(), Request{
		Messages: []estimator.Message{{Role: "user", Content: "hi"}}, Priority: scoring.PriorityNormal, SessionID: sessionID,
	})
	if err != nil {
		t.Fatalf("first Chat: %v", err)
	}
	bound := first.Provider

	for i := 0; i < 3; i++ {
		r.breaker.RecordFailure(bound)
	}
	if !r.breaker.IsOpen(bound) {
		t.Fatal("expected bound provider's circuit to be open")
	}

	second, err := r.Chat(context.Background(), Request{
		Messages: []estimator.Message{{Role: "user", Content: "hi again"}}, Priority: scoring.PriorityNormal, SessionID: sessionID,
	})
	if err != nil {
		t.Fatalf("second Chat: %v", err)
	}
	if second.Provider == bound {
		t.Fatalf("expected rebinding away from %s after its circuit tripped", bound)
	}
	if p, ok, _ := r.state.GetSessionProvider(context.Background(), sessionID); !ok || p != second.Provider {
		t.Fatalf("expected session rebound to %s, got %q (ok=%v)", second.Provider, p, ok)
	}
}

// Scenario: force_provider=A but A fails with RateLimited; the router
// falls back to B and succeeds, reporting attempts=2.
func TestForceProviderFallsBackOnRetriableFailure(t *testing.T) {
	reg := provider.NewRegistry()
	a := &scriptedAdapter{attrs: provider.Attributes{Name: "a", Enabled: true, RPMLimit: 100, TPMLimit: 100000},
		results: []scriptedResult{{err: routererrors.New(routererrors.KindRateLimited, "a", "rate limited")}}}
	b := &scriptedAdapter{attrs: provider.Attributes{Name: "b", Enabled: true, RPMLimit: 100, TPMLimit: 100000},
		results: []scriptedResult{{content: "from b", in: 2, out: 2}}}
	reg.RegisterPrebuiltAdapter("a", a)
	reg.RegisterPrebuiltAdapter("b", b)

	r := newTestRouter(t, reg)
	resp, err := r.Chat(context.Background(), Request{
		Messages: []estimator.Message{{Role: "user", Content: "hi"}}, Priority: scoring.PriorityNormal, ForceProvider: "a",
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Provider != "b" || resp.Attempts != 2 {
		t.Fatalf("expected provider=b attempts=2, got provider=%s attempts=%d", resp.Provider, resp.Attempts)
	}
}

// A non-retriable failure (bad request) surfaces immediately without
// trying further candidates.
func TestNonRetriableFailureShortCircuitsFallback(t *testing.T) {
	reg := provider.NewRegistry()
	badReq := routererrors.New(routererrors.KindBadRequest, "a", "malformed request")
	a := &scriptedAdapter{attrs: provider.Attributes{Name: "a", Enabled: true, RPMLimit: 100, TPMLimit: 100000},
		results: []scriptedResult{{err: badReq}}}
	b := &scriptedAdapter{attrs: provider.Attributes{Name: "b", Enabled: true, RPMLimit: 100, TPMLimit: 100000},
		results: []scriptedResult{{content: "from b", in: 1, out: 1}}}
	reg.RegisterPrebuiltAdapter("a", a)
	reg.RegisterPrebuiltAdapter("b", b)

	r := newTestRouter(t, reg)
	_, err := r.Chat(context.Background(), Request{
		Messages: []estimator.Message{{Role: "user", Content: "hi"}}, Priority: scoring.PriorityNormal, ForceProvider: "a",
	})
	if err != badReq {
		t.Fatalf("expected the bad-request error surfaced as-is, got %v", err)
	}
	if b.calls != 0 {
		t.Fatalf("expected b never called after non-retriable failure, got %d calls", b.calls)
	}
}

func TestNoProvidersConfiguredSurfacesImmediately(t *testing.T) {
	r := newTestRouter(t, provider.NewRegistry())
	_, err := r.Chat(context.Background(), req(estimator.Message{Role: "user", Content: "hi"}))
	if _, ok := err.(*routererrors.NoProvidersConfiguredError); !ok {
		t.Fatalf("expected NoProvidersConfiguredError, got %T: %v", err, err)
	}
}

func TestRouteEventEmittedOnSuccessAndCallbackErrorsSwallowed(t *testing.T) {
	reg := provider.NewRegistry()
	a := &scriptedAdapter{attrs: provider.Attributes{Name: "a", Enabled: true, RPMLimit: 100, TPMLimit: 100000},
		results: []scriptedResult{{content: "ok", in: 1, out: 1}}}
	reg.RegisterPrebuiltAdapter("a", a)

	var events []RouteEvent
	r := New(Config{
		Registry:  reg,
		State:     state.NewMemoryStore(),
		Latency:   latency.New(latency.DefaultAlpha),
		Predictor: predictor.New(predictor.DefaultConfig()),
		Breaker:   resilience.New(resilience.DefaultConfig()),
		Estimator: estimator.New(""),
		OnRoute: func(evt RouteEvent) {
			events = append(events, evt)
			panic("callback misbehaves, must not propagate")
		},
	})

	resp, err := r.Chat(context.Background(), req(estimator.Message{Role: "user", Content: "hi"}))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Provider != "a" {
		t.Fatalf("expected provider a, got %s", resp.Provider)
	}
	if len(events) != 1 || !events[0].Success {
		t.Fatalf("expected one successful RouteEvent, got %v", events)
	}
}

func isAllProvidersFailed(err error, out **routererrors.AllProvidersFailedError) bool {
	if e, ok := err.(*routererrors.AllProvidersFailedError); ok {
		*out = e
		return true
	}
	return false
}
