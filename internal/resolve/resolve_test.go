package resolve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"streamwalk/internal/cache"
	"streamwalk/internal/decode"
	"streamwalk/internal/extract"
	"streamwalk/internal/failure"
	"streamwalk/internal/media"
	"streamwalk/internal/metadata"
	"streamwalk/internal/navigate"
	"streamwalk/internal/provider"
	"streamwalk/internal/validate"
)

const stream = "https://cdn.example/stream/master.m3u8"

var movie = media.ContentRequest{Type: media.Movie, ExternalID: "tt0111161"}

type fakeNav struct {
	mu    sync.Mutex
	calls map[string]int
	steps map[string]func(call int) (media.Payload, error)
	gate  chan struct{}
	title string
}

func newFakeNav() *fakeNav {
	return &fakeNav{calls: map[string]int{}, steps: map[string]func(int) (media.Payload, error){}}
}

func (f *fakeNav) Navigate(ctx context.Context, spec provider.Spec, _ media.ContentRequest, title string) (media.Payload, error) {
	f.mu.Lock()
	f.calls[spec.ID]++
	n := f.calls[spec.ID]
	step := f.steps[spec.ID]
	f.title = title
	f.mu.Unlock()

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return media.Payload{}, failure.Wrap(failure.Timeout, ctx.Err(), "walk cancelled")
		}
	}
	return step(n)
}

func (f *fakeNav) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Record(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func spec(id string, priority int) provider.Spec {
	return provider.Spec{
		ID:               id,
		Priority:         priority,
		EmbedURLTemplate: "https://" + id + ".example/e/{id}",
		DecodeStrategy:   "rotate",
		Steps:            []provider.Step{{Kind: provider.Fetch, Rule: extract.Rule{Type: extract.Regex, Pattern: "x"}}},
	}
}

func registry(t *testing.T, specs ...provider.Spec) *provider.Registry {
	t.Helper()
	reg, err := provider.NewRegistry(specs...)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func rot13(t *testing.T, plaintext string) string {
	t.Helper()
	s, err := decode.Build("rotate", nil)
	if err != nil {
		t.Fatal(err)
	}
	p, err := s.(decode.Encoder).Encode(plaintext, decode.Context{})
	if err != nil {
		t.Fatal(err)
	}
	return p.Data
}

func succeed(t *testing.T, url string) func(int) (media.Payload, error) {
	data := rot13(t, url)
	return func(int) (media.Payload, error) {
		return media.Payload{Data: data, StepIndex: 0, SourceURL: "https://player.example/e/1"}, nil
	}
}

func fail(kind failure.Kind) func(int) (media.Payload, error) {
	return func(int) (media.Payload, error) {
		return media.Payload{}, failure.New(kind, "fixture failure")
	}
}

func TestResolveFallback(t *testing.T) {
	nav := newFakeNav()
	nav.steps["a"] = fail(failure.NotFound)
	nav.steps["b"] = succeed(t, stream)
	sink := &recordingSink{}

	var states []string
	r := New(registry(t, spec("a", 1), spec("b", 2)), nav, validate.New(), cache.New(time.Minute),
		WithRetries(2, time.Millisecond),
		WithEventSink(sink),
		WithObserver(func(tr Transition) {
			states = append(states, fmt.Sprintf("%s(%s)", tr.State, tr.ProviderID))
		}),
	)

	res, err := r.Resolve(context.Background(), movie)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if res.ProviderID != "b" || res.StreamURL != stream {
		t.Errorf("Resolve() = %+v", res)
	}
	if res.Referer != "https://player.example/e/1" {
		t.Errorf("Referer = %q", res.Referer)
	}
	if nav.count("a") != 1 {
		t.Errorf("NotFound was retried: %d calls", nav.count("a"))
	}

	want := "Pending() TryingProvider(a) ProviderFailed(a) TryingProvider(b) Success(b) Done()"
	if got := fmt.Sprint(states); got != "["+want+"]" {
		t.Errorf("states = %s\nwant   [%s]", got, want)
	}

	if len(sink.events) != 1 {
		t.Fatalf("sink got %d events", len(sink.events))
	}
	ev := sink.events[0]
	if !ev.Success() || len(ev.Reasons) != 1 || ev.Reasons[0].ProviderID != "a" || ev.Reasons[0].Kind != failure.NotFound {
		t.Errorf("event = %+v", ev)
	}
}

func TestResolveAllProvidersFailed(t *testing.T) {
	nav := newFakeNav()
	nav.steps["a"] = fail(failure.NotFound)
	nav.steps["b"] = fail(failure.KeyDerivationFailed)
	sink := &recordingSink{err: errors.New("disk full")}

	r := New(registry(t, spec("a", 1), spec("b", 2)), nav, validate.New(), nil, WithEventSink(sink))
	_, err := r.Resolve(context.Background(), movie)

	var agg *failure.AllProvidersFailed
	if !errors.As(err, &agg) {
		t.Fatalf("Resolve() error = %v, want AllProvidersFailed", err)
	}
	if len(agg.Reasons) != 2 {
		t.Fatalf("reasons = %+v", agg.Reasons)
	}
	if !agg.Has("a", failure.NotFound) || !agg.Has("b", failure.KeyDerivationFailed) {
		t.Errorf("reasons = %+v", agg.Reasons)
	}
	if len(sink.events) != 1 || sink.events[0].Success() {
		t.Errorf("failure event not emitted: %+v", sink.events)
	}
}

func TestResolveNoCandidates(t *testing.T) {
	s := spec("a", 1)
	s.ContentTypes = []string{"movie"}
	r := New(registry(t, s), newFakeNav(), validate.New(), nil)

	_, err := r.Resolve(context.Background(), media.ContentRequest{Type: media.TV, ExternalID: "1399", Season: 1, Episode: 1})
	var agg *failure.AllProvidersFailed
	if !errors.As(err, &agg) || len(agg.Reasons) != 0 {
		t.Errorf("Resolve() error = %v", err)
	}
}

func TestResolveRejectsInvalidRequest(t *testing.T) {
	nav := newFakeNav()
	r := New(registry(t, spec("a", 1)), nav, validate.New(), nil)
	if _, err := r.Resolve(context.Background(), media.ContentRequest{Type: media.TV, ExternalID: "1399"}); err == nil {
		t.Error("tv request without season should fail")
	}
	if nav.count("a") != 0 {
		t.Error("invalid request reached the navigator")
	}
}

func TestResolveCacheTTL(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	nav := newFakeNav()
	nav.steps["a"] = succeed(t, stream)
	sink := &recordingSink{}
	r := New(registry(t, spec("a", 1)), nav, validate.New(), cache.New(10*time.Minute, cache.WithClock(clock)),
		WithClock(clock), WithEventSink(sink))

	for i := 0; i < 2; i++ {
		if _, err := r.Resolve(context.Background(), movie); err != nil {
			t.Fatal(err)
		}
	}
	if nav.count("a") != 1 {
		t.Errorf("navigator ran %d times within TTL, want 1", nav.count("a"))
	}
	if !sink.events[1].Cached {
		t.Error("second event should be marked cached")
	}

	mu.Lock()
	now = now.Add(11 * time.Minute)
	mu.Unlock()
	if _, err := r.Resolve(context.Background(), movie); err != nil {
		t.Fatal(err)
	}
	if nav.count("a") != 2 {
		t.Errorf("navigator ran %d times after TTL, want 2", nav.count("a"))
	}
}

func TestResolveCacheHitOnLowerPriority(t *testing.T) {
	nav := newFakeNav()
	nav.steps["a"] = fail(failure.NotFound)
	nav.steps["b"] = succeed(t, stream)
	r := New(registry(t, spec("a", 1), spec("b", 2)), nav, validate.New(), cache.New(time.Minute))

	for i := 0; i < 2; i++ {
		if _, err := r.Resolve(context.Background(), movie); err != nil {
			t.Fatal(err)
		}
	}
	if nav.count("a") != 1 || nav.count("b") != 1 {
		t.Errorf("calls a=%d b=%d; a cached result for b should short-circuit", nav.count("a"), nav.count("b"))
	}
}

func TestResolveNoRetryOnStructuralFailure(t *testing.T) {
	tests := []struct {
		name string
		data string
		want failure.Kind
	}{
		// rot13 of a page URL decodes fine but is not a manifest.
		{"decode mismatch", "", failure.DecodeMismatch},
		{"malformed", "zz", failure.MalformedPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := spec("a", 1)
			data := tt.data
			if tt.want == failure.MalformedPayload {
				s.DecodeStrategy = "reverse-hex-offset"
			} else {
				data = rot13(t, "https://example.com/page.html")
			}
			nav := newFakeNav()
			nav.steps["a"] = func(int) (media.Payload, error) { return media.Payload{Data: data}, nil }

			r := New(registry(t, s), nav, validate.New(), nil, WithRetries(2, time.Millisecond))
			_, err := r.Resolve(context.Background(), movie)

			var agg *failure.AllProvidersFailed
			if !errors.As(err, &agg) || !agg.Has("a", tt.want) {
				t.Fatalf("Resolve() error = %v, want %v", err, tt.want)
			}
			if nav.count("a") != 1 {
				t.Errorf("structural failure retried: %d calls", nav.count("a"))
			}
		})
	}
}

func TestResolveRetriesTransientFailure(t *testing.T) {
	nav := newFakeNav()
	ok := succeed(t, stream)
	nav.steps["a"] = func(call int) (media.Payload, error) {
		if call < 3 {
			return media.Payload{}, failure.New(failure.NetworkError, "connection reset")
		}
		return ok(call)
	}

	r := New(registry(t, spec("a", 1)), nav, validate.New(), nil, WithRetries(2, time.Millisecond))
	res, err := r.Resolve(context.Background(), movie)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if res.StreamURL != stream || nav.count("a") != 3 {
		t.Errorf("result %q after %d calls", res.StreamURL, nav.count("a"))
	}
}

func TestResolveRetriesAreBounded(t *testing.T) {
	nav := newFakeNav()
	nav.steps["a"] = fail(failure.Timeout)

	r := New(registry(t, spec("a", 1)), nav, validate.New(), nil, WithRetries(1, time.Millisecond))
	_, err := r.Resolve(context.Background(), movie)

	var agg *failure.AllProvidersFailed
	if !errors.As(err, &agg) || !agg.Has("a", failure.Timeout) {
		t.Fatalf("Resolve() error = %v", err)
	}
	if nav.count("a") != 2 {
		t.Errorf("calls = %d, want 2 (one retry)", nav.count("a"))
	}
}

func TestResolveRetriesAreCapped(t *testing.T) {
	nav := newFakeNav()
	nav.steps["a"] = fail(failure.NetworkError)

	r := New(registry(t, spec("a", 1)), nav, validate.New(), nil, WithRetries(10, time.Millisecond))
	if _, err := r.Resolve(context.Background(), movie); err == nil {
		t.Fatal("Resolve() succeeded against a failing provider")
	}
	if got, want := nav.count("a"), 1+maxRetries; got != want {
		t.Errorf("calls = %d, want %d", got, want)
	}
}

func TestResolveCoalescesConcurrentRequests(t *testing.T) {
	nav := newFakeNav()
	nav.steps["a"] = succeed(t, stream)
	nav.gate = make(chan struct{})
	r := New(registry(t, spec("a", 1)), nav, validate.New(), cache.New(time.Minute))

	const n = 8
	var wg sync.WaitGroup
	results := make([]media.ResolutionResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(context.Background(), movie)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(nav.gate)
	wg.Wait()

	if nav.count("a") != 1 {
		t.Errorf("navigator ran %d times for %d concurrent requests", nav.count("a"), n)
	}
	for i := range results {
		if errs[i] != nil || results[i] != results[0] {
			t.Errorf("caller %d: %+v, %v", i, results[i], errs[i])
		}
	}
}

func TestResolveOnlyProviders(t *testing.T) {
	nav := newFakeNav()
	nav.steps["a"] = succeed(t, "https://a.example/a.m3u8")
	nav.steps["b"] = succeed(t, "https://b.example/b.m3u8")

	r := New(registry(t, spec("a", 1), spec("b", 2)), nav, validate.New(), nil, WithProviders("b"))
	res, err := r.Resolve(context.Background(), movie)
	if err != nil || res.ProviderID != "b" {
		t.Errorf("Resolve() = %+v, %v", res, err)
	}
	if nav.count("a") != 0 {
		t.Error("restricted resolve touched another provider")
	}

	r = New(registry(t, spec("a", 1)), nav, validate.New(), nil, WithProviders("nope"))
	if _, err := r.Resolve(context.Background(), movie); failure.KindOf(err) != failure.NotFound {
		t.Errorf("unknown provider: %v", err)
	}
}

func TestResolveTitleLookup(t *testing.T) {
	s := spec("a", 1)
	s.EmbedURLTemplate = "https://a.example/e/{id}/{title}"
	nav := newFakeNav()
	nav.steps["a"] = succeed(t, stream)

	r := New(registry(t, s), nav, validate.New(), nil)
	_, err := r.Resolve(context.Background(), movie)
	var agg *failure.AllProvidersFailed
	if !errors.As(err, &agg) || !agg.Has("a", failure.KeyDerivationFailed) {
		t.Errorf("missing lookup: %v", err)
	}

	r = New(registry(t, s), nav, validate.New(), nil, WithMetadata(metadata.Static{"tt0111161": "The Shawshank Redemption"}))
	if _, err := r.Resolve(context.Background(), movie); err != nil {
		t.Fatal(err)
	}
	if nav.title != "The Shawshank Redemption" {
		t.Errorf("title = %q", nav.title)
	}
}

func TestBackoffDelay(t *testing.T) {
	if got := backoffDelay(100*time.Millisecond, 1); got != 100*time.Millisecond {
		t.Errorf("try 1: %v", got)
	}
	if got := backoffDelay(100*time.Millisecond, 3); got != 400*time.Millisecond {
		t.Errorf("try 3: %v", got)
	}
	if got := backoffDelay(time.Second, 40); got != maxBackoff {
		t.Errorf("try 40: %v", got)
	}
}

// End to end over a real two hop chain: the embed page links to a player
// page carrying the session id and the XOR-ed stream URL.
func TestResolveXORChainEndToEnd(t *testing.T) {
	xor, err := decode.Build("xor-with-session-id", nil)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := xor.(decode.Encoder).Encode(stream, decode.Context{Aux: map[string]string{"session_id": "42"}})
	if err != nil {
		t.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/embed/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<iframe src="/player/1"></iframe>`)
	})
	mux.HandleFunc("/player/1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<script>var sid = "42";</script><span class="payload">%s</span>`, enc.Data)
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	s := provider.Spec{
		ID:               "scenario-a",
		Priority:         1,
		EmbedURLTemplate: srv.URL + "/embed/{id}",
		DecodeStrategy:   "xor-with-session-id",
		Steps: []provider.Step{
			{Kind: provider.Fetch, Rule: extract.Rule{Type: extract.Regex, Pattern: `<iframe src="([^"]+)"`}},
			{
				Kind:    provider.Fetch,
				Rule:    extract.Rule{Type: extract.Regex, Pattern: `<span class="payload">([^<]+)</span>`},
				Capture: map[string]extract.Rule{"session_id": {Type: extract.Regex, Pattern: `sid = "(\d+)"`}},
			},
		},
	}

	r := New(registry(t, s), navigate.New(srv.Client()), validate.New(), cache.New(time.Minute))
	res, err := r.Resolve(context.Background(), movie)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if res.StreamURL != stream {
		t.Errorf("StreamURL = %q, want %q", res.StreamURL, stream)
	}
	if res.Referer != srv.URL+"/player/1" {
		t.Errorf("Referer = %q", res.Referer)
	}
}
