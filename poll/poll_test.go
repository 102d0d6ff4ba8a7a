package poll

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"poweron-notifier/pkg/notifier"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fetchResult struct {
	err error
	ref string
}

type fakeFetcher struct {
	results  []fetchResult
	calls    int
	inflight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
	mu       sync.Mutex
}

func (f *fakeFetcher) Fetch(_ context.Context, _ string) (string, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	if idx >= len(f.results) {
		idx = len(f.results) - 1
	}
	f.calls++
	r := f.results[idx]
	return r.ref, r.err
}

type delivery struct {
	content string
	id      notifier.SubscriberID
}

type fakeTransport struct {
	fail   map[notifier.SubscriberID]error
	onSend func()
	photos []delivery
	texts  []delivery
	mu     sync.Mutex
}

func (f *fakeTransport) SendSchedule(_ context.Context, id notifier.SubscriberID, imageURL, _ string) error {
	if f.onSend != nil {
		f.onSend()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[id]; err != nil {
		return err
	}
	f.photos = append(f.photos, delivery{id: id, content: imageURL})
	return nil
}

func (f *fakeTransport) SendText(_ context.Context, id notifier.SubscriberID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[id]; err != nil {
		return err
	}
	f.texts = append(f.texts, delivery{id: id, content: text})
	return nil
}

func (f *fakeTransport) photoCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.photos)
}

type fakeStore struct {
	removeErr error
	ids       map[notifier.SubscriberID]bool
	mu        sync.Mutex
}

func newFakeStore(ids ...notifier.SubscriberID) *fakeStore {
	s := &fakeStore{ids: map[notifier.SubscriberID]bool{}}
	for _, id := range ids {
		s.ids[id] = true
	}
	return s
}

func (s *fakeStore) All() []notifier.SubscriberID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notifier.SubscriberID, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (s *fakeStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

func (s *fakeStore) Remove(_ context.Context, id notifier.SubscriberID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeErr != nil {
		return s.removeErr
	}
	delete(s.ids, id)
	return nil
}

type fakeCache struct {
	saved *notifier.Schedule
	mu    sync.Mutex
}

func (c *fakeCache) Load(context.Context) *notifier.Schedule {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saved
}

func (c *fakeCache) Save(_ context.Context, sched notifier.Schedule) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saved = &sched
	return nil
}

type plainFormatter struct{}

func (plainFormatter) Caption(_ time.Time, extra string) string { return "caption " + extra }
func (plainFormatter) Timestamp(now time.Time) string           { return now.Format(time.RFC3339) }
func (plainFormatter) CheckFailed(err error) string              { return "failed: " + err.Error() }

type fakeClock struct {
	now time.Time
	mu  sync.Mutex
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newMonitor(f Fetcher, tr Transport, st Store, cache Cache, clock *fakeClock) *Monitor {
	cfg := &Config{
		Fetcher:        f,
		Transport:      tr,
		Store:          st,
		Formatter:      plainFormatter{},
		Logger:         testLogger(),
		TargetURL:      "https://poweron.example/shedule-off",
		Interval:       time.Minute,
		ErrorCooldown:  15 * time.Minute,
		SendRatePerSec: 1000,
	}
	if cache != nil {
		cfg.Cache = cache
	}
	if clock != nil {
		cfg.Now = clock.Now
	}
	return New(context.Background(), cfg)
}

var errUpstream = errors.New("site down")

func TestBroadcastOnlyWhenReferenceChanges(t *testing.T) {
	steps := []struct {
		result  fetchResult
		changed bool
	}{
		{fetchResult{err: errUpstream}, false},
		{fetchResult{ref: "https://x/a.png"}, true},
		{fetchResult{ref: "https://x/a.png"}, false},
		{fetchResult{err: errUpstream}, false},
		{fetchResult{ref: "https://x/a.png"}, false},
		{fetchResult{ref: "https://x/b.png"}, true},
		{fetchResult{ref: "https://x/a.png"}, true},
		{fetchResult{ref: "https://x/a.png?v=1"}, true},
	}

	results := make([]fetchResult, len(steps))
	for i, s := range steps {
		results[i] = s.result
	}
	fetcher := &fakeFetcher{results: results}
	tr := &fakeTransport{}
	m := newMonitor(fetcher, tr, newFakeStore(1), nil, nil)

	broadcasts := 0
	for i, s := range steps {
		res, err := m.Refresh(context.Background())
		if (err != nil) != (s.result.err != nil) {
			t.Fatalf("step %d: err = %v, want error %v", i, err, s.result.err != nil)
		}
		if res.Changed != s.changed {
			t.Errorf("step %d: Changed = %v, want %v", i, res.Changed, s.changed)
		}
		if s.changed {
			broadcasts++
		}
		if got := tr.photoCount(); got != broadcasts {
			t.Errorf("step %d: %d photos sent, want %d", i, got, broadcasts)
		}
	}
}

func TestFirstReferenceBroadcastsToAll(t *testing.T) {
	tr := &fakeTransport{}
	store := newFakeStore(100, 200, 300)
	m := newMonitor(&fakeFetcher{results: []fetchResult{{ref: "https://x/b.png"}}}, tr, store, nil, nil)

	m.Poll(context.Background())

	if m.LastReference() != "https://x/b.png" {
		t.Errorf("LastReference() = %q, want https://x/b.png", m.LastReference())
	}
	want := []delivery{{id: 100, content: "https://x/b.png"}, {id: 200, content: "https://x/b.png"}, {id: 300, content: "https://x/b.png"}}
	if !slices.Equal(tr.photos, want) {
		t.Errorf("photos = %v, want %v", tr.photos, want)
	}
}

func TestRestoredReferenceSuppressesResend(t *testing.T) {
	cache := &fakeCache{saved: &notifier.Schedule{Reference: "https://x/a.png", Timestamp: "yesterday"}}
	tr := &fakeTransport{}
	m := newMonitor(&fakeFetcher{results: []fetchResult{{ref: "https://x/a.png"}}}, tr, newFakeStore(1, 2), cache, nil)

	m.Poll(context.Background())

	if n := tr.photoCount(); n != 0 {
		t.Errorf("%d photos sent for unchanged schedule, want 0", n)
	}
	if m.LastReference() != "https://x/a.png" {
		t.Errorf("LastReference() = %q", m.LastReference())
	}
	if cache.saved.Timestamp != "yesterday" {
		t.Error("unchanged schedule must not rewrite the cache")
	}
}

func TestReferenceRecordedBeforeDispatch(t *testing.T) {
	cache := &fakeCache{}
	tr := &fakeTransport{}
	var m *Monitor
	var seenRef string
	var seenCache *notifier.Schedule
	tr.onSend = func() {
		seenRef = m.LastReference()
		seenCache = cache.Load(context.Background())
	}
	m = newMonitor(&fakeFetcher{results: []fetchResult{{ref: "https://x/new.png"}}}, tr, newFakeStore(1), cache, nil)

	m.Poll(context.Background())

	if seenRef != "https://x/new.png" {
		t.Errorf("reference during dispatch = %q, want it updated before sending", seenRef)
	}
	if seenCache == nil || seenCache.Reference != "https://x/new.png" {
		t.Errorf("cache during dispatch = %+v, want it saved before sending", seenCache)
	}
}

func TestBroadcastIsolation(t *testing.T) {
	const a, b, c notifier.SubscriberID = 1, 2, 3
	tr := &fakeTransport{fail: map[notifier.SubscriberID]error{
		a: &notifier.DeliveryError{ID: a, Err: errors.New("blocked"), Permanent: true},
		b: &notifier.DeliveryError{ID: b, Err: errors.New("Too Many Requests")},
	}}
	store := newFakeStore(a, b, c)
	m := newMonitor(&fakeFetcher{results: []fetchResult{{ref: "https://x/a.png"}}}, tr, store, nil, nil)

	res, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}

	if got := store.All(); !slices.Equal(got, []notifier.SubscriberID{b, c}) {
		t.Errorf("subscribers after broadcast = %v, want [2 3]", got)
	}
	if !slices.Equal(tr.photos, []delivery{{id: c, content: "https://x/a.png"}}) {
		t.Errorf("photos = %v, want delivery to 3 only", tr.photos)
	}
	if res.Report.Sent != 1 || res.Report.Failed != 2 || res.Report.Removed != 1 {
		t.Errorf("report = %+v, want sent=1 failed=2 removed=1", res.Report)
	}
	if !slices.Equal(res.Report.Delivered, []notifier.SubscriberID{c}) {
		t.Errorf("delivered = %v", res.Report.Delivered)
	}
}

func TestBroadcastOutlivesCancelledRequest(t *testing.T) {
	tr := &fakeTransport{}
	fetcher := &fakeFetcher{results: []fetchResult{{ref: "https://x/new.png"}}}
	m := newMonitor(fetcher, tr, newFakeStore(1, 2, 3), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once sync.Once
	tr.onSend = func() { once.Do(cancel) }

	res, err := m.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if res.Report.Sent != 3 {
		t.Errorf("sent = %d after request cancel, want 3", res.Report.Sent)
	}

	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh() error: %v", err)
	}
	want := []delivery{
		{id: 1, content: "https://x/new.png"},
		{id: 2, content: "https://x/new.png"},
		{id: 3, content: "https://x/new.png"},
	}
	if !slices.Equal(tr.photos, want) {
		t.Errorf("photos = %v, want one delivery per subscriber", tr.photos)
	}
}

func TestBroadcastContinuesWhenRemovalFails(t *testing.T) {
	tr := &fakeTransport{fail: map[notifier.SubscriberID]error{
		1: &notifier.DeliveryError{ID: 1, Err: errors.New("blocked"), Permanent: true},
	}}
	store := newFakeStore(1, 2, 3)
	store.removeErr = errors.New("disk full")
	m := newMonitor(&fakeFetcher{results: []fetchResult{{ref: "https://x/a.png"}}}, tr, store, nil, nil)

	res, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if res.Report.Sent != 2 || res.Report.Failed != 1 || res.Report.Removed != 0 {
		t.Errorf("report = %+v, want sent=2 failed=1 removed=0", res.Report)
	}
	want := []delivery{{id: 2, content: "https://x/a.png"}, {id: 3, content: "https://x/a.png"}}
	if !slices.Equal(tr.photos, want) {
		t.Errorf("photos = %v, want %v", tr.photos, want)
	}
	if got := store.All(); !slices.Equal(got, []notifier.SubscriberID{1, 2, 3}) {
		t.Errorf("subscribers = %v, failed removal must leave the set unchanged", got)
	}
}

func TestFailureNoticeIsThrottled(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)}
	tr := &fakeTransport{}
	m := newMonitor(&fakeFetcher{results: []fetchResult{{err: errUpstream}}}, tr, newFakeStore(7, 8), nil, clock)

	m.Poll(context.Background())
	clock.Advance(5 * time.Minute)
	m.Poll(context.Background())

	if len(tr.texts) != 2 {
		t.Fatalf("%d notices after two failures 5m apart, want 2 (one per subscriber)", len(tr.texts))
	}
	for _, d := range tr.texts {
		if d.content != "failed: check schedule: site down" {
			t.Errorf("notice text = %q", d.content)
		}
	}

	clock.Advance(11 * time.Minute)
	m.Poll(context.Background())
	if len(tr.texts) != 4 {
		t.Errorf("%d notices after cooldown passed, want 4", len(tr.texts))
	}
}

func TestManualFailureIsNotBroadcast(t *testing.T) {
	tr := &fakeTransport{}
	m := newMonitor(&fakeFetcher{results: []fetchResult{{err: errUpstream}}}, tr, newFakeStore(1, 2), nil, nil)

	_, err := m.Refresh(context.Background())
	if !errors.Is(err, errUpstream) {
		t.Fatalf("Refresh() error = %v, want wrapping %v", err, errUpstream)
	}
	if len(tr.texts) != 0 {
		t.Errorf("manual failure sent %d notices, want 0", len(tr.texts))
	}
	if st := m.Status(); st.LastError == "" {
		t.Error("Status() should report the last error")
	}
}

func TestCyclesAreSerialized(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{{ref: "https://x/a.png"}}, delay: 10 * time.Millisecond}
	tr := &fakeTransport{}
	m := newMonitor(fetcher, tr, newFakeStore(1), nil, nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Refresh(context.Background())
		}()
	}
	wg.Wait()

	if got := fetcher.maxSeen.Load(); got != 1 {
		t.Errorf("max concurrent fetches = %d, want 1", got)
	}
	if n := tr.photoCount(); n != 1 {
		t.Errorf("%d photos sent for one change, want 1", n)
	}
}

func TestStatus(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 11, 1, 10, 0, 0, 0, time.UTC)}
	m := newMonitor(&fakeFetcher{results: []fetchResult{{ref: "https://x/a.png"}}}, &fakeTransport{}, newFakeStore(1, 2), nil, clock)

	st := m.Status()
	if st.LastReference != "" || st.Subscribers != 2 || st.Interval != "1m0s" {
		t.Errorf("initial status = %+v", st)
	}

	m.Poll(context.Background())
	st = m.Status()
	if st.LastReference != "https://x/a.png" || !st.LastCheck.Equal(clock.Now()) || st.LastError != "" {
		t.Errorf("status after poll = %+v", st)
	}
}

func TestRunPollsImmediatelyAndStops(t *testing.T) {
	fetcher := &fakeFetcher{results: []fetchResult{{ref: "https://x/a.png"}}}
	tr := &fakeTransport{}
	m := newMonitor(fetcher, tr, newFakeStore(1), nil, nil)
	m.interval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for tr.photoCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if tr.photoCount() != 1 {
		t.Fatal("Run() did not poll at start-up")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not stop after cancel")
	}
}

func TestThrottle(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		offsets []time.Duration
		want    []bool
	}{
		{"first failure notifies", []time.Duration{0}, []bool{true}},
		{"within cooldown", []time.Duration{0, 5 * time.Minute}, []bool{true, false}},
		{"exactly at cooldown", []time.Duration{0, 15 * time.Minute}, []bool{true, false}},
		{"after cooldown", []time.Duration{0, 16 * time.Minute}, []bool{true, true}},
		{"window restarts from last notice", []time.Duration{0, 10 * time.Minute, 16 * time.Minute, 20 * time.Minute, 32 * time.Minute}, []bool{true, false, true, false, true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := NewThrottle(15 * time.Minute)
			for i, off := range tt.offsets {
				if got := th.ShouldNotify(base.Add(off)); got != tt.want[i] {
					t.Errorf("ShouldNotify(+%v) = %v, want %v", off, got, tt.want[i])
				}
			}
		})
	}
}

func TestThrottleConcurrentDecisions(t *testing.T) {
	th := NewThrottle(time.Hour)
	now := time.Now()
	var granted atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if th.ShouldNotify(now) {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	if granted.Load() != 1 {
		t.Errorf("%d concurrent callers allowed, want 1", granted.Load())
	}
}

func TestDetector(t *testing.T) {
	d := NewDetector("", false)
	if !d.Observe("https://x/a.png") {
		t.Error("first reference should be a change")
	}
	if d.Observe("https://x/a.png") {
		t.Error("same reference should not be a change")
	}
	if !d.Observe("https://x/a.png/") {
		t.Error("exact comparison must not ignore a trailing slash")
	}
}

func TestDetectorNormalize(t *testing.T) {
	d := NewDetector("https://x/a.png?t=1", true)
	if d.Observe("https://x/a.png?t=2") {
		t.Error("cache-busting query should be ignored when normalizing")
	}
	if d.Last() != "https://x/a.png?t=1" {
		t.Errorf("Last() = %q, unchanged reference must not be replaced", d.Last())
	}
	if !d.Observe("https://x/b.png?t=2") {
		t.Error("different path should be a change")
	}
}

func TestNormalizeReference(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"https://api.loe.lviv.ua/media/a.png", "https://api.loe.lviv.ua/media/a.png"},
		{"https://api.loe.lviv.ua/media/a.png?v=123", "https://api.loe.lviv.ua/media/a.png"},
		{"https://api.loe.lviv.ua/media/a.png#top", "https://api.loe.lviv.ua/media/a.png"},
		{"https://api.loe.lviv.ua/media/a.png?", "https://api.loe.lviv.ua/media/a.png"},
	}
	for _, tt := range tests {
		if got := NormalizeReference(tt.in); got != tt.want {
			t.Errorf("NormalizeReference(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDispatcherStopsOnCancel(t *testing.T) {
	store := newFakeStore()
	d := NewDispatcher(store, 1000, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	rep := d.Broadcast(ctx, []notifier.SubscriberID{1, 2}, func(context.Context, notifier.SubscriberID) error {
		calls++
		return nil
	})
	if calls != 0 || rep.Sent != 0 {
		t.Errorf("cancelled broadcast sent %d", calls)
	}
}

func ExampleNormalizeReference() {
	fmt.Println(NormalizeReference("https://api.loe.lviv.ua/media/graph.png?cache=42"))
	// Output: https://api.loe.lviv.ua/media/graph.png
}
