package webserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/filebeam/filebeam/internal/bandwidth"
	"github.com/filebeam/filebeam/internal/config"
	"github.com/filebeam/filebeam/internal/dispatch"
	"github.com/filebeam/filebeam/internal/fetcher"
	"github.com/filebeam/filebeam/internal/locator"
	"github.com/filebeam/filebeam/internal/logger"
	"github.com/filebeam/filebeam/internal/metrics"
	"github.com/filebeam/filebeam/internal/refcodec"
	"github.com/filebeam/filebeam/internal/registry"
	"github.com/filebeam/filebeam/internal/upstream"
)

const testFileSize = 1 << 20 // 1 MiB

// knownByte is the deterministic content of the test file.
func knownByte(i int64) byte { return byte(i % 256) }

type memStore struct {
	mu     sync.Mutex
	months map[string]int64
}

func (s *memStore) Increment(ctx context.Context, month string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.months[month] += delta
	return nil
}
func (s *memStore) Usage(ctx context.Context, month string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.months[month], nil
}
func (s *memStore) Months(ctx context.Context) ([]string, error) { return nil, nil }
func (s *memStore) Delete(ctx context.Context, month string) error {
	return nil
}

// mockSession serves the known file. barrier, when set, blocks every read
// until released (used to force request overlap).
type mockSession struct {
	size    int64
	barrier func()
}

func (m *mockSession) FetchChunk(ctx context.Context, loc locator.FileLocator, offset, limit int64) ([]byte, error) {
	if m.barrier != nil {
		m.barrier()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset >= m.size {
		return nil, nil
	}
	end := offset + limit
	if end > m.size {
		end = m.size
	}
	out := make([]byte, end-offset)
	for i := range out {
		out[i] = knownByte(offset + int64(i))
	}
	return out, nil
}

func (m *mockSession) Close() error { return nil }

type mockClient struct {
	id             string
	size           int64
	sentAt         time.Time
	mime           string
	filename       string
	missing        bool
	barrier        func()
	resolveBarrier func()

	resolves atomic.Int64
}

func (m *mockClient) ID() string { return m.id }
func (m *mockClient) Me() upstream.BotInfo {
	return upstream.BotInfo{ID: 99, Username: "filebeam_bot", FirstName: "FileBeam"}
}
func (m *mockClient) Ready() bool  { return true }
func (m *mockClient) Close() error { return nil }

func (m *mockClient) ResolveFile(ctx context.Context, messageID int64) (locator.FileLocator, error) {
	m.resolves.Add(1)
	if m.resolveBarrier != nil {
		m.resolveBarrier()
	}
	if m.missing {
		return locator.FileLocator{}, upstream.ErrNotFound
	}
	return locator.FileLocator{
		DCID:     2,
		LocalID:  messageID,
		Size:     m.size,
		MimeType: m.mime,
		Filename: m.filename,
		SentAt:   m.sentAt,
	}, nil
}

func (m *mockClient) DialMediaSession(ctx context.Context, dcID int) (upstream.Session, error) {
	return &mockSession{size: m.size, barrier: m.barrier}, nil
}

type testEnv struct {
	service *Service
	router  *gin.Engine
	clients []*mockClient
	store   *memStore
}

type envOptions struct {
	identities     int
	maxPerIdentity int
	limitBytes     int64
	presetUsed     int64
	expirySeconds  int64
	fileSize       int64
	zeroSize       bool
	sentAt         time.Time
	missing        bool
	barrier        func()
	resolveBarrier func()
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if opts.identities == 0 {
		opts.identities = 1
	}
	if opts.maxPerIdentity == 0 {
		opts.maxPerIdentity = 8
	}
	if opts.fileSize == 0 && !opts.missing && !opts.zeroSize {
		opts.fileSize = testFileSize
	}
	if opts.sentAt.IsZero() {
		opts.sentAt = time.Now()
	}

	cfg := &config.Config{
		Port:                   "0",
		BaseURL:                "http://files.test",
		LinkExpirySeconds:      opts.expirySeconds,
		BandwidthLimitBytes:    opts.limitBytes,
		MaxStreamsPerIdentity:  opts.maxPerIdentity,
		ChunkSize:              1 << 18, // 256 KiB keeps multi-chunk paths hot
		LocatorCacheMaxEntries: 16,
		RateLimitMaxRequests:   1000,
		RateLimitWindowSeconds: 600,
	}

	log := logger.NewNop()
	pool := upstream.NewPool(log, 0)

	names := []string{"primary", "worker-1", "worker-2", "worker-3"}
	var clients []*mockClient
	var identities []*dispatch.Identity
	for i := 0; i < opts.identities; i++ {
		cl := &mockClient{
			id:             names[i],
			size:           opts.fileSize,
			sentAt:         opts.sentAt,
			mime:           "video/mp4",
			filename:       "sample.mp4",
			missing:        opts.missing,
			barrier:        opts.barrier,
			resolveBarrier: opts.resolveBarrier,
		}
		clients = append(clients, cl)
		identities = append(identities, &dispatch.Identity{
			ID:       cl.id,
			Client:   cl,
			Locators: locator.NewCache(cfg.LocatorCacheMaxEntries),
		})
	}

	store := &memStore{months: map[string]int64{}}
	if opts.presetUsed > 0 {
		store.months[bandwidth.MonthKey(time.Now())] = opts.presetUsed
	}
	ledger, err := bandwidth.NewLedger(context.Background(), store, opts.limitBytes, log)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}

	svc := New(Deps{
		Config:     cfg,
		Logger:     log,
		Dispatcher: dispatch.New(identities, int64(opts.maxPerIdentity)),
		Fetcher:    fetcher.New(pool, cfg.ChunkSize, log),
		Registry:   registry.New(4*time.Hour, 10*time.Minute, log),
		Ledger:     ledger,
		Metrics:    metrics.New(),
	})
	return &testEnv{service: svc, router: svc.Router(), clients: clients, store: store}
}

func (e *testEnv) get(t *testing.T, path, rangeHeader string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "203.0.113.9:4000"
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func ref(messageID int64) string { return refcodec.Encode(messageID) }

func checkBody(t *testing.T, body []byte, from int64, wantLen int64) {
	t.Helper()
	if int64(len(body)) != wantLen {
		t.Fatalf("body length = %d, want %d", len(body), wantLen)
	}
	for i, b := range body {
		if b != knownByte(from+int64(i)) {
			t.Fatalf("body[%d] = %d, want %d", i, b, knownByte(from+int64(i)))
		}
	}
}

func TestFullFileDownload(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	w := e.get(t, "/dl/"+ref(42), "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Content-Length"); got != "1048576" {
		t.Errorf("Content-Length = %s", got)
	}
	if got := w.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Errorf("Accept-Ranges = %s", got)
	}
	if got := w.Header().Get("Content-Disposition"); got != `attachment; filename="sample.mp4"` {
		t.Errorf("Content-Disposition = %s", got)
	}
	checkBody(t, w.Body.Bytes(), 0, testFileSize)
}

func TestStreamOmitsDisposition(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	w := e.get(t, "/stream/"+ref(42), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("Content-Disposition"); got != "" {
		t.Errorf("stream endpoint set Content-Disposition: %s", got)
	}
}

func TestRangeRequests(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	cases := []struct {
		header       string
		from, length int64
		contentRange string
	}{
		{"bytes=0-1023", 0, 1024, "bytes 0-1023/1048576"},
		{"bytes=0-0", 0, 1, "bytes 0-0/1048576"},
		{"bytes=1000000-", 1_000_000, 48_576, "bytes 1000000-1048575/1048576"},
		{"bytes=-100", 1_048_476, 100, "bytes 1048476-1048575/1048576"},
		{"bytes=-1", 1_048_575, 1, "bytes 1048575-1048575/1048576"},
	}
	for _, tc := range cases {
		t.Run(tc.header, func(t *testing.T) {
			w := e.get(t, "/stream/"+ref(7), tc.header)
			if w.Code != http.StatusPartialContent {
				t.Fatalf("status = %d, want 206", w.Code)
			}
			if got := w.Header().Get("Content-Range"); got != tc.contentRange {
				t.Errorf("Content-Range = %s, want %s", got, tc.contentRange)
			}
			checkBody(t, w.Body.Bytes(), tc.from, tc.length)
		})
	}
}

func TestRangeUnsatisfiable(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	for _, h := range []string{"bytes=1048576-", "bytes=1048576-1048600", "bytes=0-100,200-300"} {
		t.Run(h, func(t *testing.T) {
			w := e.get(t, "/stream/"+ref(7), h)
			if w.Code != http.StatusRequestedRangeNotSatisfiable {
				t.Fatalf("status = %d, want 416", w.Code)
			}
			if got := w.Header().Get("Content-Range"); got != "bytes */1048576" {
				t.Errorf("Content-Range = %s, want bytes */1048576", got)
			}
			if got := w.Header().Get("Cache-Control"); got != "no-store" {
				t.Errorf("Cache-Control = %s, want no-store on 416", got)
			}
		})
	}
	if wip := e.service.dispatcher.TotalWIP(); wip != 0 {
		t.Errorf("total wip after 416s = %d, want 0 (slot released on range failure)", wip)
	}
}

func TestZeroSizeFile(t *testing.T) {
	e := newTestEnv(t, envOptions{zeroSize: true})

	w := e.get(t, "/dl/"+ref(3), "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Content-Length"); got != "0" {
		t.Errorf("Content-Length = %s, want 0", got)
	}
	if w.Body.Len() != 0 {
		t.Errorf("body length = %d, want 0", w.Body.Len())
	}

	w = e.get(t, "/dl/"+ref(3), "bytes=0-0")
	if w.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Errorf("ranged request on empty file: status = %d, want 416", w.Code)
	}
	if wip := e.service.dispatcher.TotalWIP(); wip != 0 {
		t.Errorf("total wip after zero-length responses = %d, want 0", wip)
	}
}

func TestInvalidReference(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	w := e.get(t, "/dl/not-a-real-ref", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %s, want no-store", got)
	}
}

func TestReferenceNotFound(t *testing.T) {
	e := newTestEnv(t, envOptions{missing: true})
	w := e.get(t, "/dl/"+ref(5), "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}

	// The dead reference is negative-cached: a second request must not hit
	// the upstream again.
	before := e.clients[0].resolves.Load()
	w = e.get(t, "/dl/"+ref(5), "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("second request: %d, want 404", w.Code)
	}
	if after := e.clients[0].resolves.Load(); after != before {
		t.Errorf("negative cache missed: resolves went %d -> %d", before, after)
	}
}

func TestExpiredLink(t *testing.T) {
	e := newTestEnv(t, envOptions{
		expirySeconds: 3600,
		sentAt:        time.Now().Add(-2 * time.Hour),
	})
	w := e.get(t, "/dl/"+ref(9), "")
	if w.Code != http.StatusGone {
		t.Fatalf("status = %d, want 410", w.Code)
	}
	if wip := e.service.dispatcher.TotalWIP(); wip != 0 {
		t.Errorf("total wip after 410 = %d, want 0 (slot released on expiry)", wip)
	}
}

func TestBandwidthCeilingGate(t *testing.T) {
	e := newTestEnv(t, envOptions{limitBytes: 1000, presetUsed: 1000})
	w := e.get(t, "/dl/"+ref(9), "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if w.Body.Len() == 0 {
		t.Error("503 without a plain-text notice")
	}
}

func TestBandwidthAccrual(t *testing.T) {
	e := newTestEnv(t, envOptions{limitBytes: 1 << 30})
	e.get(t, "/stream/"+ref(9), "bytes=0-1023")
	if used := e.service.ledger.Used(); used != 1024 {
		t.Errorf("ledger.Used() = %d, want 1024", used)
	}
}

func TestLocatorCachedAcrossRequests(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.get(t, "/stream/"+ref(11), "bytes=0-0")
	e.get(t, "/stream/"+ref(11), "bytes=1-1")
	if got := e.clients[0].resolves.Load(); got != 1 {
		t.Errorf("resolves = %d, want 1 (second request served from cache)", got)
	}
}

func TestConcurrentRequestsUseDistinctIdentities(t *testing.T) {
	// The barrier sits in ResolveFile, after identity selection but before
	// any bytes flow: it holds all three requests in flight at once, so a
	// dispatcher that reserved slots late would hand every request to the
	// first identity.
	var entered atomic.Int32
	barrierCh := make(chan struct{})
	resolveBarrier := func() {
		if entered.Add(1) == 3 {
			close(barrierCh)
		}
		<-barrierCh
	}
	e := newTestEnv(t, envOptions{identities: 3, maxPerIdentity: 1, resolveBarrier: resolveBarrier})

	var wg sync.WaitGroup
	codes := make([]int, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := e.get(t, "/dl/"+ref(int64(100+i)), "")
			codes[i] = w.Code
		}(i)
	}
	wg.Wait()

	for i, code := range codes {
		if code != http.StatusOK {
			t.Errorf("request %d: status %d", i, code)
		}
	}
	// Each identity served exactly one of the three requests.
	for _, cl := range e.clients {
		if got := cl.resolves.Load(); got != 1 {
			t.Errorf("identity %s resolved %d requests, want 1", cl.id, got)
		}
	}
	// And every slot drained.
	for _, ident := range e.service.dispatcher.Identities() {
		if w := ident.WIP(); w != 0 {
			t.Errorf("identity %s WIP after drain = %d, want 0", ident.ID, w)
		}
	}
	if count := e.service.streams.Count(); count != 0 {
		t.Errorf("registry count after drain = %d, want 0", count)
	}
}

func TestClientDisconnectReleasesEverything(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 16)
	barrier := func() {
		started <- struct{}{}
		<-release
	}
	e := newTestEnv(t, envOptions{barrier: barrier})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/dl/"+ref(77), nil).WithContext(ctx)
	req.RemoteAddr = "203.0.113.9:4000"

	done := make(chan struct{})
	go func() {
		defer close(done)
		w := httptest.NewRecorder()
		e.router.ServeHTTP(w, req)
	}()

	<-started
	cancel()
	close(release)
	<-done

	if count := e.service.streams.Count(); count != 0 {
		t.Errorf("registry count after disconnect = %d, want 0", count)
	}
	if wip := e.service.dispatcher.TotalWIP(); wip != 0 {
		t.Errorf("total wip after disconnect = %d, want 0", wip)
	}
}

func TestChunkConcatenationMatchesFile(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	// Awkward interval spanning chunk boundaries on both ends.
	w := e.get(t, "/stream/"+ref(8), "bytes=262143-786433")
	if w.Code != http.StatusPartialContent {
		t.Fatalf("status = %d", w.Code)
	}
	checkBody(t, w.Body.Bytes(), 262143, 786433-262143+1)
}

func TestInfoEndpoint(t *testing.T) {
	e := newTestEnv(t, envOptions{limitBytes: 1 << 30})
	w := e.get(t, "/api/info", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`"status":"ok"`,
		`"username":"filebeam_bot"`,
		`"mention":"@filebeam_bot"`,
		`"range_requests_supported":true`,
		`"seeking_supported":true`,
		`"enabled":true`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("info body missing %s\nbody: %s", want, body)
		}
	}
}

func TestSuccessCacheHeader(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	w := e.get(t, "/stream/"+ref(2), "bytes=0-0")
	if got := w.Header().Get("Cache-Control"); got != "public, max-age=3600" {
		t.Errorf("Cache-Control = %s", got)
	}
}
