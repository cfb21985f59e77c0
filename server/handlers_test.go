package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattnigh/PyFluff/bluetooth"
	"github.com/mattnigh/PyFluff/cache"
	"github.com/mattnigh/PyFluff/config"
	"github.com/mattnigh/PyFluff/protocol"
	"github.com/mattnigh/PyFluff/upload"
	"github.com/mattnigh/PyFluff/utils"
)

type stubLink struct {
	mu     sync.Mutex
	writes map[string][][]byte
}

func (l *stubLink) Write(endpoint string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	l.writes[endpoint] = append(l.writes[endpoint], buf)
	return nil
}

func (l *stubLink) Subscribe(endpoint string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 16)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }, nil
}

func (l *stubLink) Disconnect() error { return nil }

func (l *stubLink) written(endpoint string) [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.writes[endpoint]))
	copy(out, l.writes[endpoint])
	return out
}

type stubTransport struct {
	mu       sync.Mutex
	link     *stubLink
	deadline time.Duration // observed per-attempt budget
}

func (t *stubTransport) Discover(ctx context.Context, timeout time.Duration) (<-chan bluetooth.Advertisement, error) {
	out := make(chan bluetooth.Advertisement)
	close(out)
	return out, nil
}

func (t *stubTransport) Connect(ctx context.Context, address string) (bluetooth.Link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		t.deadline = time.Until(dl)
	}
	t.link = &stubLink{writes: make(map[string][][]byte)}
	return t.link, nil
}

func newTestServer(t *testing.T) (*Server, *stubTransport) {
	t.Helper()
	cfg := config.Default()
	cfg.Cache.Path = t.TempDir() + "/devices.json"

	tr := &stubTransport{}
	session := bluetooth.NewManager(tr, zerolog.Nop())
	uploads := upload.NewController(session, zerolog.Nop())
	store, err := cache.Open(cfg.Cache.Path, zerolog.Nop())
	require.NoError(t, err)
	hub := utils.NewWebSocketHub(zerolog.Nop())
	return New(cfg, session, uploads, store, hub, zerolog.Nop()), tr
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func connectSession(t *testing.T, s *Server, tr *stubTransport) *stubLink {
	t.Helper()
	rec := doJSON(t, s, http.MethodPost, "/api/connect", `{"address":"AA:BB:CC:DD:EE:FF"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return tr.link
}

func TestActionSequenceIssuesAllActions(t *testing.T) {
	s, tr := newTestServer(t)
	link := connectSession(t, s, tr)

	start := time.Now()
	rec := doJSON(t, s, http.MethodPost, "/api/actions/sequence",
		`{"actions":[{"input":55,"index":2,"subindex":14},{"input":55,"index":2,"subindex":15}],"delay":"100ms"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"actions_executed":2`)

	writes := link.written(protocol.CharGeneralPlusWrite)
	require.Len(t, writes, 2)
	assert.Equal(t, []byte{0x13, 0x00, 0x37, 0x02, 0x0E, 0x00}, writes[0])
	assert.Equal(t, []byte{0x13, 0x00, 0x37, 0x02, 0x0F, 0x00}, writes[1])
	// One inter-action pause, none after the last.
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestActionSequenceValidation(t *testing.T) {
	s, tr := newTestServer(t)
	connectSession(t, s, tr)

	rec := doJSON(t, s, http.MethodPost, "/api/actions/sequence", `{"actions":[]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/actions/sequence",
		`{"actions":[{"input":1}],"delay":"5ms"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActionSequenceWithoutSession(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/actions/sequence", `{"actions":[{"input":1}]}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"actions_executed":0`)
}

func TestConnectTimeoutOverride(t *testing.T) {
	s, tr := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/connect",
		`{"address":"AA:BB:CC:DD:EE:FF","timeout":"250ms"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	tr.mu.Lock()
	dl := tr.deadline
	tr.mu.Unlock()
	assert.Greater(t, dl, time.Duration(0))
	assert.LessOrEqual(t, dl, 250*time.Millisecond)
}

func TestClearKnownDevices(t *testing.T) {
	s, _ := newTestServer(t)

	require.NoError(t, s.store.Remember(bluetooth.Identity{Address: "AA:BB:CC:DD:EE:FF"}))
	rec := doJSON(t, s, http.MethodDelete, "/api/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, s.store.All())
}
