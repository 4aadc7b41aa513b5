package mikrotik

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go-wisp/internal/device"
	"go-wisp/internal/logger"
	"go-wisp/internal/models"

	"github.com/go-routeros/routeros"
	"github.com/go-routeros/routeros/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRouter is an in-memory RouterOS with PPP secrets and sessions
type fakeRouter struct {
	mu       sync.Mutex
	secrets  map[string]map[string]string // by .id
	active   map[string]map[string]string // by .id
	resource map[string]string
	commands []string
	block    chan struct{}
	closed   int
	failOn   string
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		secrets: map[string]map[string]string{
			"*1A": {".id": "*1A", "name": "client42", "disabled": "false"},
			"*1B": {".id": "*1B", "name": "client43", "disabled": "true"},
		},
		active: map[string]map[string]string{
			"*80": {".id": "*80", "name": "client42", "address": "100.64.0.42", "caller-id": "AA:BB:CC:DD:EE:42", "uptime": "1h2m3s"},
		},
		resource: map[string]string{
			"uptime":       "1w2d3h4m5s",
			"cpu-load":     "7",
			"free-memory":  "104857600",
			"total-memory": "268435456",
			"board-name":   "RB4011iGS+",
			"version":      "7.14.3 (stable)",
		},
	}
}

func (r *fakeRouter) dialer(_ context.Context, address, username, password string, useTLS bool, timeout time.Duration) (Session, error) {
	if password == "wrong" {
		return nil, errors.New("from RouterOS device: invalid user name or password")
	}
	return &fakeSession{router: r}, nil
}

func (r *fakeRouter) writes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0)
	for _, c := range r.commands {
		if strings.HasSuffix(c, "/set") || strings.HasSuffix(c, "/remove") {
			out = append(out, c)
		}
	}
	return out
}

type fakeSession struct {
	router *fakeRouter
}

func reply(maps ...map[string]string) *routeros.Reply {
	r := &routeros.Reply{}
	for _, m := range maps {
		cp := make(map[string]string, len(m))
		for k, v := range m {
			cp[k] = v
		}
		r.Re = append(r.Re, &proto.Sentence{Word: "!re", Map: cp})
	}
	return r
}

func args(sentence []string) map[string]string {
	out := make(map[string]string)
	for _, w := range sentence[1:] {
		kv := strings.SplitN(w[1:], "=", 2)
		if len(kv) == 2 {
			out[kv[0]] = kv[1]
		}
	}
	return out
}

func (s *fakeSession) Run(sentence ...string) (*routeros.Reply, error) {
	r := s.router
	if r.block != nil {
		<-r.block
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, sentence[0])
	if r.failOn == sentence[0] {
		return nil, errors.New("from RouterOS device: failure")
	}

	a := args(sentence)
	switch sentence[0] {
	case "/system/resource/print":
		return reply(r.resource), nil
	case "/system/identity/print":
		return reply(map[string]string{"name": "core-router"}), nil
	case "/ppp/secret/print":
		var found []map[string]string
		for _, sec := range r.secrets {
			if sec[".id"] == a[".id"] || sec["name"] == a["name"] {
				found = append(found, sec)
			}
		}
		return reply(found...), nil
	case "/ppp/secret/set":
		r.secrets[a[".id"]]["disabled"] = map[string]string{"yes": "true", "no": "false"}[a["disabled"]]
		return reply(), nil
	case "/ppp/active/print":
		var found []map[string]string
		for _, ses := range r.active {
			if a["name"] == "" || ses["name"] == a["name"] {
				found = append(found, ses)
			}
		}
		return reply(found...), nil
	case "/ppp/active/remove":
		delete(r.active, a[".id"])
		return reply(), nil
	}
	return nil, errors.New("no such command")
}

func (s *fakeSession) Close() {
	s.router.mu.Lock()
	s.router.closed++
	s.router.mu.Unlock()
}

func testDevice() models.Device {
	return models.Device{
		Host:        "10.0.0.1",
		Kind:        models.KindRouter,
		Credentials: models.Credentials{Username: "api", Password: "secret"},
	}
}

func newTestClient(r *fakeRouter) *Client {
	return New(logger.NewTestLogger(), WithDialer(r.dialer))
}

func TestFetchStatus(t *testing.T) {
	r := newFakeRouter()
	at := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	c := New(logger.NewTestLogger(), WithDialer(r.dialer), WithClock(func() time.Time { return at }))

	snap, err := c.FetchStatus(context.Background(), testDevice())
	require.NoError(t, err)

	assert.True(t, snap.Online)
	assert.Equal(t, models.KindRouter, snap.Kind)
	assert.Equal(t, at, snap.Timestamp)
	assert.Equal(t, 7.0, snap.Metrics[models.MetricCPULoad])
	assert.Equal(t, float64(788645), snap.Metrics[models.MetricUptime])
	assert.Equal(t, 1.0, snap.Metrics[models.MetricOnlineClientCount])
	assert.Equal(t, "core-router", snap.Metadata[models.MetaHostname])
	assert.Equal(t, "RB4011iGS+", snap.Metadata[models.MetaModel])
	require.Len(t, snap.ConnectedClients, 1)
	assert.Equal(t, "100.64.0.42", snap.ConnectedClients[0].IPAddress)
	assert.Equal(t, int64(3723), snap.ConnectedClients[0].UptimeSeconds)
	assert.Equal(t, 1, r.closed)
}

func TestFetchStatusAuthFailureIsUnreachable(t *testing.T) {
	dev := testDevice()
	dev.Credentials.Password = "wrong"

	_, err := newTestClient(newFakeRouter()).FetchStatus(context.Background(), dev)
	assert.ErrorIs(t, err, device.ErrUnreachable)
}

func TestFetchStatusHonoursContext(t *testing.T) {
	r := newFakeRouter()
	r.block = make(chan struct{})
	defer close(r.block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := newTestClient(r).FetchStatus(ctx, testDevice())
	assert.ErrorIs(t, err, device.ErrUnreachable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// silentRouter accepts API connections and never answers the login
func silentRouter(t *testing.T) models.Device {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	dev := testDevice()
	dev.Host = "127.0.0.1"
	dev.Credentials.Port = addr.Port
	return dev
}

func TestSetServiceEnabledStalledLoginIsBounded(t *testing.T) {
	dev := silentRouter(t)
	c := New(logger.NewTestLogger(), WithPlainAPI(), WithDialTimeout(time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.SetServiceEnabled(ctx, dev, "*1A", false)
	assert.ErrorIs(t, err, device.ErrUnreachable)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDialRouterOSLoginTimeout(t *testing.T) {
	dev := silentRouter(t)

	start := time.Now()
	_, err := DialRouterOS(context.Background(), net.JoinHostPort(dev.Host, strconv.Itoa(dev.Credentials.Port)), "api", "secret", false, 200*time.Millisecond)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSetServiceEnabledIsIdempotent(t *testing.T) {
	r := newFakeRouter()
	c := newTestClient(r)
	ctx := context.Background()

	require.NoError(t, c.SetServiceEnabled(ctx, testDevice(), "*1A", false))
	assert.Equal(t, "true", r.secrets["*1A"]["disabled"])
	assert.Empty(t, r.active, "live session must be kicked")
	assert.Equal(t, []string{"/ppp/secret/set", "/ppp/active/remove"}, r.writes())

	require.NoError(t, c.SetServiceEnabled(ctx, testDevice(), "*1A", false))
	assert.Len(t, r.writes(), 2, "second disable must not write")

	require.NoError(t, c.SetServiceEnabled(ctx, testDevice(), "*1A", true))
	require.NoError(t, c.SetServiceEnabled(ctx, testDevice(), "*1A", true))
	assert.Equal(t, "false", r.secrets["*1A"]["disabled"])
	assert.Len(t, r.writes(), 3)
}

func TestSetServiceEnabledByName(t *testing.T) {
	r := newFakeRouter()
	require.NoError(t, newTestClient(r).SetServiceEnabled(context.Background(), testDevice(), "client43", true))
	assert.Equal(t, "false", r.secrets["*1B"]["disabled"])
}

func TestSetServiceEnabledUnknownRef(t *testing.T) {
	err := newTestClient(newFakeRouter()).SetServiceEnabled(context.Background(), testDevice(), "*FF", false)
	assert.ErrorIs(t, err, device.ErrServiceNotFound)
}

func TestSetServiceEnabledKickFailureIsNotFatal(t *testing.T) {
	r := newFakeRouter()
	r.failOn = "/ppp/active/remove"

	require.NoError(t, newTestClient(r).SetServiceEnabled(context.Background(), testDevice(), "*1A", false))
	assert.Equal(t, "true", r.secrets["*1A"]["disabled"])
}

func TestSetServiceEnabledWriteFailure(t *testing.T) {
	r := newFakeRouter()
	r.failOn = "/ppp/secret/set"

	err := newTestClient(r).SetServiceEnabled(context.Background(), testDevice(), "*1A", false)
	assert.Error(t, err)
	assert.Equal(t, "false", r.secrets["*1A"]["disabled"])
}

func TestParseDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"":           0,
		"5s":         5 * time.Second,
		"1h2m3s":     time.Hour + 2*time.Minute + 3*time.Second,
		"1w2d3h4m5s": 7*24*time.Hour + 2*24*time.Hour + 3*time.Hour + 4*time.Minute + 5*time.Second,
		"2d03:04:05": 2*24*time.Hour + 3*time.Hour + 4*time.Minute + 5*time.Second,
		"00:01:02":   time.Minute + 2*time.Second,
		"150ms":      150 * time.Millisecond,
		"garbage":    0,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseDuration(in), in)
	}
}
