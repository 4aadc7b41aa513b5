package mikrotik

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go-wisp/internal/device"
	"go-wisp/internal/models"

	"github.com/go-routeros/routeros"
	"github.com/rs/zerolog"
)

const (
	DefaultAPIPort    = 8728
	DefaultAPITLSPort = 8729
)

// Session is one authenticated RouterOS API connection
type Session interface {
	Run(sentence ...string) (*routeros.Reply, error)
	Close()
}

// Dialer opens a Session against address. It must give up once ctx ends
// or timeout passes without an authenticated session.
type Dialer func(ctx context.Context, address, username, password string, useTLS bool, timeout time.Duration) (Session, error)

type routerosSession struct {
	c *routeros.Client
}

func (s routerosSession) Run(sentence ...string) (*routeros.Reply, error) {
	return s.c.Run(sentence...)
}

func (s routerosSession) Close() {
	s.c.Close()
}

// DialRouterOS is the production Dialer. Router certificates are
// self-signed on this network, so TLS sessions skip verification.
// The login exchange runs under a connection deadline so a router that
// accepts TCP but never answers cannot hold the caller.
func DialRouterOS(ctx context.Context, address, username, password string, useTLS bool, timeout time.Duration) (Session, error) {
	nd := &net.Dialer{Timeout: timeout}

	var (
		conn net.Conn
		err  error
	)
	if useTLS {
		td := &tls.Dialer{NetDialer: nd, Config: &tls.Config{InsecureSkipVerify: true}}
		conn, err = td.DialContext(ctx, "tcp", address)
	} else {
		conn, err = nd.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, err
	}

	loginDeadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(loginDeadline) {
		loginDeadline = dl
	}
	if err := conn.SetDeadline(loginDeadline); err != nil {
		conn.Close()
		return nil, err
	}

	c, err := routeros.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := c.Login(username, password); err != nil {
		c.Close()
		return nil, fmt.Errorf("login: %w", err)
	}

	// commands are bounded by the caller's context from here on
	sessionDeadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(sessionDeadline); err != nil {
		c.Close()
		return nil, err
	}
	return routerosSession{c: c}, nil
}

// Client talks to MikroTik routers over the RouterOS API. Every operation
// opens its own session and closes it before returning.
type Client struct {
	dial        Dialer
	useTLS      bool
	dialTimeout time.Duration
	logger      zerolog.Logger
	now         func() time.Time
}

// Option customizes a Client
type Option func(*Client)

func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// WithPlainAPI uses the unencrypted API port instead of api-ssl
func WithPlainAPI() Option {
	return func(c *Client) { c.useTLS = false }
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a new MikroTik client
func New(logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		dial:        DialRouterOS,
		useTLS:      true,
		dialTimeout: 10 * time.Second,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) address(dev models.Device) string {
	port := dev.Credentials.Port
	if port == 0 {
		port = DefaultAPITLSPort
		if !c.useTLS {
			port = DefaultAPIPort
		}
	}
	return net.JoinHostPort(dev.Host, strconv.Itoa(port))
}

// withSession dials and runs fn on a fresh session in its own goroutine.
// When ctx ends first the context error is returned at once; a Run in
// flight is unblocked by closing the session and a pending login by its
// deadline.
func (c *Client) withSession(ctx context.Context, dev models.Device, fn func(Session) error) error {
	if err := ctx.Err(); err != nil {
		return device.Unreachable(dev.Host, err)
	}

	done := make(chan error, 1)
	go func() {
		s, err := c.dial(ctx, c.address(dev), dev.Credentials.Username, dev.Credentials.Password, c.useTLS, c.dialTimeout)
		if err != nil {
			done <- device.Unreachable(dev.Host, err)
			return
		}
		closeSession := sync.OnceFunc(s.Close)
		stop := context.AfterFunc(ctx, closeSession)
		defer stop()

		err = fn(s)
		closeSession()
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return device.Unreachable(dev.Host, ctx.Err())
	}
}

// FetchStatus reads system resources, identity and active PPP sessions
func (c *Client) FetchStatus(ctx context.Context, dev models.Device) (*models.StatusSnapshot, error) {
	var snap *models.StatusSnapshot

	err := c.withSession(ctx, dev, func(s Session) error {
		res, err := s.Run("/system/resource/print")
		if err != nil {
			return device.Unreachable(dev.Host, err)
		}
		if len(res.Re) == 0 {
			return device.Unreachable(dev.Host, fmt.Errorf("empty /system/resource reply"))
		}
		resource := res.Re[0].Map

		identity := ""
		if res, err := s.Run("/system/identity/print"); err == nil && len(res.Re) > 0 {
			identity = res.Re[0].Map["name"]
		}

		active, err := s.Run("/ppp/active/print")
		if err != nil {
			return device.Unreachable(dev.Host, err)
		}

		snap = buildSnapshot(dev, c.now(), resource, identity, active)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func buildSnapshot(dev models.Device, at time.Time, resource map[string]string, identity string, active *routeros.Reply) *models.StatusSnapshot {
	snap := &models.StatusSnapshot{
		DeviceHost: dev.Host,
		Kind:       models.KindRouter,
		Timestamp:  at,
		Online:     true,
		Metrics: map[string]float64{
			models.MetricUptime:            float64(ParseDuration(resource["uptime"]) / time.Second),
			models.MetricCPULoad:           parseFloat(resource["cpu-load"]),
			models.MetricFreeMemory:        parseFloat(resource["free-memory"]),
			models.MetricTotalMemory:       parseFloat(resource["total-memory"]),
			models.MetricOnlineClientCount: float64(len(active.Re)),
		},
		Metadata: map[string]string{
			models.MetaHostname: identity,
			models.MetaModel:    resource["board-name"],
			models.MetaFirmware: resource["version"],
		},
		ConnectedClients: make([]models.ClientStationInfo, 0, len(active.Re)),
	}

	for _, re := range active.Re {
		snap.ConnectedClients = append(snap.ConnectedClients, models.ClientStationInfo{
			MAC:           re.Map["caller-id"],
			Hostname:      re.Map["name"],
			IPAddress:     re.Map["address"],
			UptimeSeconds: int64(ParseDuration(re.Map["uptime"]) / time.Second),
		})
	}
	return snap
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
