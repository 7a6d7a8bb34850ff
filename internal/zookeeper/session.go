// Package zookeeper wraps a ZooKeeper session for reading Kafka cluster metadata.
package zookeeper

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/kafkaconf/internal/reconcile"
)

// ErrNodeNotFound is returned when a znode does not exist.
var ErrNodeNotFound = errors.New("znode not found")

// Auth schemes
const (
	AuthNone   = ""
	AuthDigest = "digest"
	AuthSASL   = "sasl"
)

// Conn is the subset of *zk.Conn the session uses.
type Conn interface {
	Get(path string) ([]byte, *zk.Stat, error)
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	AddAuth(scheme string, auth []byte) error
	Close()
}

// Authenticator performs SASL authentication on behalf of the session.
type Authenticator interface {
	Authenticate(ctx context.Context, conn Conn) error
}

// Config contains ZooKeeper session settings.
type Config struct {
	// Connect is "host:port[,host:port...][/chroot]".
	Connect        string
	SessionTimeout time.Duration

	AuthScheme string
	AuthValue  string

	// SASL is required when AuthScheme is "sasl".
	SASL Authenticator

	// TLS enables an encrypted transport when non-nil.
	TLS *tls.Config
}

// Session is a live ZooKeeper session. Paths passed to its methods are
// relative to the chroot of the connect string.
type Session struct {
	conn   Conn
	chroot string

	closeOnce sync.Once
}

// Connect opens a session and waits until it is established and authenticated.
// Failures are reported as *reconcile.ConnectionError.
func Connect(ctx context.Context, cfg Config) (*Session, error) {
	servers, chroot, err := ParseConnect(cfg.Connect)
	if err != nil {
		return nil, connectionError(err)
	}

	timeout := cfg.SessionTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	dialer := zk.Dialer(net.DialTimeout)
	if cfg.TLS != nil {
		dialer = tlsDialer(cfg.TLS)
	}

	conn, events, err := zk.Connect(servers, timeout, zk.WithDialer(dialer), zk.WithLogger(zkLogger{}))
	if err != nil {
		return nil, connectionError(err)
	}

	if err := waitForSession(ctx, events, timeout); err != nil {
		conn.Close()
		return nil, connectionError(err)
	}

	if err := authenticate(ctx, conn, cfg); err != nil {
		conn.Close()
		return nil, connectionError(err)
	}

	go watchSession(events)

	log.Info().Strs("servers", servers).Str("chroot", chroot).Msg("Connected to ZooKeeper")
	return newSession(conn, chroot), nil
}

func newSession(conn Conn, chroot string) *Session {
	return &Session{conn: conn, chroot: chroot}
}

// Close releases the session. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.conn.Close()
		log.Debug().Msg("ZooKeeper session closed")
	})
}

// ReadNode returns the data stored at path.
func (s *Session) ReadNode(path string) ([]byte, error) {
	data, _, err := s.conn.Get(s.fullPath(path))
	if err != nil {
		return nil, classify(path, err)
	}
	return data, nil
}

// NodeExists reports whether path exists.
func (s *Session) NodeExists(path string) (bool, error) {
	ok, _, err := s.conn.Exists(s.fullPath(path))
	if err != nil {
		return false, classify(path, err)
	}
	return ok, nil
}

// WatchNode returns a channel closed once path is created, deleted or
// changed. The watch is abandoned when ctx ends.
func (s *Session) WatchNode(ctx context.Context, path string) (<-chan struct{}, error) {
	_, _, ch, err := s.conn.ExistsW(s.fullPath(path))
	if err != nil {
		return nil, classify(path, err)
	}

	fired := make(chan struct{})
	go func() {
		select {
		case ev := <-ch:
			log.Debug().Str("path", path).Str("event", ev.Type.String()).Msg("Watch fired")
			close(fired)
		case <-ctx.Done():
		}
	}()
	return fired, nil
}

func (s *Session) fullPath(path string) string {
	return s.chroot + path
}

// ParseConnect splits a connect string into servers and an optional chroot.
func ParseConnect(connect string) (servers []string, chroot string, err error) {
	connect = strings.TrimSpace(connect)
	if i := strings.Index(connect, "/"); i >= 0 {
		chroot = strings.TrimRight(connect[i:], "/")
		connect = connect[:i]
	}

	for _, s := range strings.Split(connect, ",") {
		if s = strings.TrimSpace(s); s != "" {
			servers = append(servers, s)
		}
	}
	if len(servers) == 0 {
		return nil, "", errors.New("no zookeeper servers in connect string")
	}
	return servers, chroot, nil
}

func authenticate(ctx context.Context, conn Conn, cfg Config) error {
	switch cfg.AuthScheme {
	case AuthNone:
		return nil
	case AuthDigest:
		if cfg.AuthValue == "" {
			// digest is the default scheme; no credentials means no auth
			return nil
		}
		if err := conn.AddAuth(AuthDigest, []byte(cfg.AuthValue)); err != nil {
			return fmt.Errorf("digest authentication failed: %w", err)
		}
		return nil
	case AuthSASL:
		if cfg.SASL == nil {
			return errors.New("sasl authentication requires a delegated authenticator")
		}
		if err := cfg.SASL.Authenticate(ctx, conn); err != nil {
			return fmt.Errorf("sasl authentication failed: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported auth scheme %q", cfg.AuthScheme)
	}
}

func waitForSession(ctx context.Context, events <-chan zk.Event, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("no session after %s", timeout)
		case ev, ok := <-events:
			if !ok {
				return errors.New("event channel closed")
			}
			switch ev.State {
			case zk.StateHasSession:
				return nil
			case zk.StateAuthFailed:
				return errors.New("authentication failed")
			case zk.StateExpired:
				return errors.New("session expired")
			}
		}
	}
}

// watchSession logs session state changes until the connection is closed.
func watchSession(events <-chan zk.Event) {
	for ev := range events {
		if ev.Type != zk.EventSession {
			continue
		}
		switch ev.State {
		case zk.StateDisconnected, zk.StateExpired, zk.StateAuthFailed:
			log.Warn().Str("state", ev.State.String()).Str("server", ev.Server).Msg("ZooKeeper session state changed")
		default:
			log.Debug().Str("state", ev.State.String()).Str("server", ev.Server).Msg("ZooKeeper session state changed")
		}
	}
}

// classify maps client errors onto the reconcile error taxonomy.
func classify(path string, err error) error {
	switch {
	case errors.Is(err, zk.ErrNoNode):
		return fmt.Errorf("%s: %w", path, ErrNodeNotFound)
	case errors.Is(err, zk.ErrSessionExpired), errors.Is(err, zk.ErrClosing), errors.Is(err, zk.ErrNoAuth):
		return connectionError(fmt.Errorf("%s: %w", path, err))
	default:
		return fmt.Errorf("%s: %w: %w", path, reconcile.ErrUnavailable, err)
	}
}

func connectionError(err error) error {
	return &reconcile.ConnectionError{Target: "zookeeper", Err: err}
}

func tlsDialer(cfg *tls.Config) zk.Dialer {
	return func(network, address string, timeout time.Duration) (net.Conn, error) {
		d := &net.Dialer{Timeout: timeout}
		return tls.DialWithDialer(d, network, address, cfg)
	}
}

// zkLogger routes client library logs through zerolog.
type zkLogger struct{}

func (zkLogger) Printf(format string, args ...interface{}) {
	log.Debug().Str("component", "zookeeper").Msgf(format, args...)
}
