package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/PetoAdam/homenavi/govee-adapter/internal/account"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/mqtt"
)

const (
	DefaultBroker = "ssl://aqm3wd1qlc3dy-ats.iot.us-east-1.amazonaws.com:8883"

	certKeepAlive = 60 * time.Second
)

func shortID() string { return strings.ReplaceAll(uuid.NewString(), "-", "")[:8] }

// SimpleAccountTopic is the account topic of the API-key broker.
func SimpleAccountTopic(apiKey string) string { return "GA/" + apiKey }

// Credentials is what the manager needs from the credential store.
type Credentials interface {
	APIKey() string
	Session(ctx context.Context) (account.AuthContext, error)
}

type Config struct {
	SimpleBroker string     `mapstructure:"simple_broker"`
	CertBroker   string     `mapstructure:"cert_broker"`
	Cert         CertConfig `mapstructure:"cert"`
}

// Manager owns the named broker sessions.
type Manager struct {
	creds Credentials
	cfg   Config
	sink  EventSink
	dial  mqtt.Dialer
	now   func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	// opening collapses concurrent opens of the same name into one dial.
	opening singleflight.Group
}

type ManagerOption func(*Manager)

func WithDialer(d mqtt.Dialer) ManagerOption { return func(m *Manager) { m.dial = d } }

func WithClock(now func() time.Time) ManagerOption { return func(m *Manager) { m.now = now } }

func NewManager(creds Credentials, cfg Config, sink EventSink, opts ...ManagerOption) *Manager {
	if cfg.SimpleBroker == "" {
		cfg.SimpleBroker = DefaultBroker
	}
	if cfg.CertBroker == "" {
		cfg.CertBroker = DefaultBroker
	}
	m := &Manager{
		creds:    creds,
		cfg:      cfg,
		sink:     sink,
		dial:     mqtt.New,
		now:      time.Now,
		sessions: map[string]*Session{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// OpenSimple connects to the API-key broker. Nothing is subscribed
// automatically; callers subscribe SimpleAccountTopic themselves.
func (m *Manager) OpenSimple(ctx context.Context, name string) (*Session, error) {
	return m.openOnce(name, func() (*Session, error) { return m.openSimple(ctx, name) })
}

func (m *Manager) openSimple(ctx context.Context, name string) (*Session, error) {
	key := m.creds.APIKey()
	s := newSession(name, KindSimple, m.cfg.SimpleBroker, "", m.sink, m.now)
	opts := mqtt.Options{
		BrokerURL:    m.cfg.SimpleBroker,
		ClientID:     "govee-adapter-" + shortID(),
		Username:     key,
		Password:     key,
		TLS:          ServerTLS(m.cfg.Cert.AllowInsecure),
		CleanSession: true,
	}
	return m.open(ctx, s, opts)
}

// OpenCertificate connects to the certificate broker with the account
// identity, logging in first if needed. The account topic is subscribed on
// every connect.
func (m *Manager) OpenCertificate(ctx context.Context, name string) (*Session, error) {
	return m.openOnce(name, func() (*Session, error) { return m.openCertificate(ctx, name) })
}

func (m *Manager) openCertificate(ctx context.Context, name string) (*Session, error) {
	tlsCfg, err := m.cfg.Cert.TLSConfig()
	if err != nil {
		return nil, err
	}
	ac, err := m.creds.Session(ctx)
	if err != nil {
		return nil, err
	}
	s := newSession(name, KindCertificate, m.cfg.CertBroker, ac.AccountTopic, m.sink, m.now)
	opts := mqtt.Options{
		BrokerURL:    m.cfg.CertBroker,
		ClientID:     ac.ClientID,
		TLS:          tlsCfg,
		KeepAlive:    certKeepAlive,
		CleanSession: true,
	}
	return m.open(ctx, s, opts)
}

// openOnce returns the live session called name, or runs dial with every
// concurrent caller for that name sharing its result.
func (m *Manager) openOnce(name string, dial func() (*Session, error)) (*Session, error) {
	if s, ok := m.live(name); ok {
		return s, nil
	}
	v, err, _ := m.opening.Do(name, func() (any, error) {
		if s, ok := m.live(name); ok {
			return s, nil
		}
		return dial()
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (m *Manager) open(ctx context.Context, s *Session, opts mqtt.Options) (*Session, error) {
	opts.OnConnect = s.onConnect
	opts.OnConnectionLost = s.onConnectionLost
	opts.OnReconnecting = s.onReconnecting
	s.client = m.dial(opts)

	if err := s.client.Connect(ctx); err != nil {
		// A connect abandoned on ctx may still complete inside paho.
		s.client.Disconnect()
		s.setPhase(PhaseClosed, err)
		slog.Error("govee broker connect failed", "session", s.name, "broker", s.broker, "error", err)
		return nil, fmt.Errorf("connect %s session: %w", s.name, err)
	}

	m.mu.Lock()
	prev := m.sessions[s.name]
	m.sessions[s.name] = s
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	slog.Info("govee session open", "session", s.name, "kind", s.kind, "broker", s.broker)
	return s, nil
}

func (m *Manager) live(name string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	if !ok || s.closed() {
		return nil, false
	}
	return s, true
}

func (m *Manager) Session(name string) (*Session, bool) {
	return m.live(name)
}

// Sessions returns the status of every tracked session, ordered by name.
func (m *Manager) Sessions() []Status {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()
	out := make([]Status, 0, len(list))
	for _, s := range list {
		out = append(out, s.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) Close(name string) {
	m.mu.Lock()
	s := m.sessions[name]
	delete(m.sessions, name)
	m.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

func (m *Manager) CloseAll() {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for name, s := range m.sessions {
		list = append(list, s)
		delete(m.sessions, name)
	}
	m.mu.Unlock()
	for _, s := range list {
		s.Close()
	}
}
