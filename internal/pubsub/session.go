package pubsub

import (
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/PetoAdam/homenavi/govee-adapter/internal/model"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/mqtt"
	"github.com/PetoAdam/homenavi/govee-adapter/internal/observability"
)

type Phase string

const (
	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
	PhaseSubscribed Phase = "subscribed"
	PhaseClosing    Phase = "closing"
	PhaseClosed     Phase = "closed"
	PhaseErroring   Phase = "erroring"
)

var allPhases = []string{
	string(PhaseConnecting), string(PhaseConnected), string(PhaseSubscribed),
	string(PhaseClosing), string(PhaseClosed), string(PhaseErroring),
}

const (
	KindSimple      = "simple"
	KindCertificate = "certificate"
)

var ErrSessionClosed = errors.New("session closed")

// Status is a point-in-time view of a session for the outward API.
type Status struct {
	Name         string    `json:"name"`
	Kind         string    `json:"kind"`
	Broker       string    `json:"broker"`
	Phase        Phase     `json:"phase"`
	Since        time.Time `json:"since"`
	Topics       []string  `json:"topics"`
	AccountTopic string    `json:"account_topic,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Session is one broker connection. Recorded topics are re-subscribed on
// every connect, since a reconnect drops prior subscriptions.
type Session struct {
	name         string
	kind         string
	broker       string
	accountTopic string
	sink         EventSink
	now          func() time.Time

	client mqtt.ClientAPI

	mu           sync.Mutex
	phase        Phase
	since        time.Time
	lastErr      string
	topics       []string
	deviceTopics map[string]string
}

func newSession(name, kind, broker, accountTopic string, sink EventSink, now func() time.Time) *Session {
	s := &Session{
		name:         name,
		kind:         kind,
		broker:       broker,
		accountTopic: accountTopic,
		sink:         sink,
		now:          now,
		deviceTopics: map[string]string{},
	}
	if accountTopic != "" {
		s.topics = append(s.topics, accountTopic)
	}
	s.setPhase(PhaseConnecting, nil)
	return s
}

func (s *Session) Name() string { return s.name }

func (s *Session) AccountTopic() string { return s.accountTopic }

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Name:         s.name,
		Kind:         s.kind,
		Broker:       s.broker,
		Phase:        s.phase,
		Since:        s.since,
		Topics:       slices.Clone(s.topics),
		AccountTopic: s.accountTopic,
		LastError:    s.lastErr,
	}
}

func (s *Session) setPhase(p Phase, err error) {
	s.mu.Lock()
	s.setPhaseLocked(p, err)
	s.mu.Unlock()
}

func (s *Session) setPhaseLocked(p Phase, err error) {
	if s.phase == p && err == nil {
		return
	}
	s.phase = p
	s.since = s.now()
	if err != nil {
		s.lastErr = err.Error()
	}
	observability.SetSessionPhase(s.name, string(p), allPhases)
}

func (s *Session) closed() bool {
	p := s.Phase()
	return p == PhaseClosing || p == PhaseClosed
}

// Subscribe records topic and subscribes it now if connected. A failure is
// logged and returned; the topic stays recorded for the next connect.
func (s *Session) Subscribe(topic string) error {
	return s.subscribe(topic, "")
}

// SubscribeDevice subscribes a device-scoped topic. Messages on it that omit
// a device id are attributed to deviceID.
func (s *Session) SubscribeDevice(topic, deviceID string) error {
	return s.subscribe(topic, deviceID)
}

func (s *Session) subscribe(topic, deviceID string) error {
	if topic == "" {
		return errors.New("empty topic")
	}
	if s.closed() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	if !slices.Contains(s.topics, topic) {
		s.topics = append(s.topics, topic)
	}
	if deviceID != "" {
		s.deviceTopics[topic] = deviceID
	}
	s.mu.Unlock()

	if !s.client.IsConnected() {
		return nil
	}
	if err := s.client.Subscribe(topic, s.handle); err != nil {
		slog.Warn("govee subscribe failed", "session", s.name, "topic", topic, "error", err)
		return err
	}
	s.setPhase(PhaseSubscribed, nil)
	return nil
}

// RequestStatus asks a device to publish its current state.
func (s *Session) RequestStatus(deviceTopic string) error {
	payload, err := statusFrame(s.accountTopic, s.now())
	if err != nil {
		return err
	}
	return s.publish(deviceTopic, payload)
}

// SendCommand publishes a command to a device topic.
func (s *Session) SendCommand(deviceTopic, cmd string, data any) error {
	payload, err := commandFrame(s.accountTopic, cmd, data, s.now())
	if err != nil {
		return err
	}
	return s.publish(deviceTopic, payload)
}

func (s *Session) publish(topic string, payload []byte) error {
	if s.closed() {
		return ErrSessionClosed
	}
	if err := s.client.Publish(topic, payload); err != nil {
		slog.Warn("govee publish failed", "session", s.name, "topic", topic, "error", err)
		return err
	}
	return nil
}

func (s *Session) onConnect() {
	s.mu.Lock()
	if s.phase == PhaseClosing || s.phase == PhaseClosed {
		s.mu.Unlock()
		return
	}
	s.setPhaseLocked(PhaseConnected, nil)
	topics := slices.Clone(s.topics)
	s.mu.Unlock()

	subscribed := 0
	for _, t := range topics {
		if err := s.client.Subscribe(t, s.handle); err != nil {
			slog.Warn("govee resubscribe failed", "session", s.name, "topic", t, "error", err)
			continue
		}
		subscribed++
	}
	if subscribed > 0 && !s.closed() {
		s.setPhase(PhaseSubscribed, nil)
	}
}

func (s *Session) onConnectionLost(err error) {
	if s.closed() {
		return
	}
	s.setPhase(PhaseErroring, err)
}

func (s *Session) onReconnecting() {
	if s.closed() {
		return
	}
	s.setPhase(PhaseConnecting, nil)
}

func (s *Session) handle(msg mqtt.Message) {
	ev, err := DecodePush(msg.Payload())
	if err != nil {
		outcome := "invalid"
		if errors.Is(err, errNoState) {
			outcome = "ignored"
		}
		observability.ObservePush(s.name, outcome)
		slog.Debug("govee push skipped", "session", s.name, "topic", msg.Topic(), "error", err)
		return
	}
	ev.Session = s.name
	ev.Topic = msg.Topic()
	if ev.DeviceID == "" {
		s.mu.Lock()
		ev.DeviceID = s.deviceTopics[msg.Topic()]
		s.mu.Unlock()
	}
	if ev.DeviceID == "" {
		observability.ObservePush(s.name, "ignored")
		return
	}
	ev.DeviceID = model.NormalizeID(ev.DeviceID)
	observability.ObservePush(s.name, "applied")
	if s.sink != nil {
		s.sink(ev)
	}
}

// Close unsubscribes (best effort) and disconnects. It never fails.
func (s *Session) Close() {
	s.mu.Lock()
	if s.phase == PhaseClosing || s.phase == PhaseClosed {
		s.mu.Unlock()
		return
	}
	s.setPhaseLocked(PhaseClosing, nil)
	topics := slices.Clone(s.topics)
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("govee session close panicked", "session", s.name, "panic", r)
		}
		s.setPhase(PhaseClosed, nil)
	}()
	if s.client == nil {
		return
	}
	if s.client.IsConnected() {
		for _, t := range topics {
			if err := s.client.Unsubscribe(t); err != nil {
				slog.Warn("govee unsubscribe failed", "session", s.name, "topic", t, "error", err)
			}
		}
	}
	s.client.Disconnect()
}
