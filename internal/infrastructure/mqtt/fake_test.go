package mqtt

import (
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// =============================================================================
// Fake paho client
// =============================================================================

// fakeToken implements pahomqtt.Token plus the optional Result and SessionPresent methods.
type fakeToken struct {
	once           sync.Once
	done           chan struct{}
	err            error
	granted        map[string]byte
	sessionPresent bool
}

func newFakeToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func completedToken(err error) *fakeToken {
	t := newFakeToken()
	t.complete(err)
	return t
}

func (t *fakeToken) complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{}   { return t.done }
func (t *fakeToken) Error() error            { <-t.done; return t.err }
func (t *fakeToken) Result() map[string]byte { return t.granted }
func (t *fakeToken) SessionPresent() bool    { return t.sessionPresent }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeSubscribe struct {
	topic string
	qos   byte
}

type fakePublish struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// fakeClient records every call and lets tests drive connection events.
// By default every operation is acknowledged immediately and subscriptions
// are granted at the requested QoS.
type fakeClient struct {
	mu   sync.Mutex
	opts *pahomqtt.ClientOptions

	connected  bool
	connectErr error
	connectTok *fakeToken
	hangAcks   bool
	reject     map[string]bool

	subscribes   []fakeSubscribe
	publishes    []fakePublish
	unsubscribes []string
	disconnects  int
	held         []*fakeToken

	disconnectDelay time.Duration
}

func newFakeClient() *fakeClient {
	return &fakeClient{reject: make(map[string]bool)}
}

// install makes s build this fake instead of a paho client.
func (c *fakeClient) install(s *Session) {
	s.newClient = func(opts *pahomqtt.ClientOptions) pahomqtt.Client {
		c.mu.Lock()
		c.opts = opts
		c.mu.Unlock()
		return c
	}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectTok != nil {
		return c.connectTok
	}
	if c.connectErr == nil {
		c.connected = true
	}
	return completedToken(c.connectErr)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnects++
	c.connected = false
	delay := c.disconnectDelay
	c.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishes = append(c.publishes, fakePublish{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return c.ack(newFakeToken())
}

func (c *fakeClient) Subscribe(topic string, qos byte, _ pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribes = append(c.subscribes, fakeSubscribe{topic: topic, qos: qos})

	t := newFakeToken()
	t.granted = map[string]byte{topic: qos}
	if c.reject[topic] {
		t.granted[topic] = subackFailure
	}
	return c.ack(t)
}

func (c *fakeClient) SubscribeMultiple(filters map[string]byte, _ pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := newFakeToken()
	t.granted = make(map[string]byte, len(filters))
	for topic, qos := range filters {
		c.subscribes = append(c.subscribes, fakeSubscribe{topic: topic, qos: qos})
		t.granted[topic] = qos
	}
	return c.ack(t)
}

func (c *fakeClient) Unsubscribe(topics ...string) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribes = append(c.unsubscribes, topics...)
	return c.ack(newFakeToken())
}

func (c *fakeClient) AddRoute(string, pahomqtt.MessageHandler) {}

func (c *fakeClient) OptionsReader() pahomqtt.ClientOptionsReader {
	return pahomqtt.ClientOptionsReader{}
}

// ack completes t now, or holds it when hangAcks is set. Caller holds c.mu.
func (c *fakeClient) ack(t *fakeToken) *fakeToken {
	if c.hangAcks {
		c.held = append(c.held, t)
		return t
	}
	t.complete(nil)
	return t
}

// releaseHeld completes every held token with err.
func (c *fakeClient) releaseHeld(err error) {
	c.mu.Lock()
	held := c.held
	c.held = nil
	c.mu.Unlock()
	for _, t := range held {
		t.complete(err)
	}
}

// drop simulates a lost connection.
func (c *fakeClient) drop(err error) {
	c.mu.Lock()
	c.connected = false
	handler := c.opts.OnConnectionLost
	c.mu.Unlock()
	handler(c, err)
}

// restore simulates paho's automatic reconnect.
func (c *fakeClient) restore() {
	c.mu.Lock()
	c.connected = true
	handler := c.opts.OnConnect
	c.mu.Unlock()
	handler(c)
}

// deliver simulates an incoming message.
func (c *fakeClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	handler := c.opts.DefaultPublishHandler
	c.mu.Unlock()
	handler(c, fakeMessage{topic: topic, payload: payload})
}

func (c *fakeClient) subscribeCalls() []fakeSubscribe {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]fakeSubscribe(nil), c.subscribes...)
}

func (c *fakeClient) publishCalls() []fakePublish {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]fakePublish(nil), c.publishes...)
}

func (c *fakeClient) disconnectCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
