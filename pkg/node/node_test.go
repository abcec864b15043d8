package node

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/svclink/svclink/pkg/config"
	"github.com/svclink/svclink/pkg/consumer"
	"github.com/svclink/svclink/pkg/iface"
	"github.com/svclink/svclink/pkg/log"
	"github.com/svclink/svclink/pkg/msgid"
	"github.com/svclink/svclink/pkg/outcome"
	"github.com/svclink/svclink/pkg/provider"
	"github.com/svclink/svclink/pkg/wire"
)

const helloYAML = `
name: HelloWorld
version: 1.0.0
kind: public
requests:
  - name: SayHello
    response: Hello
  - name: Ping
responses:
  - name: Hello
    params: 1
attributes:
  - name: Greeting
`

const (
	reqSayHello  msgid.ID = 100
	reqPing      msgid.ID = 101
	respHello    msgid.ID = 4196
	attrGreeting msgid.ID = 8292
)

func helloDescriptor(t *testing.T) *iface.Descriptor {
	t.Helper()
	def, err := iface.ParseDefinition([]byte(helloYAML))
	require.NoError(t, err)
	desc, err := def.Descriptor()
	require.NoError(t, err)
	return desc
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Transport.Listen = "127.0.0.1:0"
	return cfg
}

func newNode(t *testing.T, cfg config.Config, opts ...Option) *Node {
	t.Helper()
	n, err := New(cfg, append([]Option{WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func helloHandlers() map[msgid.ID]provider.RequestHandler {
	return map[msgid.ID]provider.RequestHandler{
		reqSayHello: func(call *provider.Call) error {
			name, err := provider.Arg[string](call, 0)
			if err != nil {
				return err
			}
			return call.Respond("hello " + name)
		},
		reqPing: func(*provider.Call) error { return nil },
	}
}

func waitConnected(t *testing.T, ep *Endpoint[*consumer.Consumer], want bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		var connected bool
		err := ep.Do(context.Background(), func(c *consumer.Consumer) { connected = c.Connected() })
		return err == nil && connected == want
	}, 5*time.Second, 10*time.Millisecond)
}

func sayHello(t *testing.T, ep *Endpoint[*consumer.Consumer], name string) consumer.Update {
	t.Helper()
	got := make(chan consumer.Update, 1)
	require.NoError(t, ep.Do(context.Background(), func(c *consumer.Consumer) {
		_, err := c.SendRequest(reqSayHello, func(u consumer.Update) { got <- u }, name)
		assert.NoError(t, err)
	}))
	select {
	case u := <-got:
		return u
	case <-time.After(5 * time.Second):
		t.Fatal("no response")
		return consumer.Update{}
	}
}

func assertHello(t *testing.T, u consumer.Update, want string) {
	t.Helper()
	got, err := wire.As[string](u.Param(0))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// stateLog captures service state changes.
type stateLog struct {
	mu     sync.Mutex
	states []*log.StateChangeEvent
}

func (s *stateLog) Log(e log.Event) {
	if e.StateChange == nil || e.StateChange.Entity != log.StateEntityService {
		return
	}
	s.mu.Lock()
	s.states = append(s.states, e.StateChange)
	s.mu.Unlock()
}

func (s *stateLog) has(newState, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range s.states {
		if sc.NewState == newState && sc.Reason == reason {
			return true
		}
	}
	return false
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.NodeID = "not-a-uuid"
	_, err := New(cfg, WithLogger(quietLogger()))
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Bus.Enabled = true
	_, err = New(cfg, WithLogger(quietLogger()))
	assert.ErrorIs(t, err, ErrBusNotEnabled)
}

func TestLocalProviderAndConsumer(t *testing.T) {
	n := newNode(t, testConfig())
	desc := helloDescriptor(t)

	prov, err := n.Provide(desc, "main", helloHandlers())
	require.NoError(t, err)
	assert.Equal(t, ProviderAddress(n.ID(), "HelloWorld", "main"), prov.Address())

	cons, err := n.Consume(desc, "main", prov.Address())
	require.NoError(t, err)
	waitConnected(t, cons, true)

	u := sayHello(t, cons, "bob")
	require.Equal(t, outcome.RequestOK, u.Outcome)
	assert.Equal(t, respHello, u.ID)
	assert.Equal(t, reqSayHello, u.Request)
	assertHello(t, u, "hello bob")

	// The same role cannot be provided twice.
	_, err = n.Provide(desc, "main", nil)
	assert.Error(t, err)
}

func TestAttributeSubscription(t *testing.T) {
	n := newNode(t, testConfig())
	desc := helloDescriptor(t)
	ctx := context.Background()

	prov, err := n.Provide(desc, "main", helloHandlers())
	require.NoError(t, err)
	cons, err := n.Consume(desc, "main", prov.Address())
	require.NoError(t, err)
	waitConnected(t, cons, true)

	updates := make(chan consumer.Update, 4)
	require.NoError(t, cons.Do(ctx, func(c *consumer.Consumer) {
		_, err := c.Subscribe(attrGreeting, false, func(u consumer.Update) { updates <- u })
		assert.NoError(t, err)
	}))

	// Never set: the subscriber learns the value is invalid.
	select {
	case u := <-updates:
		assert.Equal(t, outcome.DataInvalid, u.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("no initial update")
	}

	require.NoError(t, prov.Do(ctx, func(p *provider.Provider) {
		assert.NoError(t, p.SetAttribute(attrGreeting, "hi"))
	}))
	select {
	case u := <-updates:
		assert.Equal(t, outcome.DataOK, u.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("no update")
	}

	var greeting string
	require.NoError(t, cons.Do(ctx, func(c *consumer.Consumer) {
		greeting, err = consumer.Attribute[string](c, attrGreeting)
	}))
	require.NoError(t, err)
	assert.Equal(t, "hi", greeting)
}

func TestRemoteOverTCP(t *testing.T) {
	desc := helloDescriptor(t)
	server := newNode(t, testConfig())
	client := newNode(t, testConfig())

	addr, err := server.Listen(context.Background())
	require.NoError(t, err)
	_, err = server.Listen(context.Background())
	assert.ErrorIs(t, err, ErrListening)

	_, err = server.Provide(desc, "main", helloHandlers())
	require.NoError(t, err)

	peer, err := client.Dial(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, server.ID(), peer)
	require.Eventually(t, func() bool { return server.LinkCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	target := ProviderAddress(server.ID(), "HelloWorld", "main")
	cons, err := client.Consume(desc, "main", target)
	require.NoError(t, err)
	waitConnected(t, cons, true)

	u := sayHello(t, cons, "alice")
	require.Equal(t, outcome.RequestOK, u.Outcome)
	assertHello(t, u, "hello alice")

	// Losing the link takes the service away.
	require.NoError(t, server.Close())
	waitConnected(t, cons, false)
}

func TestRemoteProviderMissing(t *testing.T) {
	desc := helloDescriptor(t)
	server := newNode(t, testConfig())
	states := &stateLog{}
	client := newNode(t, testConfig(), WithProtocolLogger(states))

	addr, err := server.Listen(context.Background())
	require.NoError(t, err)
	_, err = client.Dial(context.Background(), addr)
	require.NoError(t, err)

	cons, err := client.Consume(desc, "main", ProviderAddress(server.ID(), "HelloWorld", "spare"))
	require.NoError(t, err)

	// The connect comes back undelivered and the consumer stays offline.
	require.Eventually(t, func() bool {
		return states.has(consumer.StateDisconnected.String(), outcome.Undelivered.String())
	}, 5*time.Second, 10*time.Millisecond)
	waitConnected(t, cons, false)
}

func TestRemoteOverBus(t *testing.T) {
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	defer ps.Close()

	cfgA, cfgB := testConfig(), testConfig()
	cfgA.Bus.Enabled, cfgB.Bus.Enabled = true, true
	cfgA.Bus.Peers = []string{cfgB.NodeID}
	cfgB.Bus.Peers = []string{cfgA.NodeID}

	// Both nodes share one in-memory bus; closing it is left to the test.
	a := newNode(t, cfgA, WithPubSub(nopCloser{ps}, nopCloser{ps}))
	b := newNode(t, cfgB, WithPubSub(nopCloser{ps}, nopCloser{ps}))

	desc := helloDescriptor(t)
	_, err := b.Provide(desc, "main", helloHandlers())
	require.NoError(t, err)

	cons, err := a.Consume(desc, "main", ProviderAddress(b.ID(), "HelloWorld", "main"))
	require.NoError(t, err)
	waitConnected(t, cons, true)

	u := sayHello(t, cons, "carol")
	require.Equal(t, outcome.RequestOK, u.Outcome)
	assertHello(t, u, "hello carol")
}

func TestSilentBusPeerFailsConnect(t *testing.T) {
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 16}, watermill.NopLogger{})
	defer ps.Close()

	gone := uuid.New()
	cfg := testConfig()
	cfg.Bus.Enabled = true
	cfg.Bus.Peers = []string{gone.String()}
	cfg.Bus.HeartbeatInterval = config.Duration(20 * time.Millisecond)
	cfg.Bus.HeartbeatMaxMissed = 2
	states := &stateLog{}
	n := newNode(t, cfg, WithPubSub(nopCloser{ps}, nopCloser{ps}), WithProtocolLogger(states))

	target := ProviderAddress(gone, "HelloWorld", "main")
	cons, err := n.Consume(helloDescriptor(t), "main", target)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return states.has(consumer.StateDisconnected.String(), outcome.ServiceUnavailable.String())
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, n.Router().HasRoute(target))

	var state consumer.ConnState
	require.NoError(t, cons.Do(context.Background(), func(c *consumer.Consumer) { state = c.ConnState() }))
	assert.Equal(t, consumer.StateDisconnected, state)
}

type nopCloser struct {
	*gochannel.GoChannel
}

func (nopCloser) Close() error { return nil }

func TestCloseShutsProvidersDown(t *testing.T) {
	n := newNode(t, testConfig())
	desc := helloDescriptor(t)

	prov, err := n.Provide(desc, "main", helloHandlers())
	require.NoError(t, err)
	cons, err := n.Consume(desc, "main", prov.Address())
	require.NoError(t, err)
	waitConnected(t, cons, true)

	// A request the provider never answers is canceled by Close.
	require.NoError(t, prov.Do(context.Background(), func(p *provider.Provider) {
		assert.NoError(t, p.Handle(reqSayHello, func(*provider.Call) error { return nil }))
	}))
	got := make(chan consumer.Update, 1)
	require.NoError(t, cons.Do(context.Background(), func(c *consumer.Consumer) {
		_, err := c.SendRequest(reqSayHello, func(u consumer.Update) { got <- u }, "dave")
		assert.NoError(t, err)
	}))
	require.Eventually(t, func() bool {
		var waiting int
		_ = prov.Do(context.Background(), func(p *provider.Provider) { waiting = len(p.Listeners(reqSayHello)) })
		return waiting == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, n.Close())
	assert.Equal(t, StateStopped, n.State())
	require.NoError(t, n.Close())

	select {
	case u := <-got:
		assert.Equal(t, outcome.RequestCanceled, u.Outcome)
		assert.Equal(t, reqSayHello, u.Request)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call not released")
	}

	_, err = n.Provide(desc, "other", nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = n.Listen(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEndpointClose(t *testing.T) {
	n := newNode(t, testConfig())
	desc := helloDescriptor(t)

	prov, err := n.Provide(desc, "main", helloHandlers())
	require.NoError(t, err)
	cons, err := n.Consume(desc, "main", prov.Address())
	require.NoError(t, err)
	waitConnected(t, cons, true)

	require.NoError(t, prov.Close())
	waitConnected(t, cons, false)
	assert.False(t, n.Router().HasRoute(prov.Address()))
	require.NoError(t, prov.Close())

	// The role is free again.
	_, err = n.Provide(desc, "main", helloHandlers())
	require.NoError(t, err)
}

func TestLoadInterfaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.yaml")
	require.NoError(t, os.WriteFile(path, []byte(helloYAML), 0o600))

	cfg := testConfig()
	cfg.Interfaces = []string{path}
	n := newNode(t, cfg)
	require.NoError(t, n.LoadInterfaces())

	assert.Equal(t, []string{"HelloWorld"}, n.Interfaces())
	desc, err := n.Interface("HelloWorld")
	require.NoError(t, err)
	assert.Equal(t, 2, desc.RequestCount())

	_, err = n.Interface("Missing")
	assert.ErrorIs(t, err, ErrNoInterface)

	cfg.Interfaces = []string{filepath.Join(dir, "absent.yaml")}
	n2 := newNode(t, cfg)
	assert.Error(t, n2.LoadInterfaces())
}

func TestProtocolLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proto.cbor")
	cfg := testConfig()
	cfg.ProtocolLog = path
	n, err := New(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)

	desc := helloDescriptor(t)
	prov, err := n.Provide(desc, "main", helloHandlers())
	require.NoError(t, err)
	cons, err := n.Consume(desc, "main", prov.Address())
	require.NoError(t, err)
	waitConnected(t, cons, true)
	require.NoError(t, n.Close())

	r, err := log.NewReader(path)
	require.NoError(t, err)
	defer r.Close()
	events, err := r.ReadAll()
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestProviderAddressIsStable(t *testing.T) {
	id := uuid.New()
	a := ProviderAddress(id, "HelloWorld", "main")
	assert.Equal(t, a, ProviderAddress(id, "HelloWorld", "main"))
	assert.NotEqual(t, a.Endpoint, ProviderAddress(id, "HelloWorld", "spare").Endpoint)
}
