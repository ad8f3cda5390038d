package kagu

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bblsh/kagu-sub000/driver"
	"github.com/bblsh/kagu-sub000/messaging"
	"github.com/bblsh/kagu-sub000/session"
	"github.com/bblsh/kagu-sub000/transport"
	sim "github.com/bblsh/kagu-sub000/testing"
)

func newTestNode(t *testing.T, network *sim.SimulatedNetwork, addr string, mutate func(*Options)) *Kagu {
	t.Helper()
	sock, err := network.Bind(addr)
	require.NoError(t, err)

	options := NewOptions()
	options.Socket = sock
	options.AudioEnabled = false
	if mutate != nil {
		mutate(options)
	}
	node, err := New(options)
	require.NoError(t, err)
	require.NoError(t, node.Start())
	t.Cleanup(node.Kill)
	return node
}

func waitEvent(t *testing.T, node *Kagu, kind driver.EventKind) driver.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-node.Events():
			require.True(t, ok, "events closed before %v", kind)
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %v event", kind)
		}
	}
}

func waitMessage(t *testing.T, node *Kagu) messaging.Envelope {
	t.Helper()
	select {
	case env := <-node.Received():
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("no message")
		return messaging.Envelope{}
	}
}

func TestConnectAndExchangeText(t *testing.T) {
	tests := []struct {
		name   string
		pinKey bool
	}{
		{"xx", false},
		{"ik", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			network := sim.NewSimulatedNetwork(0)
			server := newTestNode(t, network, "127.0.0.1:5150", func(o *Options) {
				o.AcceptInbound = true
				o.UserID = 1
			})
			serverKey := server.PublicKey()
			client := newTestNode(t, network, "127.0.0.1:4000", func(o *Options) {
				o.UserID = 2
				if tt.pinKey {
					o.ServerPublicKey = serverKey[:]
				}
			})

			id, err := client.Connect("127.0.0.1:5150")
			require.NoError(t, err)

			ev := waitEvent(t, client, driver.EventEstablished)
			assert.Equal(t, id, ev.Conn)
			assert.Equal(t, serverKey[:], ev.PeerKey)

			sev := waitEvent(t, server, driver.EventEstablished)
			clientKey := client.PublicKey()
			assert.Equal(t, clientKey[:], sev.PeerKey)

			require.NoError(t, client.Send(id, session.StreamReliable, messaging.NewText(2, 7, 9, "hello")))
			env := waitMessage(t, server)
			assert.Equal(t, sev.Conn, env.Conn)
			assert.Equal(t, "hello", env.Message.Text)
			assert.Equal(t, uint32(7), env.Message.RealmID)

			require.NoError(t, server.Send(0, session.StreamBackground, messaging.NewText(1, 7, 9, "welcome")))
			env = waitMessage(t, client)
			assert.Equal(t, session.StreamBackground, env.Stream)
			assert.Equal(t, "welcome", env.Message.Text)
		})
	}
}

func TestKillEndsPeerConnection(t *testing.T) {
	network := sim.NewSimulatedNetwork(0)
	server := newTestNode(t, network, "127.0.0.1:5150", func(o *Options) { o.AcceptInbound = true })

	sock, err := network.Bind("127.0.0.1:4000")
	require.NoError(t, err)
	options := NewOptions()
	options.Socket = sock
	options.AudioEnabled = false
	client, err := New(options)
	require.NoError(t, err)
	require.NoError(t, client.Start())

	_, err = client.Connect("127.0.0.1:5150")
	require.NoError(t, err)
	waitEvent(t, server, driver.EventEstablished)
	waitEvent(t, client, driver.EventEstablished)

	client.Kill()
	assert.NoError(t, client.Err())

	ev := waitEvent(t, server, driver.EventEnded)
	assert.Equal(t, session.ReasonPeer, ev.Reason)
	assert.True(t, ev.Established)

	own := waitEvent(t, client, driver.EventEnded)
	assert.Equal(t, session.ReasonLocal, own.Reason)
	for range client.Events() {
	}
}

func TestStartTwice(t *testing.T) {
	network := sim.NewSimulatedNetwork(0)
	node := newTestNode(t, network, "127.0.0.1:5150", nil)
	assert.ErrorIs(t, node.Start(), ErrAlreadyStarted)
}

var errSocketDown = errors.New("socket down")

// failingSocket reports a hard error on the first readiness poll.
type failingSocket struct {
	transport.PacketSocket
}

func (failingSocket) PollReadable(time.Duration) (bool, error) {
	return false, errSocketDown
}

func TestErrAfterKillReportsLoopFailure(t *testing.T) {
	network := sim.NewSimulatedNetwork(0)
	sock, err := network.Bind("127.0.0.1:5150")
	require.NoError(t, err)

	options := NewOptions()
	options.Socket = failingSocket{PacketSocket: sock}
	options.AudioEnabled = false
	node, err := New(options)
	require.NoError(t, err)
	require.NoError(t, node.Start())

	select {
	case <-node.driver.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("event loop did not stop")
	}
	node.Kill()
	assert.ErrorIs(t, node.Err(), errSocketDown)
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"short secret key", func(o *Options) { o.SecretKey = make([]byte, 16) }},
		{"zero secret key", func(o *Options) { o.SecretKey = make([]byte, 32) }},
		{"bad pinned key", func(o *Options) { o.ServerPublicKey = []byte{1, 2, 3} }},
		{"bad datagram size", func(o *Options) { o.MaxDatagramSize = 100 }},
		{"bad audio frame", func(o *Options) { o.AudioEnabled = true; o.AudioFrameSamples = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			network := sim.NewSimulatedNetwork(0)
			sock, err := network.Bind("127.0.0.1:5150")
			require.NoError(t, err)

			options := NewOptions()
			options.Socket = sock
			tt.mutate(options)
			_, err = New(options)
			assert.Error(t, err)
		})
	}
}

func TestSecretKeyIsStable(t *testing.T) {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i + 1)
	}

	keys := make([][32]byte, 2)
	for i := range keys {
		network := sim.NewSimulatedNetwork(0)
		node := newTestNode(t, network, "127.0.0.1:5150", func(o *Options) {
			o.SecretKey = append([]byte(nil), secret...)
		})
		keys[i] = node.PublicKey()
	}
	assert.Equal(t, keys[0], keys[1])
}

func TestAudioAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	network := sim.NewSimulatedNetwork(0)
	node := newTestNode(t, network, "127.0.0.1:5150", func(o *Options) {
		o.AudioEnabled = true
		o.Registerer = reg
	})

	require.NotNil(t, node.Audio())
	assert.Equal(t, 480, node.Audio().FrameSamples())
	assert.Equal(t, "127.0.0.1:5150", node.LocalAddr().String())

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
