package kagu

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/bblsh/kagu-sub000/av"
	"github.com/bblsh/kagu-sub000/crypto"
	"github.com/bblsh/kagu-sub000/driver"
	"github.com/bblsh/kagu-sub000/limits"
	"github.com/bblsh/kagu-sub000/messaging"
	"github.com/bblsh/kagu-sub000/session"
	"github.com/bblsh/kagu-sub000/transport"
)

// ErrQueueFull is returned by Send when the outbound queue is full.
var ErrQueueFull = driver.ErrQueueFull

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("already started")

// Options contains configuration options for creating a Kagu node.
type Options struct {
	ListenAddr    string
	AcceptInbound bool

	// SecretKey is the node's static key. Nil generates a fresh one.
	SecretKey []byte
	// ServerPublicKey pins the server key for outbound connections and
	// selects Noise IK. Nil uses XX and learns the key during the handshake.
	ServerPublicKey []byte
	UserID          uint32

	MaxDatagramSize   int
	IdleTimeout       time.Duration
	KeepAliveInterval time.Duration
	TickInterval      time.Duration
	PacingRate        int
	MaxPTOCount       int
	QueueSize         int

	AudioEnabled      bool
	AudioFrameSamples int
	AudioSampleRate   uint32
	AudioQueueSize    int

	// Registerer receives the driver metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
	// Clock defaults to the real clock.
	Clock transport.TimeProvider
	// Socket replaces binding ListenAddr. The node takes ownership.
	Socket transport.PacketSocket
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		ListenAddr:        "0.0.0.0:0",
		MaxDatagramSize:   limits.MaxDatagramSize,
		IdleTimeout:       limits.DefaultIdleTimeout,
		KeepAliveInterval: limits.DefaultKeepAliveInterval,
		TickInterval:      limits.DefaultTickInterval,
		MaxPTOCount:       6,
		QueueSize:         256,
		AudioEnabled:      true,
		AudioFrameSamples: limits.AudioFrameSamples,
		AudioSampleRate:   limits.AudioSampleRate,
		AudioQueueSize:    64,
	}
}

// Kagu is one node: a socket, its event loop and the audio hand-off.
type Kagu struct {
	options *Options
	keyPair *crypto.KeyPair
	sock    transport.PacketSocket
	driver  *driver.Driver
	audio   *av.Pipeline
	metrics *driver.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	// stopped closes after the loop's error is recorded.
	stopped chan struct{}

	mu      sync.Mutex
	started bool
	err     error
}

// New binds the socket and builds the event loop. Nothing runs until Start.
func New(options *Options) (*Kagu, error) {
	if options == nil {
		options = NewOptions()
	}

	keyPair, err := loadKeyPair(options.SecretKey)
	if err != nil {
		return nil, err
	}

	var pipeline *av.Pipeline
	if options.AudioEnabled {
		pipeline, err = av.NewPipeline(av.Config{
			FrameSamples: options.AudioFrameSamples,
			SampleRate:   options.AudioSampleRate,
			QueueSize:    options.AudioQueueSize,
		})
		if err != nil {
			return nil, fmt.Errorf("audio pipeline: %w", err)
		}
	}

	sock := options.Socket
	if sock == nil {
		udp, _, err := transport.Bind(options.ListenAddr, options.MaxDatagramSize)
		if err != nil {
			return nil, err
		}
		sock = udp
	}

	metrics := driver.NewMetrics(options.Registerer)
	cfg := driver.DefaultConfig()
	cfg.MaxDatagramSize = options.MaxDatagramSize
	cfg.TickInterval = options.TickInterval
	cfg.QueueSize = options.QueueSize
	cfg.AcceptInbound = options.AcceptInbound
	cfg.Clock = options.Clock
	cfg.Metrics = metrics
	cfg.Audio = pipeline
	cfg.LocalUserID = options.UserID
	cfg.Session.MaxDatagramSize = options.MaxDatagramSize
	cfg.Session.IdleTimeout = options.IdleTimeout
	cfg.Session.KeepAliveInterval = options.KeepAliveInterval
	cfg.Session.PacingRate = options.PacingRate
	cfg.Session.MaxPTOCount = options.MaxPTOCount
	cfg.Session.StaticKey = keyPair
	cfg.Session.PeerStaticKey = options.ServerPublicKey

	d, err := driver.New(sock, cfg)
	if err != nil {
		sock.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	k := &Kagu{
		options: options,
		keyPair: keyPair,
		sock:    sock,
		driver:  d,
		audio:   pipeline,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"local_addr": sock.LocalAddr().String(),
		"user_id":    options.UserID,
		"audio":      options.AudioEnabled,
	}).Info("Node created")
	return k, nil
}

func loadKeyPair(secret []byte) (*crypto.KeyPair, error) {
	if secret == nil {
		return crypto.GenerateKeyPair()
	}
	if len(secret) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(secret))
	}
	var key [32]byte
	copy(key[:], secret)
	defer crypto.ZeroBytes(key[:])
	return crypto.FromSecretKey(key)
}

// Start runs the event loop in its own goroutine.
func (k *Kagu) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		return ErrAlreadyStarted
	}
	k.started = true

	go func() {
		err := k.driver.Run(k.ctx)
		k.mu.Lock()
		k.err = err
		k.mu.Unlock()
		close(k.stopped)
	}()
	return nil
}

// Connect dials a server. The returned id identifies the connection in
// events and envelopes once the handshake completes.
func (k *Kagu) Connect(address string) (transport.ConnectionID, error) {
	return k.driver.Connect(address)
}

// Disconnect closes one connection gracefully.
func (k *Kagu) Disconnect(id transport.ConnectionID) error {
	return k.driver.Disconnect(id)
}

// Send queues msg on a connection, or on every established connection when
// conn is zero.
func (k *Kagu) Send(conn transport.ConnectionID, stream session.StreamID, msg *messaging.Message) error {
	return k.driver.Send(messaging.Envelope{Conn: conn, Stream: stream, Message: msg})
}

// Received delivers inbound messages. Audio is routed to Audio instead when
// it is enabled.
func (k *Kagu) Received() <-chan messaging.Envelope { return k.driver.Received() }

// Events delivers connection lifecycle events.
func (k *Kagu) Events() <-chan driver.Event { return k.driver.Events() }

// Audio returns the audio hand-off, or nil when audio is disabled.
func (k *Kagu) Audio() *av.Pipeline { return k.audio }

// Metrics returns the driver collectors.
func (k *Kagu) Metrics() *driver.Metrics { return k.metrics }

// LocalAddr returns the bound address.
func (k *Kagu) LocalAddr() net.Addr { return k.sock.LocalAddr() }

// PublicKey returns the node's static public key.
func (k *Kagu) PublicKey() [32]byte { return k.keyPair.Public }

// Kill stops the event loop after it has closed every connection, then
// releases the socket and wipes the static key.
func (k *Kagu) Kill() {
	k.mu.Lock()
	started := k.started
	k.mu.Unlock()

	k.cancel()
	if started {
		<-k.stopped
	}
	if err := k.sock.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Kill",
			"error":    err.Error(),
		}).Warn("Failed to close socket")
	}
	_ = crypto.WipeKeyPair(k.keyPair)

	logrus.WithFields(logrus.Fields{
		"function": "Kill",
	}).Info("Node stopped")
}

// Err returns the error that ended the event loop, if any.
func (k *Kagu) Err() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.err
}
