// Package controller drives the control channel of a sending session:
// connect, authenticate, create the probe and audio streams, and tear them
// down again. Transport callbacks arrive on transport goroutines and are
// bridged back to callers through syncvar cells with deadlines.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/TheChosenO1/pamplejuce/internal/health"
	"github.com/TheChosenO1/pamplejuce/internal/logging"
	"github.com/TheChosenO1/pamplejuce/internal/metrics"
	"github.com/TheChosenO1/pamplejuce/internal/probe"
	"github.com/TheChosenO1/pamplejuce/internal/syncvar"
	"github.com/TheChosenO1/pamplejuce/internal/transport"
	"github.com/TheChosenO1/pamplejuce/internal/workerpool"
)

var log = logging.L("controller")

const (
	// StatusUnset is reported by the status getters before any response.
	StatusUnset = 999

	DefaultWaitTimeout     = 30 * time.Second
	DefaultProbeWorkspace  = "Holodeck"
	DefaultProbeStreamType = "JitterEst"
)

// first control channel event seen by a connection attempt
const (
	eventNone int32 = iota
	eventInit
	eventError
	eventUninit
)

// Credentials identify the user on the control channel.
type Credentials struct {
	Username string
	Password string
}

// Session holds the identifiers the transport assigned to this session.
// Unset identifiers are transport.NoChannel.
type Session struct {
	Host           string
	Username       string
	ControlChannel transport.ChannelID
	DataChannel    transport.ChannelID
	JitterChannel  transport.ChannelID
	StreamID       int64
	JitterStreamID int64
}

func emptySession() Session {
	return Session{
		ControlChannel: transport.NoChannel,
		DataChannel:    transport.NoChannel,
		JitterChannel:  transport.NoChannel,
		StreamID:       int64(transport.NoChannel),
		JitterStreamID: int64(transport.NoChannel),
	}
}

// Options configure a Controller. Service and Pool are required.
type Options struct {
	Service transport.Service
	Pool    *workerpool.Pool
	Control transport.ControlConfig

	ProbeWorkspace  string
	ProbeStreamType string
	Probe           probe.Options

	// WaitTimeout bounds every blocking wait on a transport event.
	WaitTimeout time.Duration

	Metrics *metrics.Collector
	Health  *health.Monitor
}

// Controller owns the lifecycle of one session at a time.
type Controller struct {
	svc     transport.Service
	pool    *workerpool.Pool
	control transport.ControlConfig

	probeWorkspace  string
	probeStreamType string
	waitTimeout     time.Duration

	metrics *metrics.Collector
	health  *health.Monitor

	machine   *fsm.FSM
	estimator *probe.Estimator
	prober    *probe.Prober

	mu          sync.Mutex
	session     Session
	probeCtx    context.Context
	probeCancel context.CancelFunc

	// Cells bridging transport callbacks to blocking callers.
	connected    *syncvar.Var[bool]
	handledAuth  *syncvar.Var[bool]
	loading      *syncvar.Var[bool]
	senderDone   *syncvar.Var[bool]
	disconnected *syncvar.Var[bool]
	jitterStream *syncvar.Var[bool]

	attempt        atomic.Bool
	generation     atomic.Uint64
	firstEvent     atomic.Int32
	channelUp      atomic.Bool
	authInFlight   atomic.Bool
	createInFlight atomic.Bool
	probeScheduled atomic.Bool

	authStatus       atomic.Int64
	senderStatus     atomic.Int64
	disconnectStatus atomic.Int64
}

// New creates a controller in the Disconnected state. Options left zero
// fall back to the package defaults.
func New(opts Options) *Controller {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	if opts.ProbeWorkspace == "" {
		opts.ProbeWorkspace = DefaultProbeWorkspace
	}
	if opts.ProbeStreamType == "" {
		opts.ProbeStreamType = DefaultProbeStreamType
	}
	if opts.Health == nil {
		opts.Health = health.NewMonitor()
	}
	if opts.Probe.Metrics == nil {
		opts.Probe.Metrics = opts.Metrics
	}

	c := &Controller{
		svc:             opts.Service,
		pool:            opts.Pool,
		control:         opts.Control,
		probeWorkspace:  opts.ProbeWorkspace,
		probeStreamType: opts.ProbeStreamType,
		waitTimeout:     opts.WaitTimeout,
		metrics:         opts.Metrics,
		health:          opts.Health,
		estimator:       probe.NewEstimator(),
		prober:          probe.NewProber(opts.Service, opts.Probe),
		session:         emptySession(),
		connected:       syncvar.New(false),
		handledAuth:     syncvar.New(false),
		loading:         syncvar.New(true),
		senderDone:      syncvar.New(false),
		disconnected:    syncvar.New(false),
		jitterStream:    syncvar.New(false),
	}
	c.machine = newMachine(c.stateChanged)
	c.authStatus.Store(StatusUnset)
	c.senderStatus.Store(StatusUnset)
	c.disconnectStatus.Store(StatusUnset)
	return c
}

func (c *Controller) stateChanged(from, to State) {
	c.metrics.StateChanged(string(from), string(to))
	log.Info("connection state changed", "from", string(from), "to", string(to))
}

func (c *Controller) waitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.waitTimeout)
}

// Connect opens the control channel to host and blocks until the transport
// reports the outcome. A protocol initialization failure aborts the attempt
// with a *ProtocolInitError.
func (c *Controller) Connect(ctx context.Context, host string, creds Credentials) error {
	if !c.attempt.CompareAndSwap(false, true) {
		return ErrAlreadyConnecting
	}
	defer c.attempt.Store(false)

	if st := c.State(); st != StateDisconnected && st != StateFailed {
		return ErrAlreadyConnecting
	}

	c.closeControl()
	c.resetSession(host, creds.Username)
	if err := c.fire(evConnect); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	cfg := c.control
	if host != "" {
		cfg.Host = host
	}
	logger := log.With("host", cfg.Host, "port", cfg.Port)

	if err := c.svc.InitProtocols(ctx, cfg); err != nil {
		c.fire(evFail)
		c.health.Update(health.ControlChannel, health.Unhealthy, "protocol initialization failed")
		logger.Error("protocol initialization failed", logging.KeyError, err)
		return &ProtocolInitError{Host: cfg.Host, Err: err}
	}

	gen := c.generation.Add(1)
	c.firstEvent.Store(eventNone)
	c.channelUp.Store(false)
	c.connected.Set(false)

	ch, err := c.svc.OpenControlChannel(ctx, cfg, c.channelEvents(gen))
	if err != nil {
		c.fire(evFail)
		c.health.Update(health.ControlChannel, health.Unhealthy, err.Error())
		logger.Error("open control channel failed", logging.KeyError, err)
		return fmt.Errorf("%w: %w", ErrControlChannel, err)
	}
	c.mu.Lock()
	c.session.ControlChannel = ch
	c.mu.Unlock()

	wctx, cancel := c.waitContext(ctx)
	err = c.connected.WaitFor(wctx, true)
	cancel()
	c.connected.Set(false)
	if err != nil {
		c.fire(evFail)
		c.health.Update(health.ControlChannel, health.Unhealthy, "no channel event before deadline")
		logger.Error("control channel wait failed", logging.KeyChannelID, int64(ch), logging.KeyError, err)
		return fmt.Errorf("wait for control channel: %w", err)
	}

	if c.firstEvent.Load() != eventInit {
		c.fire(evFail)
		c.health.Update(health.ControlChannel, health.Unhealthy, "control channel did not come up")
		logger.Error("control channel did not come up", logging.KeyChannelID, int64(ch))
		return ErrControlChannel
	}

	c.health.Update(health.ControlChannel, health.Healthy, "")
	logger.Info("control channel up", logging.KeyChannelID, int64(ch))
	return nil
}

// stale reports whether a callback registered under gen belongs to a control
// channel that has since been closed or replaced.
func (c *Controller) stale(gen uint64) bool {
	return c.generation.Load() != gen
}

// channelEvents returns the control channel callbacks for connection
// attempt gen. Each of them sets the connected cell; events from an older
// attempt are ignored.
func (c *Controller) channelEvents(gen uint64) transport.ChannelEvents {
	return transport.ChannelEvents{
		OnInit: func(ch transport.ChannelID) {
			if c.stale(gen) {
				return
			}
			c.channelUp.Store(true)
			c.firstEvent.CompareAndSwap(eventNone, eventInit)
			c.connected.Set(true)
		},
		OnError: func(ch transport.ChannelID, err error) {
			if c.stale(gen) {
				return
			}
			log.Warn("control channel error", logging.KeyChannelID, int64(ch), logging.KeyError, err)
			if c.firstEvent.CompareAndSwap(eventNone, eventError) {
				c.connected.Set(true)
				return
			}
			c.connected.Set(true)
			c.controlLost(ch)
		},
		OnUninit: func(ch transport.ChannelID) {
			if c.stale(gen) {
				return
			}
			c.channelUp.Store(false)
			if c.firstEvent.CompareAndSwap(eventNone, eventUninit) {
				c.connected.Set(true)
				return
			}
			c.connected.Set(true)
			c.controlLost(ch)
		},
	}
}

// controlLost handles the control channel going away after it came up. The
// session fails and its data channels are closed so Connect can start over.
func (c *Controller) controlLost(ch transport.ChannelID) {
	if st := c.State(); st != StateConnecting && !st.active() {
		return
	}
	log.Error("control channel lost", logging.KeyChannelID, int64(ch), logging.KeyState, string(c.State()))
	c.health.Update(health.ControlChannel, health.Unhealthy, "control channel lost")
	c.resetStreams()
	c.fire(evFail)
}

// Authenticate sends the credentials on the connected control channel. It
// does not block: onDone receives the status code on a transport goroutine.
// Status 0 registers the subscribed callback and creates the probe stream.
func (c *Controller) Authenticate(username, password string, onDone func(code int)) error {
	if c.State() != StateConnecting || !c.channelUp.Load() {
		return ErrNotConnected
	}
	if !c.authInFlight.CompareAndSwap(false, true) {
		return ErrAuthInFlight
	}
	if err := c.fire(evAuthenticate); err != nil {
		c.authInFlight.Store(false)
		return fmt.Errorf("authenticate: %w", err)
	}

	c.mu.Lock()
	c.session.Username = username
	ch := c.session.ControlChannel
	c.mu.Unlock()
	c.handledAuth.Set(false)

	req := transport.AuthRequest{Username: username, Password: password}
	gen := c.generation.Load()
	err := c.svc.Request(ch, transport.FuncAuthenticate, req, func(_ transport.ChannelID, _ string, resp transport.Response) {
		if c.stale(gen) {
			return
		}
		c.authenticated(resp.StatusCode, onDone)
	})
	if err != nil {
		c.authInFlight.Store(false)
		c.fire(evFail)
		log.Error("authenticate request failed", logging.KeyChannelID, int64(ch), logging.KeyError, err)
		return fmt.Errorf("authenticate: %w", err)
	}
	return nil
}

func (c *Controller) authenticated(code int, onDone func(int)) {
	c.authStatus.Store(int64(code))
	c.metrics.Response(string(transport.FuncAuthenticate), code)
	c.authInFlight.Store(false)

	if code != 0 {
		c.fire(evFail)
		c.health.Update(health.ControlChannel, health.Degraded, "authentication rejected")
		log.Warn("authentication failed", logging.KeyStatusCode, code)
	} else {
		c.fire(evAuthenticated)
		log.Info("authenticated", "user", c.Session().Username)
		c.subscribe()
		c.createProbeStream()
	}

	if onDone != nil {
		onDone(code)
	}
	c.handledAuth.Set(true)
}

func (c *Controller) subscribe() {
	ch := c.Session().ControlChannel
	gen := c.generation.Load()
	err := c.svc.Request(ch, transport.FuncSubscribed, nil, func(_ transport.ChannelID, _ string, resp transport.Response) {
		if c.stale(gen) {
			return
		}
		c.subscribed(resp.StatusCode)
	})
	if err != nil {
		c.health.Update(health.Probe, health.Unhealthy, "subscribe failed")
		log.Error("subscribe request failed", logging.KeyError, err)
	}
}

// subscribed schedules the probe loop the first time the server confirms
// the subscription for this session.
func (c *Controller) subscribed(code int) {
	c.metrics.Response(string(transport.FuncSubscribed), code)
	if code != 0 {
		log.Warn("subscription rejected", logging.KeyStatusCode, code)
		return
	}
	if !c.probeScheduled.CompareAndSwap(false, true) {
		return
	}
	if !c.pool.Submit(c.runProbe) {
		c.probeScheduled.Store(false)
		c.health.Update(health.Probe, health.Unhealthy, "worker pool rejected probe task")
		log.Error("probe task rejected by worker pool")
		return
	}
	log.Debug("probe task scheduled")
}

func (c *Controller) createProbeStream() {
	s := c.Session()
	req := &transport.SenderRequest{
		Workspace:  c.probeWorkspace,
		StreamType: c.probeStreamType,
		Alert:      true,
		Echo:       true,
		Meta: transport.StreamMeta{
			Username:  s.Username,
			Timestamp: time.Now().UnixMicro(),
			Type:      c.probeStreamType,
		},
		OnError: func(ch transport.ChannelID, err error) {
			c.health.Update(health.Probe, health.Unhealthy, err.Error())
			log.Warn("probe data channel error", logging.KeyChannelID, int64(ch), logging.KeyError, err)
		},
		OnFeedback: c.probeFeedback,
	}

	gen := c.generation.Load()
	err := c.svc.Request(s.ControlChannel, transport.FuncCreateSender, req, func(ch transport.ChannelID, _ string, resp transport.Response) {
		if c.stale(gen) {
			return
		}
		c.metrics.Response(string(transport.FuncCreateSender), resp.StatusCode)
		if resp.StatusCode != 0 {
			err := &StreamError{Workspace: c.probeWorkspace, StreamType: c.probeStreamType, Code: resp.StatusCode}
			c.health.Update(health.Probe, health.Unhealthy, err.Error())
			log.Error("probe stream not created", logging.KeyError, err)
			return
		}
		created, err := parseCreated(resp)
		if err != nil {
			c.health.Update(health.Probe, health.Unhealthy, err.Error())
			log.Error("probe stream not created", logging.KeyError, err)
			return
		}
		c.mu.Lock()
		c.session.JitterStreamID = created.StreamID
		c.session.JitterChannel = ch
		c.mu.Unlock()
		c.jitterStream.Set(true)
		logging.WithStream(log, created.StreamID, c.probeStreamType).Info("probe stream created", logging.KeyChannelID, int64(ch))
	})
	if err != nil {
		c.health.Update(health.Probe, health.Unhealthy, "create probe stream failed")
		log.Error("create probe stream request failed", logging.KeyError, err)
	}
}

func parseCreated(resp transport.Response) (transport.SenderCreated, error) {
	var created transport.SenderCreated
	if err := json.Unmarshal(resp.Message, &created); err != nil {
		return created, fmt.Errorf("parse create_sender reply: %w", err)
	}
	return created, nil
}

func (c *Controller) probeFeedback(index uint32, transitUs int64) {
	c.estimator.UpdateEstimatedJitter(transitUs, int(index))
	c.metrics.ProbeFeedback(c.estimator.Jitter(), c.estimator.AverageJitter())
}

// runProbe is the probe task. It waits for the probe stream, sends the
// probe sequence and then waits for the final feedback report.
func (c *Controller) runProbe() {
	c.mu.Lock()
	ctx := c.probeCtx
	c.mu.Unlock()
	if ctx == nil {
		return
	}

	wctx, cancel := c.waitContext(ctx)
	err := c.jitterStream.WaitFor(wctx, true)
	cancel()
	if err != nil {
		c.health.Update(health.Probe, health.Unhealthy, "probe stream not available")
		log.Error("probe stream wait failed", logging.KeyError, err)
		return
	}

	ch := c.Session().JitterChannel
	c.health.Update(health.Probe, health.Degraded, "probing")
	res, err := c.prober.Run(ctx, ch)
	if err != nil {
		c.health.Update(health.Probe, health.Unhealthy, err.Error())
		return
	}
	if res.Failed > 0 {
		log.Warn("probe sends failed", "failed", res.Failed, "sent", res.Sent)
	}

	wctx, cancel = c.waitContext(ctx)
	err = c.estimator.WaitReady(wctx)
	cancel()
	if err != nil {
		c.health.Update(health.Probe, health.Degraded, "final probe feedback not received")
		log.Warn("probe feedback incomplete", "samples", c.estimator.Snapshot().SampleCount, logging.KeyError, err)
		return
	}
	c.health.Update(health.Probe, health.Healthy, "")
	log.Info("jitter estimate ready",
		"jitter_us", c.estimator.Jitter(),
		"average_jitter_us", c.estimator.AverageJitter(),
	)
}

// CreateSender requests the audio stream. It does not block: onDone
// receives the status code. Status 0 clears the loading gate.
func (c *Controller) CreateSender(workspace, streamType string, onDone func(code int)) error {
	if c.State() != StateAuthenticated {
		return ErrNotAuthenticated
	}
	if !c.createInFlight.CompareAndSwap(false, true) {
		return ErrCreateInFlight
	}
	c.senderDone.Set(false)

	s := c.Session()
	req := &transport.SenderRequest{
		Workspace:  workspace,
		StreamType: streamType,
		Alert:      true,
		Echo:       true,
		Meta: transport.StreamMeta{
			Username:  s.Username,
			Timestamp: time.Now().UnixMicro(),
			Type:      streamType,
		},
		OnInit: func(ch transport.ChannelID) {
			c.health.Update(health.DataChannel, health.Healthy, "")
		},
		OnError: func(ch transport.ChannelID, err error) {
			c.health.Update(health.DataChannel, health.Unhealthy, err.Error())
			log.Warn("audio data channel error", logging.KeyChannelID, int64(ch), logging.KeyError, err)
		},
	}

	gen := c.generation.Load()
	err := c.svc.Request(s.ControlChannel, transport.FuncCreateSender, req, func(ch transport.ChannelID, _ string, resp transport.Response) {
		if c.stale(gen) {
			return
		}
		c.senderCreated(workspace, streamType, ch, resp, onDone)
	})
	if err != nil {
		c.createInFlight.Store(false)
		log.Error("create sender request failed", logging.KeyError, err)
		return fmt.Errorf("create sender: %w", err)
	}
	return nil
}

func (c *Controller) senderCreated(workspace, streamType string, ch transport.ChannelID, resp transport.Response, onDone func(int)) {
	code := resp.StatusCode
	c.metrics.Response(string(transport.FuncCreateSender), code)

	var created transport.SenderCreated
	if code == 0 {
		var err error
		if created, err = parseCreated(resp); err != nil {
			// A success reply without a stream id leaves nothing to send on.
			log.Error("bad create_sender reply", logging.KeyError, err)
			code = transport.StatusDataChannel
		}
	}
	c.senderStatus.Store(int64(code))

	if code == 0 {
		c.mu.Lock()
		c.session.StreamID = created.StreamID
		c.session.DataChannel = ch
		c.mu.Unlock()
		c.loading.Set(false)
		c.fire(evStreamReady)
		logging.WithStream(log, created.StreamID, streamType).Info("sender stream created",
			logging.KeyChannelID, int64(ch),
			"workspace", workspace,
		)
	} else {
		c.fire(evFail)
		log.Error("sender stream not created",
			logging.KeyError, &StreamError{Workspace: workspace, StreamType: streamType, Code: code},
		)
	}

	c.createInFlight.Store(false)
	if onDone != nil {
		onDone(code)
	}
	c.senderDone.Set(true)
}

// CreateSenderAndWait is CreateSender blocking until the reply. A non-zero
// status is returned with a *StreamError.
func (c *Controller) CreateSenderAndWait(ctx context.Context, workspace, streamType string) (int, error) {
	if err := c.CreateSender(workspace, streamType, nil); err != nil {
		return StatusUnset, err
	}
	wctx, cancel := c.waitContext(ctx)
	defer cancel()
	if err := c.senderDone.WaitFor(wctx, true); err != nil {
		return StatusUnset, fmt.Errorf("wait for sender stream: %w", err)
	}
	code := c.CreateSenderStatusCode()
	if code != 0 {
		return code, &StreamError{Workspace: workspace, StreamType: streamType, Code: code}
	}
	return 0, nil
}

// Disconnect asks the server to drop streamIDs. It does not block. Local
// session state is reset whatever the reply; a non-zero status is logged
// as a *DisconnectError and never retried.
func (c *Controller) Disconnect(streamIDs []int64, onDone func(code int)) error {
	ch := c.Session().ControlChannel
	if ch == transport.NoChannel || !c.channelUp.Load() {
		return ErrNotConnected
	}
	if err := c.fire(evDisconnect); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	c.disconnected.Set(false)

	ids := make([]int64, 0, len(streamIDs))
	for _, id := range streamIDs {
		if id >= 0 {
			ids = append(ids, id)
		}
	}

	err := c.svc.Request(ch, transport.FuncDisconnect, transport.DisconnectRequest{StreamIDs: ids}, func(_ transport.ChannelID, _ string, resp transport.Response) {
		c.disconnectDone(resp.StatusCode, onDone)
	})
	if err != nil {
		c.resetStreams()
		c.fire(evFail)
		log.Error("disconnect request failed", logging.KeyError, err)
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

func (c *Controller) disconnectDone(code int, onDone func(int)) {
	c.metrics.Response(string(transport.FuncDisconnect), code)
	c.disconnectStatus.Store(int64(code))
	c.resetStreams()

	if code == 0 {
		c.fire(evDisconnected)
		log.Info("streams disconnected")
	} else {
		c.fire(evFail)
		log.Error("disconnect failed", logging.KeyError, &DisconnectError{Code: code})
	}

	if onDone != nil {
		onDone(code)
	}
	c.disconnected.Set(true)
}

// DisconnectControlChannel drops the audio and probe streams, waits for the
// reply and closes the control channel.
func (c *Controller) DisconnectControlChannel(ctx context.Context) error {
	s := c.Session()
	if s.ControlChannel == transport.NoChannel {
		return nil
	}
	defer c.closeControl()

	if err := c.Disconnect([]int64{s.StreamID, s.JitterStreamID}, nil); err != nil {
		c.resetStreams()
		return err
	}

	wctx, cancel := c.waitContext(ctx)
	defer cancel()
	if err := c.disconnected.WaitFor(wctx, true); err != nil {
		c.resetStreams()
		c.fire(evFail)
		return fmt.Errorf("wait for disconnect: %w", err)
	}
	if code := int(c.disconnectStatus.Load()); code != 0 {
		return &DisconnectError{Code: code}
	}
	return nil
}

// SetupControlChannel connects and authenticates, blocking until the
// authenticate reply. A non-zero status is returned with an
// *AuthenticationError.
func (c *Controller) SetupControlChannel(ctx context.Context, host, username, password string) (int, error) {
	if err := c.Connect(ctx, host, Credentials{Username: username, Password: password}); err != nil {
		return StatusUnset, err
	}
	if err := c.Authenticate(username, password, nil); err != nil {
		c.fire(evFail)
		return StatusUnset, err
	}

	wctx, cancel := c.waitContext(ctx)
	err := c.handledAuth.WaitFor(wctx, true)
	cancel()
	if err != nil {
		c.fire(evFail)
		return StatusUnset, fmt.Errorf("wait for authentication: %w", err)
	}
	c.handledAuth.Set(false)

	code := c.AuthStatusCode()
	if code != 0 {
		return code, &AuthenticationError{Code: code}
	}
	return 0, nil
}

// BeginStreaming records that audio is flowing on a ready stream.
func (c *Controller) BeginStreaming() {
	if c.State() == StateStreamReady {
		c.fire(evStream)
	}
}

// Close cancels the probe and closes the control channel without talking
// to the server.
func (c *Controller) Close() {
	c.cancelProbe()
	c.resetStreams()
	c.closeControl()
	c.settleDisconnected()
}

func (c *Controller) resetSession(host, username string) {
	c.resetStreams()
	c.estimator.Reset()

	ctx, cancel := context.WithCancel(c.pool.Context())
	c.mu.Lock()
	c.session = emptySession()
	c.session.Host = host
	c.session.Username = username
	c.probeCtx, c.probeCancel = ctx, cancel
	c.mu.Unlock()

	c.loading.Set(true)
	c.jitterStream.Set(false)
	c.handledAuth.Set(false)
	c.probeScheduled.Store(false)
	c.authInFlight.Store(false)
	c.createInFlight.Store(false)
	c.authStatus.Store(StatusUnset)
	c.senderStatus.Store(StatusUnset)
}

// resetStreams clears the stream identifiers, closes their data channels,
// stops the probe and re-arms the loading gate.
func (c *Controller) resetStreams() {
	c.loading.Set(true)
	c.cancelProbe()

	c.mu.Lock()
	data, jitter := c.session.DataChannel, c.session.JitterChannel
	c.session.DataChannel = transport.NoChannel
	c.session.JitterChannel = transport.NoChannel
	c.session.StreamID = int64(transport.NoChannel)
	c.session.JitterStreamID = int64(transport.NoChannel)
	c.mu.Unlock()
	c.jitterStream.Set(false)

	for _, ch := range []transport.ChannelID{data, jitter} {
		if ch == transport.NoChannel {
			continue
		}
		if err := c.svc.CloseChannel(ch); err != nil {
			log.Debug("close data channel", logging.KeyChannelID, int64(ch), logging.KeyError, err)
		}
	}
	c.health.Update(health.DataChannel, health.Unknown, "no stream")
}

func (c *Controller) cancelProbe() {
	c.mu.Lock()
	cancel := c.probeCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) closeControl() {
	c.mu.Lock()
	ch := c.session.ControlChannel
	c.session.ControlChannel = transport.NoChannel
	c.mu.Unlock()
	if ch == transport.NoChannel {
		return
	}

	// Invalidate the callbacks of the channel being closed.
	c.generation.Add(1)
	c.channelUp.Store(false)
	if err := c.svc.CloseChannel(ch); err != nil {
		log.Debug("close control channel", logging.KeyChannelID, int64(ch), logging.KeyError, err)
	}
	c.settleDisconnected()
	c.health.Update(health.ControlChannel, health.Unknown, "closed")
}

// settleDisconnected brings the machine back to Disconnected from whatever
// state a closed control channel left it in.
func (c *Controller) settleDisconnected() {
	if c.State() == StateDisconnected {
		return
	}
	if c.State() != StateFailed {
		c.fire(evFail)
	}
	c.fire(evDisconnected)
}

// AuthStatusCode is the last authenticate status, StatusUnset before any.
func (c *Controller) AuthStatusCode() int {
	return int(c.authStatus.Load())
}

// CreateSenderStatusCode is the last create_sender status for the audio
// stream, StatusUnset before any.
func (c *Controller) CreateSenderStatusCode() int {
	return int(c.senderStatus.Load())
}

// Loading reports whether audio must not be sent yet.
func (c *Controller) Loading() bool {
	return c.loading.Get()
}

// HandledAuth reports whether the last authenticate reply was processed.
func (c *Controller) HandledAuth() bool {
	return c.handledAuth.Get()
}

// Session returns a copy of the session identifiers.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Measurements is the number of probes sent in the current run.
func (c *Controller) Measurements() int64 {
	return c.prober.Measurements()
}

// ProbeCount is the number of probes in a full run.
func (c *Controller) ProbeCount() int {
	return c.prober.Count()
}

// Jitter is the current running jitter estimate in microseconds.
func (c *Controller) Jitter() int64 {
	return c.estimator.Jitter()
}

// AverageJitter is the mean of every running estimate so far, 0 before any.
func (c *Controller) AverageJitter() int64 {
	return c.estimator.AverageJitter()
}

// JitterReady reports whether feedback for the last probe index arrived.
func (c *Controller) JitterReady() bool {
	return c.estimator.Ready()
}

// WaitJitterReady blocks until the final probe feedback was processed.
func (c *Controller) WaitJitterReady(ctx context.Context) error {
	return c.estimator.WaitReady(ctx)
}

// JitterEstimate returns a snapshot of the estimator.
func (c *Controller) JitterEstimate() probe.Estimate {
	return c.estimator.Snapshot()
}
