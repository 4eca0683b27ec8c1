package call

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callcore/pkg/connection"
	"github.com/arzzra/callcore/pkg/coordination"
	"github.com/arzzra/callcore/pkg/group_sdp"
	"github.com/arzzra/callcore/pkg/signaling"
	"github.com/arzzra/callcore/pkg/taskqueue"
)

type fakeTransport struct {
	mu       sync.Mutex
	events   TransportEvents
	started  bool
	closed   bool
	received []signaling.Message
	sent     []signaling.Message
	services []signaling.ServiceCause
	lowCost  []bool
}

func (t *fakeTransport) Start() { t.mu.Lock(); t.started = true; t.mu.Unlock() }
func (t *fakeTransport) Close() { t.mu.Lock(); t.closed = true; t.mu.Unlock() }

func (t *fakeTransport) ReceiveSignalingMessage(msg signaling.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.received = append(t.received, msg)
}

func (t *fakeTransport) SendMessage(msg signaling.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, msg)
}

func (t *fakeTransport) SendTransportService(cause signaling.ServiceCause) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.services = append(t.services, cause)
}

func (t *fakeTransport) SetIsLocalNetworkLowCost(isLowCost bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lowCost = append(t.lowCost, isLowCost)
}

func (t *fakeTransport) GetNetworkStats() TrafficStats {
	return TrafficStats{BytesSentWifi: 100, BytesReceivedWifi: 200}
}

func (t *fakeTransport) FillCallStats(stats *CallStats) {
	stats.NetworkRecords = append(stats.NetworkRecords, NetworkRecord{Timestamp: 1, EndpointType: EndpointLAN, IsLowCost: true})
}

func (t *fakeTransport) sentMessages() []signaling.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]signaling.Message(nil), t.sent...)
}

type fakeMedia struct {
	mu          sync.Mutex
	events      MediaEvents
	started     bool
	closed      bool
	connected   []bool
	received    []signaling.Message
	remoteVideo []signaling.VideoState
	lowCost     []bool
	muted       []bool
	aspects     []float32
	captures    []VideoCapture
}

func (m *fakeMedia) Start() { m.mu.Lock(); m.started = true; m.mu.Unlock() }
func (m *fakeMedia) Close() { m.mu.Lock(); m.closed = true; m.mu.Unlock() }

func (m *fakeMedia) SetIsConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = append(m.connected, connected)
}

func (m *fakeMedia) SetMuteOutgoingAudio(mute bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = append(m.muted, mute)
}

func (m *fakeMedia) SetSendVideo(capture VideoCapture) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captures = append(m.captures, capture)
}

func (m *fakeMedia) SetIncomingVideoOutput(VideoSink) {}

func (m *fakeMedia) RemoteVideoStateUpdated(state signaling.VideoState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remoteVideo = append(m.remoteVideo, state)
}

func (m *fakeMedia) SetIsCurrentNetworkLowCost(isLowCost bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lowCost = append(m.lowCost, isLowCost)
}

func (m *fakeMedia) ReceiveMessage(msg signaling.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, msg)
}

func (m *fakeMedia) SetRequestedVideoAspect(aspect float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aspects = append(m.aspects, aspect)
}

func (m *fakeMedia) FillCallStats(stats *CallStats) {
	stats.OutgoingCodec = "VP8"
}

type fakeCapture string

func (c fakeCapture) ID() string { return string(c) }

type observed struct {
	states      []connection.State
	remoteMedia []signaling.RemoteMediaState
	battery     []bool
	aspects     []float32
	coordinated []*coordination.CoordinatedState
	emitted     [][]byte
}

type fixture struct {
	clock     *taskqueue.ManualClock
	control   *taskqueue.Domain
	transport *taskqueue.Domain
	media     *taskqueue.Domain

	fakeTransport *fakeTransport
	fakeMedia     *fakeMedia
	observed      *observed
	call          *Call

	// peer получатель зашифрованных пакетов
	peer *fixture
}

var testKey = bytes.Repeat([]byte{3}, signaling.KeySize)

func newFixture(t *testing.T, isOutgoing bool) *fixture {
	t.Helper()
	f := &fixture{
		clock:         taskqueue.NewManualClock(time.Unix(5000, 0)),
		fakeTransport: &fakeTransport{},
		fakeMedia:     &fakeMedia{},
		observed:      &observed{},
	}
	f.control = taskqueue.NewDomain("control", taskqueue.WithClock(f.clock))
	f.transport = taskqueue.NewDomain("transport")
	f.media = taskqueue.NewDomain("media")
	t.Cleanup(func() {
		f.control.Stop()
		f.transport.Stop()
		f.media.Stop()
	})

	sealer, err := signaling.NewAEADSealer(testKey)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.IsOutgoing = isOutgoing

	o := f.observed
	f.call, err = New(cfg, Dependencies{
		Control:   f.control,
		Transport: f.transport,
		Media:     f.media,
		NewTransport: func(events TransportEvents) (TransportDomain, error) {
			f.fakeTransport.events = events
			return f.fakeTransport, nil
		},
		NewMedia: func(events MediaEvents) (MediaDomain, error) {
			f.fakeMedia.events = events
			return f.fakeMedia, nil
		},
		Sealer: sealer,
	}, Callbacks{
		StateUpdated: func(s connection.State) { o.states = append(o.states, s) },
		RemoteMediaStateUpdated: func(a signaling.AudioState, v signaling.VideoState) {
			o.remoteMedia = append(o.remoteMedia, signaling.RemoteMediaState{Audio: a, Video: v})
		},
		RemoteBatteryLevelIsLowUpdated:    func(low bool) { o.battery = append(o.battery, low) },
		RemotePreferredAspectRatioUpdated: func(a float32) { o.aspects = append(o.aspects, a) },
		CoordinatedStateUpdated: func(s *coordination.CoordinatedState) {
			o.coordinated = append(o.coordinated, s)
		},
		SignalingDataEmitted: func(data []byte) {
			o.emitted = append(o.emitted, data)
			if f.peer != nil {
				f.peer.call.ReceiveSignalingData(data)
			}
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.call.Start())
	f.settle()
	return f
}

func (f *fixture) settle() {
	for i := 0; i < 4; i++ {
		f.control.Flush()
		f.transport.Flush()
		f.media.Flush()
	}
}

func (f *fixture) connect(ready bool) {
	f.fakeTransport.events.StateChanged(TransportState{ReadyToSendData: ready})
	f.settle()
}

func (f *fixture) inbound(msg signaling.Message) {
	f.fakeTransport.events.MessageReceived(msg)
	f.settle()
}

func settleBoth(a, b *fixture) {
	for i := 0; i < 6; i++ {
		a.settle()
		b.settle()
	}
}

func TestStartStartsSubsystems(t *testing.T) {
	f := newFixture(t, true)

	assert.True(t, f.fakeTransport.started)
	assert.True(t, f.fakeMedia.started)
	assert.ErrorIs(t, f.call.Start(), ErrAlreadyStarted)
}

func TestInitialJoinEstablishesOnce(t *testing.T) {
	f := newFixture(t, true)

	f.connect(true)
	f.connect(true)

	assert.Equal(t, []connection.State{connection.StateEstablished}, f.observed.states)
	assert.Equal(t, []signaling.Message{signaling.RemoteNetworkType{IsLowCost: false}},
		f.fakeTransport.sentMessages(), "начальная сигнализация отправляется один раз")
	assert.Equal(t, []bool{true, true}, f.fakeMedia.connected)
}

func TestFailureAndRecoveryAreReported(t *testing.T) {
	f := newFixture(t, true)

	f.connect(true)
	f.fakeTransport.events.StateChanged(TransportState{Failed: true})
	f.settle()
	f.connect(true)

	assert.Equal(t, []connection.State{
		connection.StateEstablished,
		connection.StateFailed,
		connection.StateEstablished,
	}, f.observed.states)
	assert.Len(t, f.fakeTransport.sentMessages(), 1)
}

func TestInboundRouting(t *testing.T) {
	f := newFixture(t, true)

	candidates := signaling.CandidatesList{
		Ice:        signaling.IceParameters{Ufrag: "u", Pwd: "p"},
		Candidates: []string{"candidate:1 1 udp 1 10.0.0.1 5000 typ host"},
	}
	f.inbound(candidates)
	f.inbound(signaling.RemoteMediaState{Audio: signaling.AudioStateMuted, Video: signaling.VideoStateActive})
	f.inbound(signaling.VideoParameters{AspectRatio: 1500})
	f.inbound(signaling.RemoteBatteryLevelIsLow{BatteryLow: true})
	f.inbound(signaling.AudioData{Data: []byte{1, 2}})
	f.inbound(signaling.VideoFormats{EncodersCount: 2})

	assert.Equal(t, []signaling.Message{candidates}, f.fakeTransport.received)

	assert.Equal(t, []signaling.RemoteMediaState{
		{Audio: signaling.AudioStateMuted, Video: signaling.VideoStateActive},
	}, f.observed.remoteMedia)
	assert.Equal(t, []signaling.VideoState{signaling.VideoStateActive}, f.fakeMedia.remoteVideo)

	assert.Equal(t, []float32{1.5}, f.observed.aspects)
	assert.Equal(t, []bool{true}, f.observed.battery)

	assert.Equal(t, []signaling.Message{
		signaling.VideoParameters{AspectRatio: 1500},
		signaling.AudioData{Data: []byte{1, 2}},
		signaling.VideoFormats{EncodersCount: 2},
	}, f.fakeMedia.received, "состояние удаленной стороны в медиа не передается")
}

func TestCurrentNetworkLowCostIsConjunction(t *testing.T) {
	f := newFixture(t, true)

	f.call.SetIsLocalNetworkLowCost(true)
	f.settle()
	assert.Empty(t, f.fakeMedia.lowCost, "удаленная сеть еще дорогая")
	assert.Equal(t, []bool{true}, f.fakeTransport.lowCost)
	assert.Empty(t, f.fakeTransport.sentMessages(), "до соединения тип сети не отправляется")

	f.inbound(signaling.RemoteNetworkType{IsLowCost: true})
	f.inbound(signaling.RemoteNetworkType{IsLowCost: true})
	assert.Equal(t, []bool{true}, f.fakeMedia.lowCost)

	f.connect(true)
	f.call.SetIsLocalNetworkLowCost(false)
	f.settle()

	assert.Equal(t, []bool{true, false}, f.fakeMedia.lowCost)
	assert.Equal(t, []signaling.Message{
		signaling.RemoteNetworkType{IsLowCost: true},
		signaling.RemoteNetworkType{IsLowCost: false},
	}, f.fakeTransport.sentMessages())
}

func TestMediaControlsAreForwarded(t *testing.T) {
	f := newFixture(t, true)

	f.call.SetMuteOutgoingAudio(true)
	f.call.SetRequestedVideoAspect(0.75)
	f.call.SetVideoCapture(fakeCapture("front"))
	f.call.SetVideoCapture(fakeCapture("front"))
	f.call.SetIsLowBatteryLevel(true)
	f.settle()

	assert.Equal(t, []bool{true}, f.fakeMedia.muted)
	assert.Equal(t, []float32{0.75}, f.fakeMedia.aspects)
	assert.Equal(t, []VideoCapture{fakeCapture("front")}, f.fakeMedia.captures)
	assert.Equal(t, []signaling.Message{signaling.RemoteBatteryLevelIsLow{BatteryLow: true}},
		f.fakeTransport.sentMessages())
}

func TestGetNetworkStatsChainsTransportAndMedia(t *testing.T) {
	f := newFixture(t, true)

	var (
		traffic TrafficStats
		stats   CallStats
		calls   int
	)
	f.call.GetNetworkStats(func(tr TrafficStats, cs CallStats) {
		traffic, stats = tr, cs
		calls++
	})
	f.settle()

	require.Equal(t, 1, calls)
	assert.Equal(t, uint64(100), traffic.BytesSentWifi)
	assert.Equal(t, "VP8", stats.OutgoingCodec)
	assert.Len(t, stats.NetworkRecords, 1)
}

func TestSignalingBetweenCallsNegotiatesChannels(t *testing.T) {
	caller := newFixture(t, true)
	callee := newFixture(t, false)
	caller.peer = callee
	callee.peer = caller

	caller.call.AddOutgoingChannel(coordination.MediaContent{Type: group_sdp.MediaKindAudio, SSRC: 1234})
	caller.settle()
	assert.Empty(t, caller.observed.emitted, "до соединения offer не отправляется")

	caller.connect(true)
	callee.connect(true)
	settleBoth(caller, callee)

	require.NotEmpty(t, caller.observed.coordinated)
	last := caller.observed.coordinated[len(caller.observed.coordinated)-1]
	require.Len(t, last.OutgoingContents, 1)
	assert.Equal(t, "0", last.OutgoingContents[0].ID)
	assert.Equal(t, uint32(1234), last.OutgoingContents[0].SSRC)

	require.NotEmpty(t, callee.observed.coordinated)
	incoming := callee.observed.coordinated[len(callee.observed.coordinated)-1].IncomingContents
	require.Len(t, incoming, 1)
	assert.Equal(t, uint32(1234), incoming[0].SSRC)
}

func TestNegotiationDefersDowngrade(t *testing.T) {
	caller := newFixture(t, true)
	callee := newFixture(t, false)
	caller.peer = callee
	callee.peer = caller

	caller.connect(true)
	callee.connect(true)
	caller.call.AddOutgoingChannel(coordination.MediaContent{Type: group_sdp.MediaKindVideo, SSRC: 77})
	settleBoth(caller, callee)
	require.NotEmpty(t, caller.observed.coordinated)

	caller.connect(false)
	assert.Equal(t, []connection.State{connection.StateEstablished}, caller.observed.states,
		"сразу после согласования разрыв скрыт")

	caller.clock.Advance(time.Second)
	caller.settle()
	assert.Equal(t, []connection.State{connection.StateEstablished, connection.StateReconnecting},
		caller.observed.states)
}

func TestGarbageSignalingIsDropped(t *testing.T) {
	f := newFixture(t, true)

	assert.NotPanics(t, func() {
		f.call.ReceiveSignalingData([]byte{0, 0, 0, 9, 1, 2, 3, 4, 5})
		f.call.ReceiveSignalingData(nil)
		f.settle()
	})
	assert.Empty(t, f.fakeMedia.received)
	assert.Empty(t, f.fakeTransport.received)
}

func TestResourceCreationFailureIsFatal(t *testing.T) {
	control := taskqueue.NewDomain("control")
	transport := taskqueue.NewDomain("transport")
	media := taskqueue.NewDomain("media")
	t.Cleanup(func() {
		control.Stop()
		transport.Stop()
		media.Stop()
	})
	sealer, err := signaling.NewAEADSealer(testKey)
	require.NoError(t, err)

	boom := errors.New("нет устройства")
	c, err := New(DefaultConfig(), Dependencies{
		Control:   control,
		Transport: transport,
		Media:     media,
		NewTransport: func(TransportEvents) (TransportDomain, error) {
			return &fakeTransport{}, nil
		},
		NewMedia: func(MediaEvents) (MediaDomain, error) {
			return nil, boom
		},
		Sealer: sealer,
	}, Callbacks{})
	require.NoError(t, err)

	err = c.Start()
	assert.ErrorIs(t, err, ErrResourceCreation)
	assert.ErrorIs(t, err, boom)
}

func TestStopCancelsPendingWork(t *testing.T) {
	f := newFixture(t, true)

	f.call.Stop()
	f.settle()
	assert.True(t, f.fakeTransport.closed)
	assert.True(t, f.fakeMedia.closed)

	f.connect(true)
	assert.Empty(t, f.observed.states, "события после остановки игнорируются")
	assert.ErrorIs(t, f.call.Start(), ErrStopped)
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(DefaultConfig(), Dependencies{}, Callbacks{})
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.ProtocolVersion = 9
	assert.Error(t, cfg.Validate())
}
