package connection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callcore/pkg/taskqueue"
)

type fixture struct {
	clock   *taskqueue.ManualClock
	domain  *taskqueue.Domain
	tracker *Tracker
	states  []State
	firsts  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{clock: taskqueue.NewManualClock(time.Unix(5000, 0))}
	f.domain = taskqueue.NewDomain("control", taskqueue.WithClock(f.clock))
	t.Cleanup(f.domain.Stop)

	tracker, err := New(DefaultConfig(), f.domain,
		OnStateChanged(func(s State) { f.states = append(f.states, s) }),
		OnFirstConnection(func() { f.firsts++ }),
	)
	require.NoError(t, err)
	f.tracker = tracker
	return f
}

func (f *fixture) update(t *testing.T, raw Raw) {
	t.Helper()
	require.NoError(t, f.domain.Invoke(func() { f.tracker.Update(context.Background(), raw) }))
}

func (f *fixture) negotiated(t *testing.T) {
	t.Helper()
	require.NoError(t, f.domain.Invoke(f.tracker.NoteNegotiation))
}

func (f *fixture) advance(d time.Duration) {
	f.clock.Advance(d)
	f.domain.Flush()
}

func TestFirstConnectionEstablishedOnce(t *testing.T) {
	f := newFixture(t)

	f.update(t, Raw{Connected: false})
	f.update(t, Raw{Connected: true})
	f.update(t, Raw{Connected: true})

	assert.Equal(t, []State{StateEstablished}, f.states)
	assert.Equal(t, 1, f.firsts)
	assert.True(t, f.tracker.DidConnectOnce())

	f.update(t, Raw{Connected: false})
	f.update(t, Raw{Connected: true})
	assert.Equal(t, 1, f.firsts, "начальная сигнализация только один раз")
	assert.Equal(t, []State{StateEstablished, StateReconnecting, StateEstablished}, f.states)
}

func TestShortFlapIsHidden(t *testing.T) {
	f := newFixture(t)
	f.update(t, Raw{Connected: true})
	f.negotiated(t)

	f.update(t, Raw{Connected: false})
	f.advance(200 * time.Millisecond)
	f.update(t, Raw{Connected: true})
	f.advance(200 * time.Millisecond)
	f.update(t, Raw{Connected: false})
	f.advance(100 * time.Millisecond)
	f.update(t, Raw{Connected: true})

	f.advance(3 * time.Second)

	assert.Equal(t, []State{StateEstablished}, f.states)
	assert.Equal(t, StateEstablished, f.tracker.State())
}

func TestSustainedLossDowngrades(t *testing.T) {
	f := newFixture(t)
	f.update(t, Raw{Connected: true})
	f.negotiated(t)

	f.update(t, Raw{Connected: false})
	f.advance(999 * time.Millisecond)
	assert.Equal(t, StateEstablished, f.tracker.State())

	f.advance(time.Millisecond)
	assert.Equal(t, StateReconnecting, f.tracker.State())
	assert.Equal(t, []State{StateEstablished, StateReconnecting}, f.states)
}

func TestDowngradeWithoutRecentNegotiationIsImmediate(t *testing.T) {
	f := newFixture(t)
	f.update(t, Raw{Connected: true})
	f.negotiated(t)
	f.advance(time.Second)

	f.update(t, Raw{Connected: false})
	assert.Equal(t, StateReconnecting, f.tracker.State())
}

func TestHardFailure(t *testing.T) {
	t.Run("вне окна сразу", func(t *testing.T) {
		f := newFixture(t)
		f.update(t, Raw{Connected: true})
		f.update(t, Raw{Failed: true})
		assert.Equal(t, []State{StateEstablished, StateFailed}, f.states)
	})

	t.Run("в окне после задержки", func(t *testing.T) {
		f := newFixture(t)
		f.update(t, Raw{Connected: true})
		f.negotiated(t)
		f.update(t, Raw{Failed: true})
		assert.Equal(t, StateEstablished, f.tracker.State())

		f.advance(time.Second)
		assert.Equal(t, StateFailed, f.tracker.State())
	})

	t.Run("до соединения", func(t *testing.T) {
		f := newFixture(t)
		f.update(t, Raw{Failed: true})
		assert.Equal(t, []State{StateFailed}, f.states)
		assert.Equal(t, 0, f.firsts)
	})
}

func TestCloseCancelsRecheck(t *testing.T) {
	f := newFixture(t)
	f.update(t, Raw{Connected: true})
	f.negotiated(t)
	f.update(t, Raw{Connected: false})

	require.NoError(t, f.domain.Invoke(f.tracker.Close))
	f.advance(2 * time.Second)

	assert.Equal(t, StateEstablished, f.tracker.State())
	assert.Equal(t, 0, f.clock.Pending())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{GraceWindow: -time.Second}.Validate())
}
