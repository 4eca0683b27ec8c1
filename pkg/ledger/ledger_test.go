package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callcore/pkg/group_sdp"
	"github.com/arzzra/callcore/pkg/taskqueue"
)

type round struct {
	trigger      Trigger
	participants []uint32
	done         func()
}

type fakeRegenerator struct {
	rounds       []round
	holdRecovery bool
}

func (f *fakeRegenerator) regenerate(_ context.Context, participants []group_sdp.Participant, trigger Trigger, done func()) {
	ssrcs := make([]uint32, 0, len(participants))
	for _, p := range participants {
		ssrcs = append(ssrcs, p.AudioSSRC)
	}
	f.rounds = append(f.rounds, round{trigger: trigger, participants: ssrcs, done: done})
	if !(f.holdRecovery && trigger == TriggerRecovery) {
		done()
	}
}

func (f *fakeRegenerator) recoveryRounds() []round {
	var out []round
	for _, r := range f.rounds {
		if r.trigger == TriggerRecovery {
			out = append(out, r)
		}
	}
	return out
}

type fixture struct {
	clock  *taskqueue.ManualClock
	domain *taskqueue.Domain
	regen  *fakeRegenerator
	ledger *Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := taskqueue.NewManualClock(time.Unix(1000, 0))
	domain := taskqueue.NewDomain("control", taskqueue.WithClock(clock))
	t.Cleanup(domain.Stop)

	regen := &fakeRegenerator{}
	l, err := New(DefaultConfig(), domain, regen.regenerate)
	require.NoError(t, err)

	return &fixture{clock: clock, domain: domain, regen: regen, ledger: l}
}

func (f *fixture) run(t *testing.T, task func(ctx context.Context)) {
	t.Helper()
	require.NoError(t, f.domain.Invoke(func() { task(context.Background()) }))
}

func (f *fixture) advance(d time.Duration) {
	f.clock.Advance(d)
	f.domain.Flush()
}

func TestAddParticipantsIsIdempotent(t *testing.T) {
	f := newFixture(t)
	list := []group_sdp.Participant{{AudioSSRC: 111}, {AudioSSRC: 222}, {AudioSSRC: 111}}

	var first, second int
	f.run(t, func(ctx context.Context) {
		first = f.ledger.AddParticipants(ctx, list)
		second = f.ledger.AddParticipants(ctx, list)
	})

	assert.Equal(t, 2, first)
	assert.Equal(t, 0, second)
	assert.Equal(t, 2, f.ledger.Len())
	require.Len(t, f.regen.rounds, 2, "перегенерация идет даже без новых участников")
	assert.Equal(t, []uint32{111, 222}, f.regen.rounds[1].participants)
	assert.Equal(t, TriggerManual, f.regen.rounds[1].trigger)
}

func TestOrphanBurstProducesSingleRound(t *testing.T) {
	f := newFixture(t)

	f.run(t, func(ctx context.Context) {
		for ssrc := uint32(1); ssrc <= 5; ssrc++ {
			f.ledger.OnOrphanSource(ctx, ssrc)
		}
	})
	f.domain.Flush()

	rounds := f.regen.recoveryRounds()
	require.Len(t, rounds, 1)
	assert.Equal(t, []uint32{1, 2, 3, 4, 5}, rounds[0].participants)
	assert.False(t, f.ledger.Recovering())
}

func TestOrphansWithinWindowAreBatched(t *testing.T) {
	f := newFixture(t)

	f.run(t, func(ctx context.Context) { f.ledger.OnOrphanSource(ctx, 10) })
	f.domain.Flush()
	require.Len(t, f.regen.recoveryRounds(), 1)

	f.clock.Advance(50 * time.Millisecond)
	f.run(t, func(ctx context.Context) { f.ledger.OnOrphanSource(ctx, 20) })
	f.advance(100 * time.Millisecond)
	f.run(t, func(ctx context.Context) {
		f.ledger.OnOrphanSource(ctx, 30)
		f.ledger.OnOrphanSource(ctx, 40)
	})
	assert.Len(t, f.regen.recoveryRounds(), 1, "окно debounce еще не истекло")

	f.advance(49 * time.Millisecond)
	assert.Len(t, f.regen.recoveryRounds(), 1)

	f.advance(time.Millisecond)
	rounds := f.regen.recoveryRounds()
	require.Len(t, rounds, 2)
	assert.Equal(t, []uint32{10, 20, 30, 40}, rounds[1].participants)
}

func TestRecoveryRestartsWhenOrphansArriveDuringProcessing(t *testing.T) {
	f := newFixture(t)
	f.regen.holdRecovery = true

	f.run(t, func(ctx context.Context) { f.ledger.OnOrphanSource(ctx, 1) })
	f.domain.Flush()
	require.Len(t, f.regen.recoveryRounds(), 1)
	assert.True(t, f.ledger.Recovering())

	f.run(t, func(ctx context.Context) { f.ledger.OnOrphanSource(ctx, 2) })
	assert.Equal(t, 1, f.ledger.PendingOrphans())

	f.run(t, func(ctx context.Context) {
		f.regen.recoveryRounds()[0].done()
	})
	assert.True(t, f.ledger.Recovering(), "цикл перезапускается, а не зависает")

	f.advance(199 * time.Millisecond)
	assert.Len(t, f.regen.recoveryRounds(), 1)

	f.advance(time.Millisecond)
	rounds := f.regen.recoveryRounds()
	require.Len(t, rounds, 2)
	assert.Equal(t, []uint32{1, 2}, rounds[1].participants)
}

func TestOrphanIgnoredWhenKnownOrProcessed(t *testing.T) {
	f := newFixture(t)

	f.run(t, func(ctx context.Context) {
		f.ledger.AddParticipants(ctx, []group_sdp.Participant{{AudioSSRC: 111}})
		f.ledger.OnOrphanSource(ctx, 111)
		f.ledger.OnOrphanSource(ctx, 0)
	})
	f.domain.Flush()
	assert.Empty(t, f.regen.recoveryRounds())

	f.run(t, func(ctx context.Context) { f.ledger.OnOrphanSource(ctx, 5) })
	f.domain.Flush()
	f.advance(time.Second)
	f.run(t, func(ctx context.Context) { f.ledger.OnOrphanSource(ctx, 5) })
	f.advance(time.Second)

	assert.Len(t, f.regen.recoveryRounds(), 1, "каждый ssrc обрабатывается один раз")
	assert.True(t, f.ledger.Has(5))
}

func TestVideoSourcesOfParticipantsAreKnown(t *testing.T) {
	f := newFixture(t)
	withVideo := group_sdp.Participant{
		AudioSSRC: 111,
		VideoSourceGroups: []group_sdp.SourceGroup{
			{Semantics: "FID", SSRCs: []uint32{500, 501}},
		},
	}

	f.run(t, func(ctx context.Context) {
		assert.False(t, f.ledger.IsKnownSource(500))
		f.ledger.AddParticipants(ctx, []group_sdp.Participant{withVideo})
		f.ledger.OnOrphanSource(ctx, 501)
	})
	f.domain.Flush()

	for _, ssrc := range []uint32{111, 500, 501} {
		assert.True(t, f.ledger.IsKnownSource(ssrc), "ssrc %d", ssrc)
	}
	assert.False(t, f.ledger.Has(500), "видео ssrc не становится участником")
	assert.Empty(t, f.regen.recoveryRounds())
}

func TestCloseCancelsPendingCycle(t *testing.T) {
	f := newFixture(t)

	f.run(t, func(ctx context.Context) { f.ledger.OnOrphanSource(ctx, 1) })
	f.domain.Flush()

	f.run(t, func(ctx context.Context) { f.ledger.OnOrphanSource(ctx, 2) })
	f.run(t, func(ctx context.Context) { f.ledger.Close() })
	f.advance(time.Second)

	assert.Len(t, f.regen.recoveryRounds(), 1)
	assert.False(t, f.ledger.Has(2))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{}.Validate())

	_, err := New(DefaultConfig(), nil, nil)
	assert.Error(t, err)
}
