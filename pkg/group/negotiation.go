package group

import (
	"context"
	"errors"
	"slices"

	"github.com/arzzra/callcore/pkg/coordination"
	"github.com/arzzra/callcore/pkg/group_sdp"
	"github.com/arzzra/callcore/pkg/ledger"
	"github.com/arzzra/callcore/pkg/logging"
)

const (
	triggerJoin  = "join"
	triggerLocal = "local"
)

// round один раунд применения описания.
// role определяет, чем является описание для соединения: offer удаленной
// стороны (новый состав участников) или ответ на локальный offer (join).
type round struct {
	role    group_sdp.Role
	trigger string
	done    func()
}

func (r round) finish() {
	if r.done != nil {
		r.done()
	}
}

// regenerate вызывается реестром после каждого изменения состава
func (g *Instance) regenerate(ctx context.Context, _ []group_sdp.Participant, trigger ledger.Trigger, done func()) {
	g.negotiate(ctx, round{role: group_sdp.RoleOffer, trigger: string(trigger), done: done})
}

// negotiate строит описание из текущего реестра и применяет его.
// Пока предыдущий раунд не завершен, новый откладывается и повторяется
// после него уже с актуальным составом.
func (g *Instance) negotiate(ctx context.Context, r round) {
	if g.join == nil || g.response == nil {
		g.logger.Debug(ctx, "раунд пропущен до присоединения", logging.String("trigger", r.trigger))
		r.finish()
		return
	}

	description := group_sdp.NewDescription(*g.join, *g.response, g.ledger.Participants())
	text, err := group_sdp.Encode(description, r.role, g.config.SessionID)
	if err != nil {
		g.logger.LogError(ctx, err, "описание не построено", logging.String("trigger", r.trigger))
		r.finish()
		return
	}

	if r.role == group_sdp.RoleOffer && text == g.appliedRemote {
		g.logger.Debug(ctx, "описание не изменилось", logging.String("trigger", r.trigger))
		r.finish()
		return
	}

	exchange, err := g.coordination.RequestOffer(ctx, outgoingContents(description))
	if err != nil {
		if errors.Is(err, coordination.ErrBusy) {
			g.metrics.BusyDeferral()
			g.deferRound(r)
			return
		}
		g.logger.LogError(ctx, err, "обмен не начат")
		r.finish()
		return
	}
	exchangeID := exchange.ExchangeID
	ctx = logging.WithExchangeID(ctx, exchangeID)

	g.appliedRemote = text
	if r.role == group_sdp.RoleOffer {
		g.tracker.NoteNegotiation()
	}
	g.metrics.NegotiationRound(r.trigger)
	g.logger.Debug(ctx, "применение описания",
		logging.String("role", r.role.String()),
		logging.String("trigger", r.trigger),
		logging.Int("streams", len(description.Streams)))

	g.postMedia(func(peer NegotiationPeer) {
		answer, err := applyRemoteDescription(peer, text, r.role)
		g.post(func() { g.completeRound(ctx, r, exchangeID, description, answer, err) })
	})
}

// applyRemoteDescription выполняется в media домене. Для offer возвращает
// созданный и примененный ответ соединения, для answer сам текст.
func applyRemoteDescription(peer NegotiationPeer, text string, role group_sdp.Role) (string, error) {
	if err := peer.SetRemoteDescription(group_sdp.AdjustLocalDescription(text), role); err != nil {
		return "", &PeerError{Op: "set remote " + role.String(), Err: err}
	}
	if role == group_sdp.RoleAnswer {
		return text, nil
	}
	answer, err := peer.CreateAnswer()
	if err != nil {
		return "", &PeerError{Op: "create answer", Err: err}
	}
	if err := peer.SetLocalDescription(group_sdp.AdjustLocalDescription(answer), group_sdp.RoleAnswer); err != nil {
		return "", &PeerError{Op: "set local answer", Err: err}
	}
	return answer, nil
}

func (g *Instance) completeRound(ctx context.Context, r round, exchangeID uint32, description group_sdp.Description, answer string, err error) {
	defer g.resumeDeferred()
	defer r.finish()

	if err == nil {
		var streams []group_sdp.StreamInfo
		streams, err = group_sdp.DecodeStreams(answer)
		if err != nil {
			g.metrics.DecodeFailure("answer")
		} else {
			g.applyAnswer(ctx, r, exchangeID, description, streams)
			return
		}
	}

	g.logger.LogError(ctx, err, "раунд согласования не завершен", logging.String("trigger", r.trigger))
	if abandonErr := g.coordination.Abandon(ctx, exchangeID); abandonErr != nil {
		g.metrics.StaleExchange()
	}
	// тот же текст можно будет применить повторно
	g.appliedRemote = ""
}

func (g *Instance) applyAnswer(ctx context.Context, r round, exchangeID uint32, description group_sdp.Description, streams []group_sdp.StreamInfo) {
	state, err := g.coordination.ApplyRemoteContents(ctx, coordination.NegotiationContents{
		ExchangeID: exchangeID,
		IsAnswer:   true,
		Contents:   answerContents(description, streams),
	})
	if err != nil {
		if errors.Is(err, coordination.ErrStaleExchange) || errors.Is(err, coordination.ErrNoPendingOffer) {
			g.metrics.StaleExchange()
		}
		return
	}

	if r.trigger == triggerJoin && !g.joined {
		g.joined = true
		g.logger.Info(ctx, "начальное согласование завершено")
	}
	g.metrics.SetParticipants(g.ledger.Len())

	if g.callbacks.CoordinatedStateUpdated != nil {
		g.callbacks.CoordinatedStateUpdated(state)
	}
	g.updateVideoSources(state)
}

// deferRound ставит раунд в очередь. Подряд идущие offer раунды сливаются
// в один: описание все равно строится из текущего реестра.
func (g *Instance) deferRound(r round) {
	if n := len(g.deferred); n > 0 && r.role == group_sdp.RoleOffer && g.deferred[n-1].role == group_sdp.RoleOffer {
		last := g.deferred[n-1]
		g.deferred[n-1] = round{
			role:    group_sdp.RoleOffer,
			trigger: r.trigger,
			done:    chainDone(last.done, r.done),
		}
		return
	}
	g.deferred = append(g.deferred, r)
}

func chainDone(first, second func()) func() {
	if first == nil {
		return second
	}
	if second == nil {
		return first
	}
	return func() {
		first()
		second()
	}
}

// resumeDeferred запускает отложенные раунды, пока ни один не ждет ответа
func (g *Instance) resumeDeferred() {
	for len(g.deferred) != 0 && g.coordination.PendingExchangeID() == 0 {
		next := g.deferred[0]
		g.deferred = g.deferred[1:]
		g.negotiate(g.ctx, next)
	}
}

func (g *Instance) updateVideoSources(state *coordination.CoordinatedState) {
	var sources []uint32
	for _, c := range state.IncomingContents {
		if c.Type == group_sdp.MediaKindVideo && c.SSRC != 0 {
			sources = append(sources, c.SSRC)
		}
	}
	if slices.Equal(sources, g.videoSources) {
		return
	}
	g.videoSources = sources
	if g.callbacks.IncomingVideoSourcesUpdated != nil {
		g.callbacks.IncomingVideoSourcesUpdated(slices.Clone(sources))
	}
}

// outgoingContents исходящие потоки описания
func outgoingContents(description group_sdp.Description) []coordination.MediaContent {
	var contents []coordination.MediaContent
	for _, s := range description.Streams {
		if s.IsOutgoing {
			contents = append(contents, streamContent(s))
		}
	}
	return contents
}

// answerContents контенты ответа. Ssrc потоков, для которых ответ его не
// содержит (recvonly), берется из описания по mid.
func answerContents(description group_sdp.Description, streams []group_sdp.StreamInfo) []coordination.MediaContent {
	specs := make(map[string]group_sdp.StreamSpec, len(description.Streams))
	for _, s := range description.Streams {
		specs[s.MID()] = s
	}

	contents := make([]coordination.MediaContent, 0, len(streams))
	for _, info := range streams {
		content := coordination.MediaContent{
			ID:       info.MID,
			Type:     info.Kind,
			SSRC:     info.SSRC,
			Disabled: info.Inactive(),
		}
		if spec, ok := specs[info.MID]; ok {
			full := streamContent(spec)
			if content.SSRC == 0 {
				content.SSRC = full.SSRC
			}
			content.SSRCGroups = full.SSRCGroups
			content.PayloadTypes = full.PayloadTypes
			content.RTPExtensions = full.RTPExtensions
		}
		contents = append(contents, content)
	}
	return contents
}

func streamContent(s group_sdp.StreamSpec) coordination.MediaContent {
	return coordination.MediaContent{
		ID:            s.MID(),
		Type:          s.Kind(),
		SSRC:          s.SSRC,
		SSRCGroups:    s.VideoSourceGroups,
		PayloadTypes:  s.VideoPayloadTypes,
		RTPExtensions: s.VideoExtensionMap,
	}
}
