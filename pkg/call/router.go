package call

import (
	"github.com/arzzra/callcore/pkg/signaling"
)

// router распределяет входящие сообщения по доменам.
// Кандидаты уходят в транспорт, состояние удаленной стороны
// обрабатывается на месте, остальное передается медиа.
type router struct {
	c *Call
}

var _ signaling.Handler = (*router)(nil)

func (r *router) toMedia(msg signaling.Message) {
	r.c.postMedia(func(m MediaDomain) { m.ReceiveMessage(msg) })
}

func (r *router) HandleCandidatesList(msg signaling.CandidatesList) {
	r.c.postTransport(func(t TransportDomain) { t.ReceiveSignalingMessage(msg) })
}

func (r *router) HandleVideoFormats(msg signaling.VideoFormats) {
	r.toMedia(msg)
}

func (r *router) HandleRequestVideo(msg signaling.RequestVideo) {
	r.toMedia(msg)
}

func (r *router) HandleRemoteMediaState(msg signaling.RemoteMediaState) {
	if r.c.callbacks.RemoteMediaStateUpdated != nil {
		r.c.callbacks.RemoteMediaStateUpdated(msg.Audio, msg.Video)
	}
	video := msg.Video
	r.c.postMedia(func(m MediaDomain) { m.RemoteVideoStateUpdated(video) })
}

func (r *router) HandleAudioData(msg signaling.AudioData) {
	r.toMedia(msg)
}

func (r *router) HandleVideoData(msg signaling.VideoData) {
	r.toMedia(msg)
}

func (r *router) HandleUnstructuredData(msg signaling.UnstructuredData) {
	r.toMedia(msg)
}

func (r *router) HandleVideoParameters(msg signaling.VideoParameters) {
	if r.c.callbacks.RemotePreferredAspectRatioUpdated != nil {
		r.c.callbacks.RemotePreferredAspectRatioUpdated(msg.Aspect())
	}
	r.toMedia(msg)
}

func (r *router) HandleRemoteBatteryLevelIsLow(msg signaling.RemoteBatteryLevelIsLow) {
	if r.c.callbacks.RemoteBatteryLevelIsLowUpdated != nil {
		r.c.callbacks.RemoteBatteryLevelIsLowUpdated(msg.BatteryLow)
	}
}

func (r *router) HandleRemoteNetworkType(msg signaling.RemoteNetworkType) {
	was := r.c.isCurrentNetworkLowCost()
	r.c.remoteNetworkLowCost = msg.IsLowCost
	r.c.updateIsCurrentNetworkLowCost(was)
}

func (r *router) HandleNegotiateChannels(msg signaling.NegotiateChannels) {
	r.c.handleNegotiateChannels(msg.NegotiationContents)
}
