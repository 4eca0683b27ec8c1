package group_sdp

// BuildTopology строит упорядоченный список потоков для описания.
//
// Порядок: исходящее аудио (основной поток, stream id 0), исходящее видео,
// если в join payload есть группы источников, затем для каждого участника
// его аудио и видео, если участник описывает видео.
func BuildTopology(join JoinPayload, participants []Participant) []StreamSpec {
	streams := make([]StreamSpec, 0, 2+2*len(participants))

	streams = append(streams, StreamSpec{
		IsMain:     true,
		IsOutgoing: true,
		StreamID:   0,
		SSRC:       join.SSRC,
	})

	if ssrc := firstSSRC(join.VideoSourceGroups); ssrc != 0 && len(join.VideoPayloadTypes) != 0 {
		streams = append(streams, StreamSpec{
			IsOutgoing:        true,
			StreamID:          ssrc,
			SSRC:              ssrc,
			VideoSourceGroups: join.VideoSourceGroups,
			VideoPayloadTypes: join.VideoPayloadTypes,
			VideoExtensionMap: join.VideoExtensionMap,
		})
	}

	for _, p := range participants {
		streams = append(streams, StreamSpec{
			StreamID: p.AudioSSRC,
			SSRC:     p.AudioSSRC,
		})

		if p.HasVideo() {
			ssrc := firstSSRC(p.VideoSourceGroups)
			streams = append(streams, StreamSpec{
				StreamID:          ssrc,
				SSRC:              ssrc,
				VideoSourceGroups: p.VideoSourceGroups,
				VideoPayloadTypes: p.VideoPayloadTypes,
				VideoExtensionMap: p.VideoExtensionMap,
			})
		}
	}

	return streams
}

// NewDescription собирает описание из транспорта join ответа и участников
func NewDescription(join JoinPayload, response JoinResponsePayload, participants []Participant) Description {
	return Description{
		Transport: response,
		Streams:   BuildTopology(join, participants),
	}
}
