package group_sdp

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// Константы основного аудио блока. Входят в проводной контракт с сервером.
const (
	audioFormats          = "111 126"
	audioLevelURI         = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"
	absSendTimeURI        = "http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time"
	transportWideCCURI    = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"
	mediaProtocol         = "RTP/SAVPF"
	unspecifiedAddress    = "0.0.0.0"
	defaultSessionVersion = 2
)

// AudioLevelExtensionID id расширения ssrc-audio-level в основном аудио блоке
const AudioLevelExtensionID = 1

// Encode сериализует описание топологии в текст описания сессии.
//
// Результат детерминирован: одинаковые description, role и sessionID дают
// побайтно одинаковый текст. Строки разделяются "\n".
func Encode(description Description, role Role, sessionID uint32) (string, error) {
	session := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(sessionID),
			SessionVersion: defaultSessionVersion,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: unspecifiedAddress,
		},
		SessionName: "-",
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	bundle := append([]string{"BUNDLE"}, description.MIDs()...)
	session.WithValueAttribute("group", strings.Join(bundle, " "))
	session.WithPropertyAttribute("ice-lite")

	isAnswer := role == RoleAnswer
	for _, stream := range description.Streams {
		session.WithMedia(encodeStream(stream, description.Transport, isAnswer))
	}

	raw, err := session.Marshal()
	if err != nil {
		return "", WrapCodecError(ErrorCodeEncoding, err, "не удалось сериализовать описание")
	}
	return strings.ReplaceAll(string(raw), "\r\n", "\n"), nil
}

func encodeStream(stream StreamSpec, transport JoinResponsePayload, isAnswer bool) *sdp.MediaDescription {
	port := 0
	if stream.IsMain {
		port = 1
	}

	media := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  string(stream.Kind()),
			Port:   sdp.RangedPort{Value: port},
			Protos: strings.Split(mediaProtocol, "/"),
		},
	}
	if stream.Kind() == MediaKindAudio {
		media.MediaName.Formats = strings.Fields(audioFormats)
	} else {
		for _, pt := range stream.VideoPayloadTypes {
			media.MediaName.Formats = append(media.MediaName.Formats, formatUint(pt.ID))
		}
	}

	if stream.IsMain {
		media.ConnectionInformation = &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: unspecifiedAddress},
		}
	}

	media.WithValueAttribute("mid", stream.MID())

	if stream.IsMain {
		encodeTransport(media, transport)
	}

	if stream.Kind() == MediaKindAudio {
		encodeAudio(media, stream, isAnswer)
	} else {
		encodeVideo(media, stream, isAnswer)
	}
	return media
}

// encodeTransport общий набор ICE/DTLS параметров бандла
func encodeTransport(media *sdp.MediaDescription, transport JoinResponsePayload) {
	media.WithValueAttribute("ice-ufrag", transport.Ufrag)
	media.WithValueAttribute("ice-pwd", transport.Pwd)

	for _, fp := range transport.Fingerprints {
		media.WithValueAttribute("fingerprint", fp.Hash+" "+fp.Fingerprint)
		media.WithValueAttribute("setup", "passive")
	}

	for _, c := range transport.Candidates {
		media.WithValueAttribute("candidate", candidateValue(c))
	}
}

// candidateValue порядок полей фиксирован: typ, raddr/rport, tcptype, generation
func candidateValue(c Candidate) string {
	var b strings.Builder
	b.WriteString(c.Foundation)
	b.WriteString(" ")
	b.WriteString(c.Component)
	b.WriteString(" ")
	b.WriteString(c.Protocol)
	b.WriteString(" ")
	b.WriteString(c.Priority)
	b.WriteString(" ")
	b.WriteString(c.IP)
	b.WriteString(" ")
	b.WriteString(c.Port)
	b.WriteString(" typ ")
	b.WriteString(c.Type)
	b.WriteString(" ")

	switch c.Type {
	case "srflx", "prflx", "relay":
		if c.RelAddr != "" && c.RelPort != "" {
			b.WriteString("raddr ")
			b.WriteString(c.RelAddr)
			b.WriteString(" rport ")
			b.WriteString(c.RelPort)
			b.WriteString(" ")
		}
	}

	if c.Protocol == "tcp" && c.TCPType != "" {
		b.WriteString("tcptype ")
		b.WriteString(c.TCPType)
		b.WriteString(" ")
	}

	b.WriteString("generation ")
	b.WriteString(c.Generation)
	return b.String()
}

func encodeAudio(media *sdp.MediaDescription, stream StreamSpec, isAnswer bool) {
	media.WithValueAttribute("rtpmap", "111 opus/48000/2")
	media.WithValueAttribute("rtpmap", "126 telephone-event/8000")
	media.WithValueAttribute("fmtp", "111 minptime=10; useinbandfec=1")
	media.WithValueAttribute("rtcp", "1 IN IP4 "+unspecifiedAddress)
	media.WithPropertyAttribute("rtcp-mux")
	media.WithValueAttribute("extmap", strconv.Itoa(AudioLevelExtensionID)+" "+audioLevelURI)
	media.WithValueAttribute("extmap", "3 "+absSendTimeURI)
	media.WithValueAttribute("extmap", "5 "+transportWideCCURI)
	media.WithValueAttribute("rtcp-fb", "111 transport-cc")

	if isAnswer && stream.IsMain {
		media.WithPropertyAttribute("recvonly")
		return
	}

	if stream.IsMain {
		media.WithPropertyAttribute("sendrecv")
	} else {
		media.WithPropertyAttribute("sendonly")
		media.WithPropertyAttribute("bundle-only")
	}

	if stream.IsRemoved {
		media.WithPropertyAttribute("inactive")
		return
	}
	withSSRCLines(media, stream.SSRC, stream.StreamID, MediaKindAudio)
}

func encodeVideo(media *sdp.MediaDescription, stream StreamSpec, isAnswer bool) {
	media.WithValueAttribute("rtcp", "1 IN IP4 "+unspecifiedAddress)
	media.WithPropertyAttribute("rtcp-mux")

	for _, pt := range stream.VideoPayloadTypes {
		id := formatUint(pt.ID)

		rtpmap := id + " " + pt.Name + "/" + formatUint(pt.ClockRate)
		if pt.Channels != 0 {
			rtpmap += "/" + formatUint(pt.Channels)
		}
		media.WithValueAttribute("rtpmap", rtpmap)

		for _, fb := range pt.FeedbackTypes {
			value := id + " " + fb.Type
			if fb.Subtype != "" {
				value += " " + fb.Subtype
			}
			media.WithValueAttribute("rtcp-fb", value)
		}

		if len(pt.Parameters) != 0 {
			params := make([]string, 0, len(pt.Parameters))
			for _, p := range pt.Parameters {
				params = append(params, p.Key+"="+p.Value)
			}
			media.WithValueAttribute("fmtp", id+" "+strings.Join(params, ";"))
		}
	}

	for _, ext := range stream.VideoExtensionMap {
		media.WithValueAttribute("extmap", formatUint(ext.ID)+" "+ext.URI)
	}

	if isAnswer && stream.IsOutgoing {
		media.WithPropertyAttribute("recvonly")
		media.WithPropertyAttribute("bundle-only")
		return
	}

	media.WithPropertyAttribute("sendonly")
	media.WithPropertyAttribute("bundle-only")

	if stream.IsRemoved {
		media.WithPropertyAttribute("inactive")
		return
	}

	var ssrcs []uint32
	seen := make(map[uint32]struct{})
	for _, group := range stream.VideoSourceGroups {
		value := group.Semantics
		for _, ssrc := range group.SSRCs {
			value += " " + formatUint(ssrc)
			if _, ok := seen[ssrc]; !ok {
				seen[ssrc] = struct{}{}
				ssrcs = append(ssrcs, ssrc)
			}
		}
		media.WithValueAttribute("ssrc-group", value)
	}

	for _, ssrc := range ssrcs {
		withSSRCLines(media, ssrc, stream.StreamID, MediaKindVideo)
	}
}

// withSSRCLines четыре строки владения ssrc: cname, msid, mslabel, label
func withSSRCLines(media *sdp.MediaDescription, ssrc, streamID uint32, kind MediaKind) {
	prefix := formatUint(ssrc) + " "
	stream := "stream" + formatUint(streamID)
	track := string(kind) + formatUint(streamID)

	media.WithValueAttribute("ssrc", prefix+"cname:"+stream)
	media.WithValueAttribute("ssrc", prefix+"msid:"+stream+" "+track)
	media.WithValueAttribute("ssrc", prefix+"mslabel:"+track)
	media.WithValueAttribute("ssrc", prefix+"label:"+track)
}

func formatUint(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}
