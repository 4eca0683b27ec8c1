package group_sdp

import (
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResponse() JoinResponsePayload {
	return JoinResponsePayload{
		Ufrag: "uf",
		Pwd:   "pw",
		Fingerprints: []Fingerprint{
			{Hash: "sha-256", Fingerprint: "AB:CD", Setup: "passive"},
		},
		Candidates: []Candidate{
			{Foundation: "1", Component: "1", Protocol: "udp", Priority: "2130706431",
				IP: "10.0.0.1", Port: "10000", Type: "host", Generation: "0"},
			{Foundation: "2", Component: "1", Protocol: "udp", Priority: "1694498815",
				IP: "1.2.3.4", Port: "10001", Type: "srflx", RelAddr: "10.0.0.1", RelPort: "10000", Generation: "0"},
			{Foundation: "3", Component: "1", Protocol: "tcp", Priority: "1",
				IP: "10.0.0.1", Port: "443", Type: "host", TCPType: "passive", Generation: "0"},
		},
	}
}

func testVideoJoin() JoinPayload {
	return JoinPayload{
		Ufrag: "local",
		Pwd:   "secret",
		SSRC:  1000,
		VideoPayloadTypes: []PayloadType{
			{
				ID: 100, Name: "VP8", ClockRate: 90000,
				FeedbackTypes: []FeedbackType{{Type: "goog-remb"}, {Type: "nack", Subtype: "pli"}},
			},
			{
				ID: 101, Name: "rtx", ClockRate: 90000,
				Parameters: []Parameter{{Key: "apt", Value: "100"}},
			},
		},
		VideoExtensionMap: []ExtensionMapping{
			{ID: 2, URI: "urn:ietf:params:rtp-hdrext:toffset"},
			{ID: 13, URI: "urn:3gpp:video-orientation"},
		},
		VideoSourceGroups: []SourceGroup{
			{Semantics: "FID", SSRCs: []uint32{2000, 2001}},
			{Semantics: "SIM", SSRCs: []uint32{2000, 2002}},
		},
	}
}

const audioBlockTail = `a=rtpmap:111 opus/48000/2
a=rtpmap:126 telephone-event/8000
a=fmtp:111 minptime=10; useinbandfec=1
a=rtcp:1 IN IP4 0.0.0.0
a=rtcp-mux
a=extmap:1 urn:ietf:params:rtp-hdrext:ssrc-audio-level
a=extmap:3 http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time
a=extmap:5 http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01
a=rtcp-fb:111 transport-cc
`

func TestEncodeWireFormat(t *testing.T) {
	join := JoinPayload{SSRC: 1000}
	desc := NewDescription(join, testResponse(), []Participant{{AudioSSRC: 111}})

	text, err := Encode(desc, RoleOffer, 6543245)
	require.NoError(t, err)

	expected := `v=0
o=- 6543245 2 IN IP4 0.0.0.0
s=-
t=0 0
a=group:BUNDLE 0 audio111
a=ice-lite
m=audio 1 RTP/SAVPF 111 126
c=IN IP4 0.0.0.0
a=mid:0
a=ice-ufrag:uf
a=ice-pwd:pw
a=fingerprint:sha-256 AB:CD
a=setup:passive
a=candidate:1 1 udp 2130706431 10.0.0.1 10000 typ host generation 0
a=candidate:2 1 udp 1694498815 1.2.3.4 10001 typ srflx raddr 10.0.0.1 rport 10000 generation 0
a=candidate:3 1 tcp 1 10.0.0.1 443 typ host tcptype passive generation 0
` + audioBlockTail + `a=sendrecv
a=ssrc:1000 cname:stream0
a=ssrc:1000 msid:stream0 audio0
a=ssrc:1000 mslabel:audio0
a=ssrc:1000 label:audio0
m=audio 0 RTP/SAVPF 111 126
a=mid:audio111
` + audioBlockTail + `a=sendonly
a=bundle-only
a=ssrc:111 cname:stream111
a=ssrc:111 msid:stream111 audio111
a=ssrc:111 mslabel:audio111
a=ssrc:111 label:audio111
`
	assert.Equal(t, expected, text)
}

func TestEncodeAnswerDirections(t *testing.T) {
	desc := NewDescription(testVideoJoin(), testResponse(), []Participant{{AudioSSRC: 111}})
	desc.Streams = append(desc.Streams, StreamSpec{StreamID: 333, SSRC: 333, IsRemoved: true})

	text, err := Encode(desc, RoleAnswer, 1)
	require.NoError(t, err)

	streams, err := DecodeStreams(text)
	require.NoError(t, err)
	require.Len(t, streams, 4)

	assert.Equal(t, "0", streams[0].MID)
	assert.Equal(t, "recvonly", streams[0].Direction)
	assert.Equal(t, uint32(0), streams[0].SSRC, "основной поток в ответе не объявляет ssrc")

	assert.Equal(t, "1", streams[1].MID)
	assert.Equal(t, MediaKindVideo, streams[1].Kind)
	assert.Equal(t, "recvonly", streams[1].Direction)
	assert.NotContains(t, text, "a=ssrc-group:", "исходящее видео в ответе не объявляет группы")

	assert.Equal(t, "audio111", streams[2].MID)
	assert.Equal(t, "sendonly", streams[2].Direction)
	assert.Equal(t, uint32(111), streams[2].SSRC)

	assert.Equal(t, "audio333", streams[3].MID)
	assert.True(t, streams[3].Inactive())
	assert.NotContains(t, text, "a=ssrc:333 ")
}

func TestEncodeVideoBlock(t *testing.T) {
	participant := Participant{
		AudioSSRC:         111,
		VideoPayloadTypes: testVideoJoin().VideoPayloadTypes,
		VideoExtensionMap: testVideoJoin().VideoExtensionMap,
		VideoSourceGroups: []SourceGroup{
			{Semantics: "SIM", SSRCs: []uint32{500, 501}},
			{Semantics: "FID", SSRCs: []uint32{500, 502}},
		},
	}
	desc := NewDescription(JoinPayload{SSRC: 1}, testResponse(), []Participant{participant})

	text, err := Encode(desc, RoleOffer, 1)
	require.NoError(t, err)

	assert.Contains(t, text, "a=group:BUNDLE 0 audio111 video500\n")
	assert.Contains(t, text, "m=video 0 RTP/SAVPF 100 101\n")
	assert.Contains(t, text, "a=rtpmap:100 VP8/90000\na=rtcp-fb:100 goog-remb\na=rtcp-fb:100 nack pli\n")
	assert.Contains(t, text, "a=rtpmap:101 rtx/90000\na=fmtp:101 apt=100\n")
	assert.Contains(t, text, "a=extmap:2 urn:ietf:params:rtp-hdrext:toffset\na=extmap:13 urn:3gpp:video-orientation\n")
	assert.Contains(t, text, "a=sendonly\na=bundle-only\na=ssrc-group:SIM 500 501\na=ssrc-group:FID 500 502\n")

	// уникальные ssrc в порядке первого появления, по четыре строки на каждый
	for _, ssrc := range []string{"500", "501", "502"} {
		assert.Equal(t, 4, strings.Count(text, "a=ssrc:"+ssrc+" "), ssrc)
	}
	assert.Less(t, strings.Index(text, "a=ssrc:501 cname"), strings.Index(text, "a=ssrc:502 cname"))
	assert.Contains(t, text, "a=ssrc:500 msid:stream500 video500\n")
}

func TestEncodeIsDeterministic(t *testing.T) {
	desc := NewDescription(testVideoJoin(), testResponse(), []Participant{{AudioSSRC: 111}, {AudioSSRC: 222}})

	first, err := Encode(desc, RoleOffer, 42)
	require.NoError(t, err)
	second, err := Encode(desc, RoleOffer, 42)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotContains(t, first, "\r")
}

func TestBundleOrderFollowsInsertionOrder(t *testing.T) {
	desc := NewDescription(JoinPayload{SSRC: 1}, testResponse(), []Participant{{AudioSSRC: 111}, {AudioSSRC: 222}})

	text, err := Encode(desc, RoleOffer, 1)
	require.NoError(t, err)

	assert.Contains(t, text, "a=group:BUNDLE 0 audio111 audio222\n")
	assert.Less(t, strings.Index(text, "a=mid:audio111"), strings.Index(text, "a=mid:audio222"))
}

func TestCandidateOptionalFields(t *testing.T) {
	base := Candidate{Foundation: "f", Component: "1", Priority: "1", IP: "1.1.1.1", Port: "1", Generation: "0"}

	tests := []struct {
		name     string
		modify   func(c *Candidate)
		expected string
	}{
		{
			name: "host игнорирует raddr",
			modify: func(c *Candidate) {
				c.Protocol, c.Type, c.RelAddr, c.RelPort = "udp", "host", "2.2.2.2", "2"
			},
			expected: "f 1 udp 1 1.1.1.1 1 typ host generation 0",
		},
		{
			name: "relay без rport",
			modify: func(c *Candidate) {
				c.Protocol, c.Type, c.RelAddr = "udp", "relay", "2.2.2.2"
			},
			expected: "f 1 udp 1 1.1.1.1 1 typ relay generation 0",
		},
		{
			name: "prflx с raddr и rport",
			modify: func(c *Candidate) {
				c.Protocol, c.Type, c.RelAddr, c.RelPort = "udp", "prflx", "2.2.2.2", "2"
			},
			expected: "f 1 udp 1 1.1.1.1 1 typ prflx raddr 2.2.2.2 rport 2 generation 0",
		},
		{
			name: "tcptype только для tcp",
			modify: func(c *Candidate) {
				c.Protocol, c.Type, c.TCPType = "udp", "host", "active"
			},
			expected: "f 1 udp 1 1.1.1.1 1 typ host generation 0",
		},
		{
			name: "relay по tcp",
			modify: func(c *Candidate) {
				c.Protocol, c.Type, c.RelAddr, c.RelPort, c.TCPType = "tcp", "relay", "2.2.2.2", "2", "so"
			},
			expected: "f 1 tcp 1 1.1.1.1 1 typ relay raddr 2.2.2.2 rport 2 tcptype so generation 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.modify(&c)
			assert.Equal(t, tt.expected, candidateValue(c))
		})
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	join := testVideoJoin()
	response := testResponse()
	desc := NewDescription(join, response, []Participant{{AudioSSRC: 111}})

	text, err := Encode(desc, RoleOffer, 7)
	require.NoError(t, err)

	payload, err := DecodeJoinPayload(text)
	require.NoError(t, err)

	assert.Equal(t, response.Ufrag, payload.Ufrag)
	assert.Equal(t, response.Pwd, payload.Pwd)
	assert.Equal(t, join.SSRC, payload.SSRC)
	require.Len(t, payload.Fingerprints, 1)
	assert.Equal(t, Fingerprint{Hash: "sha-256", Fingerprint: "AB:CD", Setup: "active"}, payload.Fingerprints[0])

	assert.Equal(t, join.VideoPayloadTypes, payload.VideoPayloadTypes)
	assert.Equal(t, join.VideoExtensionMap, payload.VideoExtensionMap)
	assert.Equal(t, join.VideoSourceGroups, payload.VideoSourceGroups)
}

const localOffer = `v=0
o=- 4611731400430051336 2 IN IP4 127.0.0.1
s=-
t=0 0
a=group:BUNDLE 0 1
m=audio 9 UDP/TLS/RTP/SAVPF 111 126
c=IN IP4 0.0.0.0
a=rtcp:9 IN IP4 0.0.0.0
a=ice-ufrag:%UFRAG%
a=ice-pwd:%PWD%
a=fingerprint:sha-256 11:22:33
a=setup:actpass
a=mid:0
a=extmap:1 urn:ietf:params:rtp-hdrext:ssrc-audio-level
a=sendrecv
a=rtpmap:111 opus/48000/2
a=ssrc:3735928559 cname:abc
a=ssrc:3735928559 msid:s a
m=video 9 UDP/TLS/RTP/SAVPF 96 97 0
c=IN IP4 0.0.0.0
a=mid:1
a=extmap:2/recvonly urn:ietf:params:rtp-hdrext:toffset
a=extmap:0 urn:invalid
a=rtpmap:96 VP8/90000
a=rtcp-fb:96 nack
a=rtcp-fb:96 nack pli
a=rtpmap:97 rtx/90000
a=fmtp:97 apt=96; x-google-start-bitrate=800
a=rtpmap:0 PCMU/8000
a=rtpmap:
a=ssrc-group:SIM 10 11
a=ssrc-group:FID 10 20
a=ssrc-group:XYZ 10 30
a=ssrc:10 cname:abc
`

func offerWith(ufrag, pwd string) string {
	return strings.NewReplacer("%UFRAG%", ufrag, "%PWD%", pwd).Replace(localOffer)
}

func TestDecodeLocalOffer(t *testing.T) {
	text := strings.ReplaceAll(offerWith("u1", "p1"), "\n", "\r\n")

	payload, err := DecodeJoinPayload(text)
	require.NoError(t, err)

	assert.Equal(t, "u1", payload.Ufrag)
	assert.Equal(t, "p1", payload.Pwd)
	assert.Equal(t, uint32(3735928559), payload.SSRC)
	assert.Equal(t, []Fingerprint{{Hash: "sha-256", Fingerprint: "11:22:33", Setup: "active"}}, payload.Fingerprints)

	require.Len(t, payload.VideoPayloadTypes, 2, "payload type 0 пропускается")
	vp8 := payload.VideoPayloadTypes[0]
	assert.Equal(t, uint32(96), vp8.ID)
	assert.Equal(t, "VP8", vp8.Name)
	assert.Equal(t, uint32(90000), vp8.ClockRate)
	assert.Equal(t, []FeedbackType{{Type: "nack"}, {Type: "nack", Subtype: "pli"}}, vp8.FeedbackTypes)

	rtx := payload.VideoPayloadTypes[1]
	assert.Equal(t, []Parameter{{Key: "apt", Value: "96"}, {Key: "x-google-start-bitrate", Value: "800"}}, rtx.Parameters)

	assert.Equal(t, []ExtensionMapping{{ID: 2, URI: "urn:ietf:params:rtp-hdrext:toffset"}}, payload.VideoExtensionMap)
	assert.Equal(t, []SourceGroup{
		{Semantics: "FID", SSRCs: []uint32{10, 20}},
		{Semantics: "SIM", SSRCs: []uint32{10, 11}},
	}, payload.VideoSourceGroups)
}

func TestDecodeRequiresSingleIceCredentials(t *testing.T) {
	t.Run("нет ufrag", func(t *testing.T) {
		text := strings.Replace(offerWith("x", "p1"), "a=ice-ufrag:x\n", "", 1)
		payload, err := DecodeJoinPayload(text)
		assert.Nil(t, payload)
		assert.True(t, errors.Is(err, ErrMissingIceCredentials))
	})

	t.Run("пустой ufrag пропускается", func(t *testing.T) {
		payload, err := DecodeJoinPayload(offerWith("", "p1"))
		assert.Nil(t, payload)
		assert.True(t, errors.Is(err, ErrMissingIceCredentials))
	})

	t.Run("два ufrag", func(t *testing.T) {
		text := strings.Replace(offerWith("u1", "p1"), "a=mid:0\n", "a=mid:0\na=ice-ufrag:u2\n", 1)
		payload, err := DecodeJoinPayload(text)
		assert.Nil(t, payload)
		assert.True(t, errors.Is(err, ErrAmbiguousIceCredentials))
	})

	t.Run("два pwd", func(t *testing.T) {
		text := strings.Replace(offerWith("u1", "p1"), "a=mid:0\n", "a=mid:0\na=ice-pwd:p2\n", 1)
		_, err := DecodeJoinPayload(text)
		assert.True(t, errors.Is(err, ErrAmbiguousIceCredentials))
	})

	t.Run("ufrag только в видео секции не считается", func(t *testing.T) {
		text := strings.Replace(offerWith("x", "p1"), "a=ice-ufrag:x\n", "", 1)
		text = strings.Replace(text, "a=mid:1\n", "a=mid:1\na=ice-ufrag:v\n", 1)
		_, err := DecodeJoinPayload(text)
		assert.True(t, errors.Is(err, ErrMissingIceCredentials))
	})
}

func TestDecodeMalformed(t *testing.T) {
	for _, text := range []string{"", "\n\n", "garbage", "v=0\nm=audio"} {
		payload, err := DecodeJoinPayload(text)
		assert.Nil(t, payload)
		assert.True(t, errors.Is(err, ErrMalformedDescription), "%q: %v", text, err)

		streams, err := DecodeStreams(text)
		assert.Nil(t, streams)
		assert.Error(t, err)
	}
}

func TestBuildTopology(t *testing.T) {
	join := testVideoJoin()
	participants := []Participant{
		{AudioSSRC: 111},
		{AudioSSRC: 222, VideoPayloadTypes: join.VideoPayloadTypes, VideoSourceGroups: []SourceGroup{{Semantics: "SIM", SSRCs: []uint32{300}}}},
		{AudioSSRC: 333, VideoPayloadTypes: join.VideoPayloadTypes},
	}

	streams := BuildTopology(join, participants)

	mids := make([]string, 0, len(streams))
	for _, s := range streams {
		mids = append(mids, s.MID())
	}
	assert.Equal(t, []string{"0", "1", "audio111", "audio222", "video300", "audio333"}, mids)

	assert.True(t, streams[0].IsMain)
	assert.Equal(t, uint32(1000), streams[0].SSRC)
	assert.Equal(t, uint32(2000), streams[1].StreamID)
	assert.False(t, streams[1].IsMain)
}

func TestAdjustLocalDescription(t *testing.T) {
	text := "v=0\nc=IN IP4 1.1.1.1\nm=audio 9 RTP/SAVPF 111\nc=IN IP4 2.2.2.2\n"

	adjusted := AdjustLocalDescription(text)

	assert.Equal(t, "v=0\nc=IN IP4 1.1.1.1\nb=AS:32\nm=audio 9 RTP/SAVPF 111\nc=IN IP4 2.2.2.2\n", adjusted)
	assert.Equal(t, "v=0\n", AdjustLocalDescription("v=0"))
}

func TestRewriteAudioSSRC(t *testing.T) {
	text := "v=0\r\nm=audio 9 RTP/SAVPF 111\r\na=ssrc:1 cname:x\r\na=ssrc:1 msid:a b\r\n" +
		"m=video 9 RTP/SAVPF 96\r\na=ssrc-group:FID 5 6\r\na=ssrc:5 cname:x\r\n"

	rewritten := RewriteAudioSSRC(text, 777)

	assert.Equal(t, "v=0\nm=audio 9 RTP/SAVPF 111\na=ssrc:777 cname:x\na=ssrc:777 msid:a b\n"+
		"m=video 9 RTP/SAVPF 96\na=ssrc-group:FID 5 6\na=ssrc:5 cname:x\n", rewritten)
}

func TestFingerprintFromCertificate(t *testing.T) {
	cert, err := GenerateCertificate()
	require.NoError(t, err)

	fp, err := FingerprintFromCertificate(cert, "", "passive")
	require.NoError(t, err)

	assert.Equal(t, DefaultFingerprintHash, fp.Hash)
	assert.Equal(t, "passive", fp.Setup)
	assert.Regexp(t, regexp.MustCompile(`^([0-9A-F]{2}:){31}[0-9A-F]{2}$`), fp.Fingerprint)

	again, err := FingerprintFromCertificate(cert, "sha-256", "passive")
	require.NoError(t, err)
	assert.Equal(t, fp, again)

	_, err = FingerprintFromCertificate(cert, "md4-unknown", "passive")
	assert.Error(t, err)
}
