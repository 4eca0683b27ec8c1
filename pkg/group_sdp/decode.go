package group_sdp

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// parse разбирает текст описания. Принимаются разделители "\n" и "\r\n",
// пустые строки пропускаются.
func parse(text string) (*sdp.SessionDescription, error) {
	lines := splitLines(text)
	if len(lines) == 0 {
		return nil, NewCodecError(ErrorCodeMalformedDescription, "пустое описание")
	}

	session := &sdp.SessionDescription{}
	if err := session.Unmarshal([]byte(strings.Join(lines, "\r\n") + "\r\n")); err != nil {
		return nil, WrapCodecError(ErrorCodeMalformedDescription, err, "не удалось разобрать описание")
	}
	return session, nil
}

// DecodeJoinPayload извлекает join payload из локального описания.
//
// Требуется ровно одна пара ice-ufrag/ice-pwd среди сессионных и аудио строк,
// иначе разбор завершается ошибкой без частичного результата. Отпечатки
// получают setup "active". Видео параметры собираются со всех видео секций.
func DecodeJoinPayload(text string) (*JoinPayload, error) {
	session, err := parse(text)
	if err != nil {
		return nil, err
	}

	audioAttrs := append([]sdp.Attribute{}, session.Attributes...)
	var videoAttrs []sdp.Attribute
	var ssrc uint32
	for _, media := range session.MediaDescriptions {
		if media.MediaName.Media == string(MediaKindAudio) {
			audioAttrs = append(audioAttrs, media.Attributes...)
			if ssrc == 0 {
				ssrc = firstSSRCAttribute(media.Attributes)
			}
			continue
		}
		videoAttrs = append(videoAttrs, media.Attributes...)
	}

	ufrag, err := singleValue(audioAttrs, "ice-ufrag")
	if err != nil {
		return nil, err
	}
	pwd, err := singleValue(audioAttrs, "ice-pwd")
	if err != nil {
		return nil, err
	}

	payload := &JoinPayload{
		Ufrag:             ufrag,
		Pwd:               pwd,
		SSRC:              ssrc,
		Fingerprints:      parseFingerprints(audioAttrs),
		VideoPayloadTypes: parsePayloadTypes(videoAttrs),
		VideoExtensionMap: parseExtensionMap(videoAttrs),
		VideoSourceGroups: parseSourceGroups(videoAttrs),
	}
	return payload, nil
}

// DecodeStreams возвращает сведения о каждой секции m= в порядке следования
func DecodeStreams(text string) ([]StreamInfo, error) {
	session, err := parse(text)
	if err != nil {
		return nil, err
	}

	streams := make([]StreamInfo, 0, len(session.MediaDescriptions))
	for _, media := range session.MediaDescriptions {
		info := StreamInfo{
			Kind:      MediaKind(media.MediaName.Media),
			Direction: "sendrecv",
			SSRC:      firstSSRCAttribute(media.Attributes),
		}
		if mid, ok := media.Attribute("mid"); ok {
			info.MID = mid
		}
		for _, attr := range media.Attributes {
			switch attr.Key {
			case "sendrecv", "sendonly", "recvonly", "inactive":
				info.Direction = attr.Key
			}
		}
		// нулевой порт тоже означает отклоненный поток, если он не в бандле
		if media.MediaName.Port.Value == 0 && !hasProperty(media.Attributes, "bundle-only") {
			info.Direction = "inactive"
		}
		streams = append(streams, info)
	}
	return streams, nil
}

func singleValue(attrs []sdp.Attribute, key string) (string, error) {
	var values []string
	for _, attr := range attrs {
		if attr.Key == key && attr.Value != "" {
			values = append(values, attr.Value)
		}
	}
	switch len(values) {
	case 0:
		return "", WrapCodecError(ErrorCodeMissingIceCredentials, ErrMissingIceCredentials, "нет строки %s", key)
	case 1:
		return values[0], nil
	default:
		return "", WrapCodecError(ErrorCodeAmbiguousIceCredentials, ErrAmbiguousIceCredentials,
			"строка %s встречается %d раз", key, len(values))
	}
}

func parseFingerprints(attrs []sdp.Attribute) []Fingerprint {
	var result []Fingerprint
	for _, attr := range attrs {
		if attr.Key != "fingerprint" {
			continue
		}
		parts := strings.Fields(attr.Value)
		if len(parts) != 2 {
			continue
		}
		result = append(result, Fingerprint{
			Hash:        parts[0],
			Fingerprint: parts[1],
			Setup:       "active",
		})
	}
	return result
}

func parsePayloadTypes(attrs []sdp.Attribute) []PayloadType {
	var result []PayloadType
	for _, attr := range attrs {
		if attr.Key != "rtpmap" {
			continue
		}
		fields := strings.Fields(attr.Value)
		if len(fields) < 2 {
			continue
		}
		id := parseLeadingUint(fields[0])
		if id == 0 {
			continue
		}

		pt := PayloadType{ID: id}
		codec := strings.Split(fields[1], "/")
		pt.Name = codec[0]
		if len(codec) > 1 {
			pt.ClockRate = parseLeadingUint(codec[1])
		}
		if len(codec) > 2 {
			pt.Channels = parseLeadingUint(codec[2])
		}

		prefix := fields[0] + " "
		for _, other := range attrs {
			if !strings.HasPrefix(other.Value, prefix) {
				continue
			}
			rest := strings.TrimPrefix(other.Value, prefix)
			switch other.Key {
			case "rtcp-fb":
				fb := strings.Fields(rest)
				if len(fb) == 0 {
					continue
				}
				feedback := FeedbackType{Type: fb[0]}
				if len(fb) > 1 {
					feedback.Subtype = fb[1]
				}
				pt.FeedbackTypes = append(pt.FeedbackTypes, feedback)
			case "fmtp":
				pt.Parameters = parseParameters(rest)
			}
		}

		result = append(result, pt)
	}
	return result
}

func parseParameters(value string) []Parameter {
	var params []Parameter
	for _, item := range strings.Split(value, ";") {
		key, val, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		if key == "" || val == "" {
			continue
		}
		params = append(params, Parameter{Key: key, Value: val})
	}
	return params
}

func parseExtensionMap(attrs []sdp.Attribute) []ExtensionMapping {
	var result []ExtensionMapping
	for _, attr := range attrs {
		if attr.Key != "extmap" {
			continue
		}
		fields := strings.Fields(attr.Value)
		if len(fields) < 2 {
			continue
		}
		id := parseLeadingUint(fields[0])
		if id == 0 {
			continue
		}
		result = append(result, ExtensionMapping{ID: id, URI: fields[1]})
	}
	return result
}

// parseSourceGroups сначала все группы FID, затем все SIM
func parseSourceGroups(attrs []sdp.Attribute) []SourceGroup {
	var fid, sim []SourceGroup
	for _, attr := range attrs {
		if attr.Key != "ssrc-group" {
			continue
		}
		fields := strings.Fields(attr.Value)
		if len(fields) < 2 {
			continue
		}
		group := SourceGroup{Semantics: fields[0]}
		for _, f := range fields[1:] {
			if ssrc := parseLeadingUint(f); ssrc != 0 {
				group.SSRCs = append(group.SSRCs, ssrc)
			}
		}
		if len(group.SSRCs) == 0 {
			continue
		}
		switch group.Semantics {
		case "FID":
			fid = append(fid, group)
		case "SIM":
			sim = append(sim, group)
		}
	}
	return append(fid, sim...)
}

func firstSSRCAttribute(attrs []sdp.Attribute) uint32 {
	for _, attr := range attrs {
		if attr.Key != "ssrc" {
			continue
		}
		if ssrc := parseLeadingUint(attr.Value); ssrc != 0 {
			return ssrc
		}
	}
	return 0
}

func hasProperty(attrs []sdp.Attribute, key string) bool {
	for _, attr := range attrs {
		if attr.Key == key {
			return true
		}
	}
	return false
}

// parseLeadingUint разбирает ведущие цифры ("2/recvonly" -> 2). 0 при ошибке.
func parseLeadingUint(s string) uint32 {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	v, err := strconv.ParseUint(s[:end], 10, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

func splitLines(text string) []string {
	raw := strings.Split(text, "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}
