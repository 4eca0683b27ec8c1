package group_sdp

import (
	"strings"
)

// LocalBandwidthLimit значение b=AS, добавляемое в локальное описание (кбит/с)
const LocalBandwidthLimit = "32"

// AdjustLocalDescription добавляет ограничение полосы b=AS после первой
// строки "c=IN ". Остальные строки не меняются.
func AdjustLocalDescription(text string) string {
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")

	var b strings.Builder
	inserted := false
	for _, line := range lines {
		b.WriteString(line)
		b.WriteString("\n")
		if !inserted && strings.HasPrefix(line, "c=IN ") {
			b.WriteString("b=AS:" + LocalBandwidthLimit + "\n")
			inserted = true
		}
	}
	return b.String()
}

// RewriteAudioSSRC заменяет номер ssrc во всех строках a=ssrc: аудио секций.
// Видео секции и строки ssrc-group не затрагиваются.
func RewriteAudioSSRC(text string, ssrc uint32) string {
	replacement := "a=ssrc:" + formatUint(ssrc)

	var b strings.Builder
	inAudio := false
	for _, line := range splitLines(text) {
		if strings.HasPrefix(line, "m=") {
			inAudio = strings.HasPrefix(line, "m=audio")
		}
		if inAudio && strings.HasPrefix(line, "a=ssrc:") {
			rest := strings.TrimPrefix(line, "a=ssrc:")
			end := 0
			for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
				end++
			}
			line = replacement + rest[end:]
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}
