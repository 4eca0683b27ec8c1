package group

import (
	"cmp"
	"math"
	"slices"
	"sync"

	"github.com/pion/rtp"

	"github.com/arzzra/callcore/pkg/logging"
)

// ReceiveRTP разбирает заголовок входящего пакета. Неизвестный ssrc
// уходит в восстановление, уровень из расширения audio level копится
// до ближайшего отчета. Может вызываться из любой горутины.
func (g *Instance) ReceiveRTP(packet []byte) {
	var header rtp.Header
	if _, err := header.Unmarshal(packet); err != nil {
		g.metrics.DecodeFailure("rtp")
		return
	}

	level, hasLevel := audioLevel(&header, g.config.AudioLevelExtensionID)
	ssrc := header.SSRC
	g.post(func() { g.receiveSource(ssrc, level, hasLevel) })
}

func audioLevel(header *rtp.Header, id uint8) (AudioLevel, bool) {
	if !header.Extension {
		return AudioLevel{}, false
	}
	payload := header.GetExtension(id)
	if payload == nil {
		return AudioLevel{}, false
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(payload); err != nil {
		return AudioLevel{}, false
	}
	// уровень передается в -dBov
	return AudioLevel{
		SSRC:  header.SSRC,
		Level: float32(math.Pow(10, -float64(ext.Level)/20)),
		Voice: ext.Voice,
	}, true
}

func (g *Instance) receiveSource(ssrc uint32, level AudioLevel, hasLevel bool) {
	if ssrc == 0 || ssrc == g.mainSSRC {
		return
	}
	if !g.ledger.IsKnownSource(ssrc) {
		g.ledger.OnOrphanSource(g.ctx, ssrc)
	}
	if !hasLevel {
		return
	}
	if current, ok := g.levels[ssrc]; !ok || current.Level < level.Level {
		g.levels[ssrc] = level
	}
}

// SetLocalAudioLevel принимает пик захваченного звука за samples отсчетов.
// Локальный уровень обновляется после накопления окна, при выключенном
// микрофоне он равен нулю.
func (g *Instance) SetLocalAudioLevel(peak float32, samples int, voice bool) {
	g.post(func() {
		g.localPeakCount += samples
		if g.localPeak < peak {
			g.localPeak = peak
		}
		if g.localPeakCount < g.config.LocalPeakWindow {
			return
		}
		level := g.localPeak / g.config.LocalPeakScale
		if g.muted {
			level = 0
		}
		g.localPeak = 0
		g.localPeakCount = 0
		g.localLevel = AudioLevel{Level: level, Voice: voice}
	})
}

// emitLevels отчет об уровнях: источники выше порога и локальный поток
func (g *Instance) emitLevels() {
	levels := make([]AudioLevel, 0, len(g.levels)+1)
	for _, level := range g.levels {
		if level.Level > g.config.SpeechThreshold {
			levels = append(levels, level)
		}
	}
	slices.SortFunc(levels, func(a, b AudioLevel) int { return cmp.Compare(a.SSRC, b.SSRC) })
	levels = append(levels, AudioLevel{SSRC: 0, Level: g.localLevel.Level, Voice: g.localLevel.Voice})
	clear(g.levels)

	if g.callbacks.AudioLevelsUpdated != nil {
		g.callbacks.AudioLevelsUpdated(levels)
	}
}

func (g *Instance) collectStats() {
	g.postMedia(func(peer NegotiationPeer) {
		stats, err := peer.Stats()
		g.post(func() {
			if err != nil {
				g.logger.Debug(g.ctx, "статистика недоступна", logging.Err(err))
				return
			}
			if g.callbacks.StatsUpdated != nil {
				g.callbacks.StatsUpdated(stats)
			}
		})
	})
}

// sinkRegistry приемники видео по ssrc. Читается из media домена.
type sinkRegistry struct {
	mu    sync.RWMutex
	sinks map[uint32]VideoSink
}

func newSinkRegistry() *sinkRegistry {
	return &sinkRegistry{sinks: make(map[uint32]VideoSink)}
}

func (r *sinkRegistry) set(ssrc uint32, sink VideoSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sink == nil {
		delete(r.sinks, ssrc)
		return
	}
	r.sinks[ssrc] = sink
}

func (r *sinkRegistry) deliver(ssrc uint32, frame []byte, timestamp uint32) bool {
	r.mu.RLock()
	sink, ok := r.sinks[ssrc]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	sink.OnFrame(frame, timestamp)
	return true
}
