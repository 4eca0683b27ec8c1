package signaling

// replayWindowSize ширина окна принятых счетчиков
const replayWindowSize = 64

// replayWindow скользящее окно счетчиков входящих пакетов.
// Счетчики старше окна считаются повтором.
type replayWindow struct {
	max    uint32
	bitmap uint64
}

// check сообщает, можно ли принять counter, не отмечая его
func (w *replayWindow) check(counter uint32) bool {
	if counter == 0 {
		return false
	}
	if counter > w.max {
		return true
	}
	diff := w.max - counter
	if diff >= replayWindowSize {
		return false
	}
	return w.bitmap&(1<<diff) == 0
}

// mark отмечает counter как принятый
func (w *replayWindow) mark(counter uint32) {
	if counter > w.max {
		shift := counter - w.max
		if shift >= replayWindowSize {
			w.bitmap = 0
		} else {
			w.bitmap <<= shift
		}
		w.bitmap |= 1
		w.max = counter
		return
	}
	w.bitmap |= 1 << (w.max - counter)
}
