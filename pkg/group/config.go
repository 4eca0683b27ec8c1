package group

import (
	"errors"
	"fmt"
	"time"

	"github.com/arzzra/callcore/pkg/connection"
	"github.com/arzzra/callcore/pkg/group_sdp"
	"github.com/arzzra/callcore/pkg/ledger"
)

// DefaultSessionID идентификатор сессии в строке o=
const DefaultSessionID uint32 = 6543245

// Config параметры группового экземпляра
type Config struct {
	SessionID  uint32            `yaml:"session_id"`
	Ledger     ledger.Config     `yaml:"ledger"`
	Connection connection.Config `yaml:"connection"`

	// LevelsInterval период отчета об уровнях звука
	LevelsInterval time.Duration `yaml:"levels_interval"`
	// StatsInterval период сбора статистики, 0 отключает
	StatsInterval time.Duration `yaml:"stats_interval"`

	AudioLevelExtensionID uint8   `yaml:"audio_level_extension_id"`
	SpeechThreshold       float32 `yaml:"speech_threshold"`

	// LocalPeakWindow сколько отсчетов копится до обновления локального уровня
	LocalPeakWindow int `yaml:"local_peak_window"`
	// LocalPeakScale делитель пикового значения
	LocalPeakScale float32 `yaml:"local_peak_scale"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		SessionID:             DefaultSessionID,
		Ledger:                ledger.DefaultConfig(),
		Connection:            connection.DefaultConfig(),
		LevelsInterval:        50 * time.Millisecond,
		StatsInterval:         100 * time.Millisecond,
		AudioLevelExtensionID: group_sdp.AudioLevelExtensionID,
		SpeechThreshold:       0.001,
		LocalPeakWindow:       1200,
		LocalPeakScale:        4000,
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	var errs []error
	if c.SessionID == 0 {
		errs = append(errs, fmt.Errorf("session id не задан"))
	}
	if c.LevelsInterval <= 0 {
		errs = append(errs, fmt.Errorf("levels interval должен быть положительным: %v", c.LevelsInterval))
	}
	if c.StatsInterval < 0 {
		errs = append(errs, fmt.Errorf("отрицательный stats interval: %v", c.StatsInterval))
	}
	if c.AudioLevelExtensionID == 0 || c.AudioLevelExtensionID > 14 {
		errs = append(errs, fmt.Errorf("id расширения audio level вне диапазона 1..14: %d", c.AudioLevelExtensionID))
	}
	if c.LocalPeakWindow <= 0 || c.LocalPeakScale <= 0 {
		errs = append(errs, fmt.Errorf("некорректные параметры локального уровня: window=%d scale=%v",
			c.LocalPeakWindow, c.LocalPeakScale))
	}
	errs = append(errs, c.Ledger.Validate(), c.Connection.Validate())
	return errors.Join(errs...)
}
