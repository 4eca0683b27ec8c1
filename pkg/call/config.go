package call

import (
	"errors"
	"fmt"

	"github.com/arzzra/callcore/pkg/connection"
	"github.com/arzzra/callcore/pkg/signaling"
)

// ProtocolVersion версия протокола сигнализации
type ProtocolVersion int

const (
	ProtocolV0 ProtocolVersion = iota
	// ProtocolV1 обменивается типом сети
	ProtocolV1
)

// Config параметры звонка
type Config struct {
	// IsOutgoing сторона-инициатор
	IsOutgoing      bool            `yaml:"is_outgoing"`
	ProtocolVersion ProtocolVersion `yaml:"protocol_version"`
	// LocalNetworkLowCost начальная оценка локальной сети
	LocalNetworkLowCost bool              `yaml:"local_network_low_cost"`
	Signaling           signaling.Config  `yaml:"signaling"`
	Connection          connection.Config `yaml:"connection"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		ProtocolVersion: ProtocolV1,
		Signaling:       signaling.DefaultConfig(),
		Connection:      connection.DefaultConfig(),
	}
}

// Validate проверяет конфигурацию
func (c Config) Validate() error {
	if c.ProtocolVersion < ProtocolV0 || c.ProtocolVersion > ProtocolV1 {
		return fmt.Errorf("неизвестная версия протокола: %d", c.ProtocolVersion)
	}
	return errors.Join(c.Signaling.Validate(), c.Connection.Validate())
}
