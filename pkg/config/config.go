// Package config загружает конфигурацию движка из YAML файла.
//
// Незаданные в файле поля сохраняют значения по умолчанию из пакетов,
// которым принадлежат секции.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/callcore/pkg/call"
	"github.com/arzzra/callcore/pkg/group"
	"github.com/arzzra/callcore/pkg/logging"
	"github.com/arzzra/callcore/pkg/metrics"
)

// EnvPath переменная окружения с путем к файлу конфигурации
const EnvPath = "CALLCORE_CONFIG"

// File содержимое файла конфигурации
type File struct {
	Group   group.Config   `yaml:"group"`
	Call    call.Config    `yaml:"call"`
	Log     logging.Config `yaml:"log"`
	Metrics metrics.Config `yaml:"metrics"`
}

// Default возвращает конфигурацию со значениями по умолчанию
func Default() *File {
	return &File{
		Group:   group.DefaultConfig(),
		Call:    call.DefaultConfig(),
		Log:     logging.DefaultConfig(),
		Metrics: metrics.DefaultConfig(),
	}
}

// Load читает файл из CALLCORE_CONFIG. Без переменной возвращаются
// значения по умолчанию.
func Load() (*File, error) {
	path := os.Getenv(EnvPath)
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	return LoadFile(path)
}

// LoadFile читает и проверяет файл конфигурации
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("чтение конфигурации %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("конфигурация %s: %w", path, err)
	}
	return cfg, nil
}

// Parse разбирает YAML поверх значений по умолчанию
func Parse(data []byte) (*File, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("разбор YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет все секции
func (f *File) Validate() error {
	var errs []error
	if err := f.Group.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("group: %w", err))
	}
	if err := f.Call.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("call: %w", err))
	}
	if _, err := logging.ParseLevel(f.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	if f.Metrics.Namespace == "" {
		errs = append(errs, errors.New("metrics: namespace не задан"))
	}
	return errors.Join(errs...)
}

// Logger создает логгер по секции log
func (f *File) Logger() (logging.StructuredLogger, error) {
	return logging.New(f.Log)
}

// Collector регистрирует метрики по секции metrics
func (f *File) Collector(reg prometheus.Registerer) *metrics.Collector {
	return metrics.New(f.Metrics, reg)
}
