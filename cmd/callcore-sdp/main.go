// callcore-sdp собирает и разбирает описания групповой сессии без
// запуска звонка.
//
// Команды:
//
//	encode       YAML топология (join, ответ сервера, участники) в SDP
//	decode       SDP в join payload (JSON или YAML)
//	fingerprint  самоподписанный сертификат и его отпечаток
//
// Параметры сессии и логирования берутся из --config или CALLCORE_CONFIG.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/arzzra/callcore/pkg/config"
	"github.com/arzzra/callcore/pkg/logging"
)

const usage = `использование: callcore-sdp <команда> [флаги]

команды:
  encode       собрать SDP из YAML топологии
  decode       разобрать SDP в join payload
  fingerprint  создать сертификат и вывести отпечаток
`

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "ошибка: %v\n", err)
		os.Exit(1)
	}
}

// options общие флаги команд
type options struct {
	configPath string
	input      string
	output     string
}

func (o *options) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVarP(&o.configPath, "config", "c", "", "файл конфигурации YAML")
	flagSet.StringVarP(&o.input, "input", "i", "-", "входной файл, - для stdin")
	flagSet.StringVarP(&o.output, "output", "o", "-", "выходной файл, - для stdout")
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stdout, usage)
		return nil
	}

	name, args := args[0], args[1:]
	var opts options
	flagSet := pflag.NewFlagSet("callcore-sdp "+name, pflag.ContinueOnError)
	flagSet.SetOutput(stdout)
	opts.addFlags(flagSet)

	var cmd func(ctx context.Context, env *environment) error
	switch name {
	case "encode":
		var c encodeCommand
		c.addFlags(flagSet)
		cmd = c.run
	case "decode":
		var c decodeCommand
		c.addFlags(flagSet)
		cmd = c.run
	case "fingerprint":
		var c fingerprintCommand
		c.addFlags(flagSet)
		cmd = c.run
	default:
		return fmt.Errorf("неизвестная команда %q\n%s", name, usage)
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("лишний аргумент: %s", rest[0])
	}

	env, err := newEnvironment(opts, stdin, stdout)
	if err != nil {
		return err
	}
	defer env.close()

	ctx := logging.WithCallID(context.Background(), "cli")
	if err := cmd(ctx, env); err != nil {
		env.logger.LogError(ctx, err, "команда завершилась с ошибкой", logging.String("command", name))
		return err
	}
	return nil
}

// environment конфигурация и потоки, общие для команд
type environment struct {
	config *config.File
	logger logging.StructuredLogger
	opts   options

	stdin  io.Reader
	stdout io.Writer
	closer io.Closer
}

func newEnvironment(opts options, stdin io.Reader, stdout io.Writer) (*environment, error) {
	var (
		cfg *config.File
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	logger, err := cfg.Logger()
	if err != nil {
		return nil, err
	}

	env := &environment{
		config: cfg,
		logger: logger.WithComponent("callcore-sdp"),
		opts:   opts,
		stdin:  stdin,
		stdout: stdout,
	}
	if opts.output != "-" && opts.output != "" {
		file, err := os.Create(opts.output)
		if err != nil {
			return nil, fmt.Errorf("создание %s: %w", opts.output, err)
		}
		env.stdout = file
		env.closer = file
	}
	return env, nil
}

func (e *environment) readInput() ([]byte, error) {
	if e.opts.input == "-" || e.opts.input == "" {
		return io.ReadAll(e.stdin)
	}
	return os.ReadFile(e.opts.input)
}

func (e *environment) close() {
	if e.closer != nil {
		_ = e.closer.Close()
	}
}
