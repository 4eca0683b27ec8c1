package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/callcore/pkg/group_sdp"
	"github.com/arzzra/callcore/pkg/logging"
)

// topology входной файл команды encode
type topology struct {
	Role         string                        `yaml:"role"`
	Join         group_sdp.JoinPayload         `yaml:"join"`
	Response     group_sdp.JoinResponsePayload `yaml:"response"`
	Participants []group_sdp.Participant       `yaml:"participants"`
}

func parseRole(s string) (group_sdp.Role, error) {
	switch strings.ToLower(s) {
	case "", "offer":
		return group_sdp.RoleOffer, nil
	case "answer":
		return group_sdp.RoleAnswer, nil
	default:
		return 0, fmt.Errorf("неизвестная роль %q, ожидается offer или answer", s)
	}
}

type encodeCommand struct {
	sessionID           uint32
	generateFingerprint bool
	local               bool
}

func (c *encodeCommand) addFlags(flagSet *pflag.FlagSet) {
	flagSet.Uint32Var(&c.sessionID, "session-id", 0, "id сессии в строке o=, 0 берет значение из конфигурации")
	flagSet.BoolVar(&c.generateFingerprint, "generate-fingerprint", false,
		"заменить отпечатки транспорта отпечатком нового сертификата")
	flagSet.BoolVar(&c.local, "local", false, "применить локальные правки (ограничение полосы)")
}

func (c *encodeCommand) run(ctx context.Context, env *environment) error {
	data, err := env.readInput()
	if err != nil {
		return err
	}
	var topo topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return fmt.Errorf("разбор топологии: %w", err)
	}
	role, err := parseRole(topo.Role)
	if err != nil {
		return err
	}

	if c.generateFingerprint {
		fp, err := newFingerprint(group_sdp.DefaultFingerprintHash, "passive")
		if err != nil {
			return err
		}
		topo.Response.Fingerprints = []group_sdp.Fingerprint{fp}
	}

	sessionID := c.sessionID
	if sessionID == 0 {
		sessionID = env.config.Group.SessionID
	}

	description := group_sdp.NewDescription(topo.Join, topo.Response, topo.Participants)
	text, err := group_sdp.Encode(description, role, sessionID)
	if err != nil {
		return err
	}
	if c.local {
		text = group_sdp.AdjustLocalDescription(text)
	}

	env.logger.Debug(ctx, "описание собрано",
		logging.String("role", role.String()),
		logging.Uint32("session_id", sessionID),
		logging.Int("streams", len(description.Streams)))

	_, err = fmt.Fprint(env.stdout, text)
	return err
}

// streamOutput поток из описания в выводе decode --streams
type streamOutput struct {
	MID       string `json:"mid" yaml:"mid"`
	Kind      string `json:"kind" yaml:"kind"`
	Direction string `json:"direction" yaml:"direction"`
	SSRC      uint32 `json:"ssrc,omitempty" yaml:"ssrc,omitempty"`
}

type decodeCommand struct {
	format  string
	streams bool
}

func (c *decodeCommand) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVarP(&c.format, "format", "f", "json", "формат вывода: json или yaml")
	flagSet.BoolVar(&c.streams, "streams", false, "вывести потоки вместо join payload")
}

func (c *decodeCommand) run(ctx context.Context, env *environment) error {
	data, err := env.readInput()
	if err != nil {
		return err
	}

	var result interface{}
	if c.streams {
		infos, err := group_sdp.DecodeStreams(string(data))
		if err != nil {
			return err
		}
		out := make([]streamOutput, 0, len(infos))
		for _, info := range infos {
			out = append(out, streamOutput{
				MID:       info.MID,
				Kind:      string(info.Kind),
				Direction: info.Direction,
				SSRC:      info.SSRC,
			})
		}
		result = out
	} else {
		payload, err := group_sdp.DecodeJoinPayload(string(data))
		if err != nil {
			return err
		}
		env.logger.Debug(ctx, "join payload разобран",
			logging.Uint32("ssrc", payload.SSRC),
			logging.Int("fingerprints", len(payload.Fingerprints)))
		result = payload
	}
	return writeFormatted(env, c.format, result)
}

type fingerprintCommand struct {
	hash   string
	setup  string
	format string
}

func (c *fingerprintCommand) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.hash, "hash", group_sdp.DefaultFingerprintHash, "алгоритм отпечатка")
	flagSet.StringVar(&c.setup, "setup", "actpass", "значение setup")
	flagSet.StringVarP(&c.format, "format", "f", "json", "формат вывода: json или yaml")
}

func (c *fingerprintCommand) run(ctx context.Context, env *environment) error {
	fp, err := newFingerprint(c.hash, c.setup)
	if err != nil {
		return err
	}
	env.logger.Debug(ctx, "сертификат создан", logging.String("hash", fp.Hash))
	return writeFormatted(env, c.format, fp)
}

func newFingerprint(hash, setup string) (group_sdp.Fingerprint, error) {
	cert, err := group_sdp.GenerateCertificate()
	if err != nil {
		return group_sdp.Fingerprint{}, err
	}
	return group_sdp.FingerprintFromCertificate(cert, hash, setup)
}

func writeFormatted(env *environment, format string, v interface{}) error {
	switch strings.ToLower(format) {
	case "json":
		encoder := json.NewEncoder(env.stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(v)
	case "yaml":
		encoder := yaml.NewEncoder(env.stdout)
		encoder.SetIndent(2)
		if err := encoder.Encode(v); err != nil {
			return err
		}
		return encoder.Close()
	default:
		return fmt.Errorf("неизвестный формат %q", format)
	}
}
