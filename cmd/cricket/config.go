package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/cricket/pkg/realtime"
	"github.com/go-go-golems/cricket/pkg/realtime/memoryhub"
	"github.com/go-go-golems/cricket/pkg/realtime/redishub"
)

// fileConfig is the optional YAML config; flags take precedence over it.
type fileConfig struct {
	RedisAddr   string `yaml:"redis_addr"`
	Group       string `yaml:"group"`
	Participant string `yaml:"participant"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

type settings struct {
	redisAddr   string
	group       string
	participant string
	memory      bool
}

func (rf *rootFlags) resolve() (settings, error) {
	cfg, err := loadFileConfig(rf.configPath)
	if err != nil {
		return settings{}, err
	}
	s := settings{
		redisAddr:   firstNonEmpty(rf.redisAddr, cfg.RedisAddr),
		group:       firstNonEmpty(rf.group, cfg.Group),
		participant: firstNonEmpty(rf.participant, cfg.Participant),
		memory:      rf.memory,
	}
	if s.participant == "" {
		s.participant = "guest-" + uuid.NewString()[:8]
	}
	return s, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// dialer returns a per-participant realtime dial function plus a cleanup for
// whatever backs it.
func (s settings) dialer() (func(ctx context.Context, participantID string) (realtime.Client, error), func()) {
	if s.memory {
		hub := memoryhub.New()
		return func(_ context.Context, participantID string) (realtime.Client, error) {
			return hub.Connect(participantID), nil
		}, func() { _ = hub.Close() }
	}
	return func(ctx context.Context, participantID string) (realtime.Client, error) {
		return redishub.Connect(ctx, redishub.Settings{
			Addr:          s.redisAddr,
			Group:         s.group,
			ParticipantID: participantID,
		})
	}, func() {}
}
