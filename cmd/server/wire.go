package main

import (
	"coachbot/internal/coach"
	"coachbot/internal/coaching"
	"coachbot/internal/config"
	"coachbot/internal/mail"
	"coachbot/internal/oracle"
	"coachbot/internal/session"

	"github.com/sirupsen/logrus"
)

type app struct {
	cfg      *config.Config
	account  mail.AccountFunc
	registry *session.Registry
	service  *coach.Service
}

func wireApp(loader *config.Loader) (*app, error) {
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	account := loader.MailAccount()

	registry := session.NewRegistry()
	svc := coach.NewService(registry, newOracle(cfg.OpenAI), mail.NewCoachNotifier(account), coaching.DefaultScript(), coach.Config{
		OracleTimeout: cfg.OpenAI.Timeout,
		NotifyTimeout: cfg.Mail.NotifyTimeout,
		BaseURL:       cfg.BaseURL,
	})

	return &app{
		cfg:      cfg,
		account:  account,
		registry: registry,
		service:  svc,
	}, nil
}

// newOracle falls back to an offline oracle so the web surface still works
// without assistant credentials.
func newOracle(cfg config.OpenAI) oracle.Oracle {
	if !cfg.Configured() {
		logrus.Warn("OPENAI_API_KEY or ASSISTANT_ID not set, assistant replies disabled")
		return oracle.Unavailable{}
	}
	o, err := oracle.NewAssistants(oracle.OpenAIConfig{
		APIKey:      cfg.APIKey,
		AssistantID: cfg.AssistantID,
		BaseURL:     cfg.BaseURL,
	})
	if err != nil {
		logrus.WithError(err).Warn("assistant oracle unavailable")
		return oracle.Unavailable{}
	}
	return o
}
