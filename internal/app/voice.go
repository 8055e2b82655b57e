package app

import (
	"log/slog"

	"github.com/ent0n29/wayfarer/internal/agent"
	"github.com/ent0n29/wayfarer/internal/audio"
	"github.com/ent0n29/wayfarer/internal/config"
	"github.com/ent0n29/wayfarer/internal/observability"
	"github.com/ent0n29/wayfarer/internal/protocol"
	"github.com/ent0n29/wayfarer/internal/voice"
)

// agentConfig maps service configuration onto the voice agent connection,
// including the settings message sent on every open.
func agentConfig(cfg config.Config) agent.Config {
	return agent.Config{
		URL:    cfg.AgentURL,
		APIKey: cfg.AgentAPIKey,
		Settings: protocol.NewAgentSettings(protocol.SettingsOptions{
			Prompt:       cfg.AgentPrompt,
			ListenModel:  cfg.AgentListenModel,
			ThinkType:    cfg.AgentThinkType,
			ThinkModel:   cfg.AgentThinkModel,
			SpeakModel:   cfg.AgentSpeakModel,
			SampleRate:   audio.DefaultFormat.SampleRate,
			OutputFormat: "linear16",
			OutputRate:   cfg.AgentOutputRate,
		}),
		ConnectTimeout: cfg.AgentConnectTimeout,
		MaxAttempts:    cfg.AgentMaxAttempts,
		BackoffBase:    cfg.AgentBackoffBase,
		BackoffCap:     cfg.AgentBackoffCap,
	}
}

func newAgentConnector(cfg config.Config, logger *slog.Logger, metrics *observability.Metrics) voice.AgentConnector {
	return voice.FromAgentConnector(agent.NewConnector(agentConfig(cfg), agent.WebsocketDialer{}, logger, metrics))
}
