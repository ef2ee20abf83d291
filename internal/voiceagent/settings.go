// Package voiceagent maintains the orchestrator's WebSocket connection to
// the external conversational speech service (§4.5, §6.2).
package voiceagent

// Settings is the first message sent after the socket opens (§6.2).
type Settings struct {
	Audio SettingsAudio `json:"audio"`
	Agent SettingsAgent `json:"agent"`
}

type SettingsAudio struct {
	Input  AudioFormat       `json:"input"`
	Output AudioOutputFormat `json:"output"`
}

type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type AudioOutputFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container"`
}

type SettingsAgent struct {
	Language string         `json:"language"`
	Listen   ListenProvider `json:"listen"`
	Think    ThinkProvider  `json:"think"`
	Speak    SpeakProvider  `json:"speak"`
	Greeting string         `json:"greeting,omitempty"`
}

type ListenProvider struct {
	Provider ProviderRef `json:"provider"`
}

type ProviderRef struct {
	Type     string   `json:"type"`
	Model    string   `json:"model"`
	Keyterms []string `json:"keyterms,omitempty"`
}

type ThinkProvider struct {
	Provider ThinkProviderRef `json:"provider"`
	Prompt   string           `json:"prompt"`
}

type ThinkProviderRef struct {
	Type        string  `json:"type"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
}

type SpeakProvider struct {
	Provider ProviderRef `json:"provider"`
}

// Config is the subset of broker configuration SettingsFor needs, kept
// narrow so this package doesn't import internal/config directly.
type Config struct {
	STTModel       string
	TTSModel       string
	LLMModel       string
	CoachingPrompt string
	Greeting       string
}

// SettingsFor builds the Settings payload for one orchestrator session from
// cfg, carrying the base coaching prompt as given. Coach-whisper additions
// are not merged here; the orchestrator sends them later via UpdatePrompt.
func SettingsFor(cfg Config) Settings {
	return Settings{
		Audio: SettingsAudio{
			Input:  AudioFormat{Encoding: "linear16", SampleRate: 24000},
			Output: AudioOutputFormat{Encoding: "linear16", SampleRate: 24000, Container: "none"},
		},
		Agent: SettingsAgent{
			Language: "en",
			Listen: ListenProvider{
				Provider: ProviderRef{Type: "deepgram", Model: cfg.STTModel},
			},
			Think: ThinkProvider{
				Provider: ThinkProviderRef{Type: "open_ai", Model: cfg.LLMModel, Temperature: 0.7},
				Prompt:   cfg.CoachingPrompt,
			},
			Speak: SpeakProvider{
				Provider: ProviderRef{Type: "deepgram", Model: cfg.TTSModel},
			},
			Greeting: cfg.Greeting,
		},
	}
}
