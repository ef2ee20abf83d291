// Package transcription maintains the orchestrator's WebSocket connection to
// the always-on streaming transcription service (§4.7, §6.3).
package transcription

// Result is the orchestrator-facing shape of one transcription message,
// parsed out of the provider's raw envelope.
type Result struct {
	Alternative string
	IsFinal     bool
	SpeakerTag  string
}

// rawEnvelope mirrors the minimum shape guaranteed by §6.3:
// {type:"Results", channel:{alternatives:[{transcript, confidence}]}, is_final, speech_final}.
type rawEnvelope struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	SpeakerTag  string `json:"speaker_tag,omitempty"`
}
