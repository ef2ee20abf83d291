package agent

import (
	"sync"
	"time"

	"github.com/ultradaoto/hybrid-coach/internal/metrics"
)

// Role values for TranscriptEntry (§3).
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Source values for TranscriptEntry (§3).
const (
	SourceVoiceAgent    = "voice_agent"
	SourceTranscription = "transcription"
)

// TranscriptEntry is one committed line of the orchestrator session's
// transcript log (§3).
type TranscriptEntry struct {
	SessionID string
	Role      string
	Text      string
	Timestamp time.Time
	Source    string
	Final     bool
}

// Transcript is the append-only log an orchestrator owns. Readers receive
// immutable copies; only the orchestrator goroutine appends (§5).
//
// Ordering invariant enforced by the caller, not this type: assistant
// entries are appended only between AgentStartedSpeaking and AgentAudioDone;
// user entries with Final=true only after UserStoppedSpeaking for that
// speaker. Transcript itself just guarantees append-order and safe reads.
type Transcript struct {
	sessionID string

	mu      sync.RWMutex
	entries []TranscriptEntry
}

// NewTranscript constructs an empty transcript log for one orchestrator session.
func NewTranscript(sessionID string) *Transcript {
	return &Transcript{sessionID: sessionID}
}

// Append records one entry and reports it in the transcript-entries metric.
func (t *Transcript) Append(role, text, source string, final bool) TranscriptEntry {
	entry := TranscriptEntry{
		SessionID: t.sessionID,
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
		Source:    source,
		Final:     final,
	}

	t.mu.Lock()
	t.entries = append(t.entries, entry)
	t.mu.Unlock()

	metrics.TranscriptEntriesAppended.WithLabelValues(role, source).Inc()
	return entry
}

// Entries returns an immutable copy of the log accumulated so far.
func (t *Transcript) Entries() []TranscriptEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]TranscriptEntry, len(t.entries))
	copy(out, t.entries)
	return out
}
