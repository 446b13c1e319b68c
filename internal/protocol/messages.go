package protocol

import "time"

// LLMRequest asks the generation service for a streamed completion.
type LLMRequest struct {
	RequestID   string    `json:"request_id"`
	SessionID   string    `json:"session_id"`
	Prompt      string    `json:"prompt"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	TraceID     string    `json:"trace_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// LLMResponse carries one streamed fragment. Exactly one response per request
// has Done set, with or without Error.
type LLMResponse struct {
	RequestID        string    `json:"request_id"`
	SessionID        string    `json:"session_id"`
	Content          string    `json:"content"`
	Done             bool      `json:"done"`
	Error            string    `json:"error,omitempty"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	LatencyMS        int64     `json:"latency_ms,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Cancel aborts an in-flight request or utterance.
type Cancel struct {
	ID string `json:"id"`
}

// TTSRequest asks the speech service to speak one utterance.
type TTSRequest struct {
	UtteranceID string  `json:"utterance_id"`
	SessionID   string  `json:"session_id"`
	Text        string  `json:"text"`
	Voice       string  `json:"voice,omitempty"`
	Rate        float64 `json:"rate,omitempty"`
	Pitch       float64 `json:"pitch,omitempty"`
	Volume      float64 `json:"volume,omitempty"`
	Target      string  `json:"target,omitempty"`
}

// AudioChunk is synthesized PCM for a playback target.
type AudioChunk struct {
	UtteranceID string `json:"utterance_id"`
	SessionID   string `json:"session_id"`
	Target      string `json:"target,omitempty"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	Sequence    int    `json:"sequence"`
	PCM         []byte `json:"pcm"`
	Final       bool   `json:"final"`
}

// TTSStatus reports utterance lifecycle: started, then completed or failed.
type TTSStatus struct {
	UtteranceID string    `json:"utterance_id"`
	SessionID   string    `json:"session_id"`
	Target      string    `json:"target,omitempty"`
	Started     bool      `json:"started,omitempty"`
	Completed   bool      `json:"completed,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// MixerCommand drives the background audio mixer.
type MixerCommand struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target,omitempty"`
	Action    string    `json:"action"`
	Volume    float64   `json:"volume,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ControlRequest is a user command addressed to a running session.
type ControlRequest struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"`
}

// ControlReply answers a ControlRequest.
type ControlReply struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Progress any    `json:"progress,omitempty"`
}

const (
	SubjectLLMRequest        = "llm.request"
	SubjectLLMCancel         = "llm.cancel"
	SubjectLLMResponsePrefix = "llm.response"
	SubjectTTSRequest        = "tts.request"
	SubjectTTSCancel         = "tts.cancel"
	SubjectTTSAudio          = "tts.audio"
	SubjectTTSStatus         = "tts.status"
	SubjectMixer             = "audio.mixer"
	SubjectControl           = "meditation.control"
	SubjectProgressPrefix    = "meditation.progress"
)

const (
	MixerPlay   = "play"
	MixerPause  = "pause"
	MixerStop   = "stop"
	MixerVolume = "volume"
)

const (
	ActionStart    = "start"
	ActionPause    = "pause"
	ActionResume   = "resume"
	ActionStop     = "stop"
	ActionProgress = "progress"
)

func LLMResponseSubject(requestID string) string {
	return SubjectLLMResponsePrefix + "." + requestID
}

func ProgressSubject(sessionID string) string {
	return SubjectProgressPrefix + "." + sessionID
}

// ProgressEvent is a session snapshot published on meditation.progress.<id>.
type ProgressEvent struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	Step      int       `json:"step,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Progress  any       `json:"progress"`
	Timestamp time.Time `json:"timestamp"`
}
