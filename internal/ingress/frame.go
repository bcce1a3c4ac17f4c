package ingress

import "encoding/json"

// ClientFrame is the tagged-union inbound control message, decoded from
// every MessageText frame. Raw audio never reaches here — it arrives as
// MessageBinary and is routed straight to DispatchAudio.
type ClientFrame struct {
	Action                string   `json:"action"`
	Token                 string   `json:"token,omitempty"`
	SourceLanguage        string   `json:"sourceLanguage,omitempty"`
	PartialResultsEnabled *bool    `json:"partialResults,omitempty"`
	MinStabilityThreshold *float64 `json:"minStability,omitempty"`
	MaxBufferTimeoutSec   *float64 `json:"maxBufferTimeout,omitempty"`
	SessionID             string   `json:"sessionId,omitempty"`
	TargetLanguage        string   `json:"targetLanguage,omitempty"`
	ControlAction         string   `json:"controlAction,omitempty"`
	Volume                *float64 `json:"volume,omitempty"`
}

// ServerFrame is the tagged-union outbound control/status/error frame.
// Synthesized audio goes out as raw MessageBinary frames instead.
type ServerFrame struct {
	Type                  string         `json:"type"`
	SessionID             string         `json:"sessionId,omitempty"`
	Code                  string         `json:"code,omitempty"`
	Message               string         `json:"message,omitempty"`
	RetryAfter            string         `json:"retryAfter,omitempty"`
	ListenerCount         int64          `json:"listenerCount,omitempty"`
	State                 string         `json:"state,omitempty"`
	SourceLanguage        string         `json:"sourceLanguage,omitempty"`
	TargetLanguage        string         `json:"targetLanguage,omitempty"`
	LanguageDistribution  map[string]int `json:"languageDistribution,omitempty"`
	PartialResultsEnabled *bool          `json:"partialResultsEnabled,omitempty"`
	MinStabilityThreshold *float64       `json:"minStabilityThreshold,omitempty"`
	MaxBufferTimeoutSec   *float64       `json:"maxBufferTimeout,omitempty"`
	Volume                *float64       `json:"volume,omitempty"`
	Muted                 *bool          `json:"muted,omitempty"`
	Text                  string         `json:"text,omitempty"`
	IsPartial             *bool          `json:"isPartial,omitempty"`
	Stability             *float64       `json:"stability,omitempty"`
}

func decodeClientFrame(data []byte) (ClientFrame, error) {
	var f ClientFrame
	err := json.Unmarshal(data, &f)
	return f, err
}

func encodeServerFrame(f ServerFrame) ([]byte, error) {
	return json.Marshal(f)
}

// EncodeServerFrame is the exported form of encodeServerFrame, for the
// transport-facing read loop that writes a Dispatcher's response frames
// back onto the wire.
func EncodeServerFrame(f ServerFrame) ([]byte, error) {
	return encodeServerFrame(f)
}
