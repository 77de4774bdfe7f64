package realtime

// Outgoing events.

type sessionUpdateMessage struct {
	Type    string               `json:"type"`
	Session transcriptionSession `json:"session"`
}

type transcriptionSession struct {
	InputAudioFormat string              `json:"input_audio_format"`
	Transcription    transcriptionParams `json:"input_audio_transcription"`
}

type transcriptionParams struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// Incoming events. Only the fields the client logs are decoded.

type serverEvent struct {
	Type       string             `json:"type"`
	ItemID     string             `json:"item_id,omitempty"`
	Transcript string             `json:"transcript,omitempty"`
	Error      *serverErrorDetail `json:"error,omitempty"`
}

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
