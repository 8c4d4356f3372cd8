package queue

// Task kinds handled by the worker.
const (
	KindTranscribeVoice  = "transcribe_voice"
	KindFetchURLMetadata = "fetch_url_metadata"
	KindProcessFile      = "process_file"
)

// TranscribeVoicePayload points at a staged audio object.
type TranscribeVoicePayload struct {
	ObjectKey string `json:"object_key"`
	ChatID    int64  `json:"chat_id"`
	UserID    int64  `json:"user_id"`
	MessageID int64  `json:"message_id"`
}

// FetchURLMetadataPayload names a URL found in a note.
type FetchURLMetadataPayload struct {
	URL string `json:"url"`
}

// ProcessFilePayload points at a staged document.
type ProcessFilePayload struct {
	ObjectKey string `json:"object_key"`
	Filename  string `json:"filename"`
	MIME      string `json:"mime"`
	ChatID    int64  `json:"chat_id"`
	UserID    int64  `json:"user_id"`
}
