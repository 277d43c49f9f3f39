package domain

// CallStatus is the persisted outcome of a call attempt.
// Values are part of the call-record service contract; keep them stable.
type CallStatus string

const (
	StatusCancel  CallStatus = "cancel"
	StatusRefusal CallStatus = "refusal"
	StatusConnect CallStatus = "connect"
)

// RecordType mirrors the call-record service's message type field.
type RecordType string

const (
	RecordVoiceCall RecordType = "voice_call"
	RecordVideoCall RecordType = "video_call"
)

// CallRecord is the write-only unit handed to the external record sink at
// session end. DurationSeconds is set only for calls that reached Connected.
type CallRecord struct {
	Sender          UserID     `json:"sender"`
	Receiver        UserID     `json:"receiver"`
	Content         string     `json:"content,omitempty"`
	Type            RecordType `json:"type"`
	Status          CallStatus `json:"status"`
	DurationSeconds int64      `json:"durationSeconds,omitempty"`
}

func RecordTypeFor(ct CallType) RecordType {
	if ct == CallVideo {
		return RecordVideoCall
	}
	return RecordVoiceCall
}
