package database

import "time"

// Call is the durable record of a single telephone call under ingestion.
type Call struct {
	CallID       string
	State        string
	LastSequence int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Packet is a single ordered audio-metadata packet belonging to a call.
type Packet struct {
	ID         int64
	CallID     string
	Sequence   int64
	Data       []byte
	Timestamp  time.Time
	ReceivedAt time.Time
}

// AIResult holds the transcription outcome (or in-flight retry bookkeeping)
// for a single call. Status mirrors the Processor's view of progress and is
// independent of Call.State, though the two are kept consistent by callers.
type AIResult struct {
	CallID       string
	Transcript   string
	Sentiment    string
	Status       string
	RetryCount   int
	LastRetryAt  *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
}

// AI result status values.
const (
	AIStatusPending    = "PENDING"
	AIStatusProcessing = "PROCESSING"
	AIStatusCompleted  = "COMPLETED"
	AIStatusFailed     = "FAILED"
)

// CallSnapshot is a point-in-time, read-only view of a call plus its latest
// AI result, returned by non-transactional status queries.
type CallSnapshot struct {
	Call        Call
	PacketCount int64
	AIResult    *AIResult
}
