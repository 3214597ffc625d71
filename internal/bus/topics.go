package bus

import "strings"

// Topic names. Audio and call events are shared topics keyed by call id;
// transcripts get one topic per call so downstream consumers can follow a
// single interaction without filtering.
const (
	TopicAudio      = "call.audio"
	TopicCallEvents = "call.events"

	transcriptPrefix = "call.transcripts."
)

// TranscriptTopic returns the per-call transcript topic.
func TranscriptTopic(callID string) string {
	return transcriptPrefix + callID
}

// IsTranscriptTopic reports whether topic is a per-call transcript topic
// and returns the call id when it is.
func IsTranscriptTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, transcriptPrefix) {
		return "", false
	}
	return strings.TrimPrefix(topic, transcriptPrefix), true
}

// ValidTopic rejects names an adapter cannot represent. Kafka and AMQP
// both accept dots; spaces and empty names are configuration errors.
func ValidTopic(topic string) bool {
	if topic == "" || len(topic) > 249 {
		return false
	}
	return !strings.ContainsAny(topic, " \t\n")
}
