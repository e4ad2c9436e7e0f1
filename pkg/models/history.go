package models

import "time"

// HistoryEntry is one persisted transcript item: the message plus optional
// metadata describing the remote API call that produced it.
type HistoryEntry struct {
	Message  Message          `json:"message"`
	Metadata *APICallMetadata `json:"apiCallMetadata,omitempty"`
}

// APICallMetadata records how a message came to exist.
type APICallMetadata struct {
	ModelUsed    string    `json:"modelUsed,omitempty"`
	Usage        *Usage    `json:"usage,omitempty"`
	Cost         *float64  `json:"cost,omitempty"`
	FinishReason string    `json:"finishReason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"requestId,omitempty"`
}

// CloneEntry returns a deep copy of a history entry.
func CloneEntry(e HistoryEntry) HistoryEntry {
	clone := HistoryEntry{Message: CloneMessage(e.Message)}
	if e.Metadata != nil {
		meta := *e.Metadata
		if e.Metadata.Usage != nil {
			usage := *e.Metadata.Usage
			meta.Usage = &usage
		}
		if e.Metadata.Cost != nil {
			cost := *e.Metadata.Cost
			meta.Cost = &cost
		}
		clone.Metadata = &meta
	}
	return clone
}

// CloneEntries deep-copies a history entry slice.
func CloneEntries(entries []HistoryEntry) []HistoryEntry {
	if entries == nil {
		return nil
	}
	out := make([]HistoryEntry, len(entries))
	for i := range entries {
		out[i] = CloneEntry(entries[i])
	}
	return out
}

// EntriesToMessages projects history entries onto their messages.
func EntriesToMessages(entries []HistoryEntry) []Message {
	out := make([]Message, 0, len(entries))
	for i := range entries {
		out = append(out, CloneMessage(entries[i].Message))
	}
	return out
}

// HistoryKey identifies one conversation transcript. Keys are opaque to
// storage; adapters sanitize them for their backend.
func HistoryKey(userID, groupID string) string {
	if groupID == "" {
		return "user:" + userID
	}
	return "group:" + groupID + ":user:" + userID
}
