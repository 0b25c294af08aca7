// Package signature caches thought signatures across requests so that
// reasoning context can be replayed to the upstream after a client round
// trip. Entries live in a hot map until the write-behind worker persists
// them to per-day JSONL shards under <data>/signatures/.
package signature

import (
	"time"
)

// FallbackSignature is returned when a lookup resolves an index entry but
// the payload is gone. The upstream accepts it as an opaque placeholder.
const FallbackSignature = "context_engineering_is_the_way_to_go"

// signaturePrefixLen bounds the prefix kept in the in-memory index for
// prefix-matched lookups.
const signaturePrefixLen = 50

// Entry is a stored thought signature keyed by request and tool call.
type Entry struct {
	Signature  string    `json:"signature"`
	Reasoning  string    `json:"reasoning,omitempty"`
	RequestID  string    `json:"requestID"`
	ToolCallID string    `json:"toolCallID"`
	IsImageKey bool      `json:"is_image_key,omitempty"`
	Model      string    `json:"model"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
}

// Key returns the record id "<requestID>:<toolCallID>", or "" when either
// half is missing.
func (e *Entry) Key() string {
	if e.RequestID == "" || e.ToolCallID == "" {
		return ""
	}
	return e.RequestID + ":" + e.ToolCallID
}

// EntryIndex is a lightweight pointer to a stored Entry. It keeps the large
// fields (signature, reasoning) out of long-lived memory; Date names the
// YYYY-MM-DD shard holding the payload, empty while the entry is still hot.
type EntryIndex struct {
	RequestID       string     `json:"requestID"`
	ToolCallID      string     `json:"toolCallID"`
	Model           string     `json:"model,omitempty"`
	SignaturePrefix string     `json:"signature_prefix,omitempty"`
	CreatedAt       *time.Time `json:"created_at,omitempty"`
	LastAccess      *time.Time `json:"last_access,omitempty"`
	Date            string     `json:"date,omitempty"`
}

func (i *EntryIndex) Key() string {
	if i.RequestID == "" || i.ToolCallID == "" {
		return ""
	}
	return i.RequestID + ":" + i.ToolCallID
}

func prefixOf(signature string) string {
	if len(signature) > signaturePrefixLen {
		return signature[:signaturePrefixLen]
	}
	return signature
}

func splitRecordID(recordID string) (requestID, toolCallID string, ok bool) {
	for i := 0; i < len(recordID); i++ {
		if recordID[i] == ':' {
			requestID, toolCallID = recordID[:i], recordID[i+1:]
			return requestID, toolCallID, requestID != "" && toolCallID != ""
		}
	}
	return "", "", false
}
