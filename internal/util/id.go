// Package util provides small shared helpers for the gateway: identifier
// generation, model-family classification, and thinking-budget tables.
package util

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// RequestID returns an upstream request identifier in the agent-<uuid> form.
func RequestID() string {
	return fmt.Sprintf("agent-%s", uuid.NewString())
}

// SessionID returns a process-local account session handle. The textual form
// is a "-" prefix followed by a random decimal below 9e18.
func SessionID() string {
	n := randomUint64() % 9_000_000_000_000_000_000
	return fmt.Sprintf("-%d", n)
}

// ProjectID synthesizes a placeholder GCP-style project id for accounts that
// never completed onboarding.
func ProjectID() string {
	adjectives := []string{"useful", "bright", "swift", "calm", "bold", "happy", "clever", "gentle", "quick", "brave"}
	nouns := []string{"fuze", "wave", "spark", "flow", "core", "beam", "star", "wind", "leaf", "cloud"}

	adj := adjectives[int(randomUint64()%uint64(len(adjectives)))]
	noun := nouns[int(randomUint64()%uint64(len(nouns)))]
	return fmt.Sprintf("%s-%s-%s", adj, noun, randomAlphanumeric(5))
}

// ToolCallID returns a call_<uuid-without-dashes> identifier.
func ToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ToolUseID returns a toolu_<uuid-without-dashes> identifier for the
// Anthropic dialect.
func ToolUseID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ChatCompletionID returns a chatcmpl-<8 hex chars> identifier.
func ChatCompletionID() string {
	s := uuid.NewString()
	if idx := strings.IndexByte(s, '-'); idx > 0 {
		s = s[:idx]
	}
	if len(s) > 8 {
		s = s[:8]
	}
	return "chatcmpl-" + s
}

// randomUint64 reuses the UUID v4 random source instead of seeding a
// separate generator.
func randomUint64() uint64 {
	b := uuid.New()
	return binary.LittleEndian.Uint64(b[:8])
}

func randomAlphanumeric(n int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	var sb strings.Builder
	sb.Grow(n)
	for i := 0; i < n; i++ {
		sb.WriteByte(charset[int(randomUint64()%uint64(len(charset)))])
	}
	return sb.String()
}
