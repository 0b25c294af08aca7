package logging

import "strings"

// Level gates the traffic dump blocks. off prints nothing; low prints
// client-side request/response summaries; medium adds the backend exchange;
// high switches both to raw byte-for-byte dumps.
type Level int

const (
	LevelOff Level = iota
	LevelLow
	LevelMedium
	LevelHigh
)

// ParseLevel maps a DEBUG string to a Level, defaulting to off.
func ParseLevel(value string) Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "low":
		return LevelLow
	case "medium":
		return LevelMedium
	case "high":
		return LevelHigh
	}
	return LevelOff
}

func (l Level) ClientEnabled() bool  { return l >= LevelLow }
func (l Level) BackendEnabled() bool { return l >= LevelMedium }
func (l Level) RawEnabled() bool     { return l == LevelHigh }

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	}
	return "off"
}
