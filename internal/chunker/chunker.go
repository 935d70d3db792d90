// Package chunker splits outbound text to platform limits without breaking
// fenced code blocks or balanced parenthesized spans.
package chunker

import (
	"strings"
	"unicode"

	"github.com/epiloop/epiloop/internal/config"
)

// DefaultLimit applies when neither account, channel nor caller set one.
const DefaultLimit = 4000

// Mode selects the chunking strategy.
type Mode string

const (
	// ModeLength is the greedy window splitter used by every channel.
	ModeLength Mode = "length"
	// ModeNewline splits on every newline; only BlueBubbles uses it.
	ModeNewline Mode = "newline"
)

// ResolveLimit resolves the per-send character limit:
// per-account, else per-channel, else the caller fallback, else 4000.
func ResolveLimit(cfg *config.Config, channel, accountID string, fallback int) int {
	if ch := cfg.Channel(channel); ch != nil {
		if accountID != "" {
			if acct, ok := ch.Accounts[accountID]; ok && acct.ChunkLimit > 0 {
				return acct.ChunkLimit
			}
		}
		if ch.ChunkLimit > 0 {
			return ch.ChunkLimit
		}
	}
	if fallback > 0 {
		return fallback
	}
	return DefaultLimit
}

// ResolveMode resolves the chunk mode for a channel. Newline mode is only
// honoured for bluebubbles; everything else chunks by length.
func ResolveMode(cfg *config.Config, channel string) Mode {
	if channel == "bluebubbles" {
		if ch := cfg.Channel(channel); ch != nil && ch.ChunkMode == string(ModeNewline) {
			return ModeNewline
		}
	}
	return ModeLength
}

// Chunk splits text into non-empty pieces of at most limit characters.
// Concatenating the pieces preserves the semantic content; whitespace
// consumed at a break boundary collapses to the boundary itself.
func Chunk(text string, limit int, mode Mode) []string {
	if limit <= 0 {
		limit = DefaultLimit
	}
	switch mode {
	case ModeNewline:
		return chunkNewline(text, limit)
	default:
		return chunkLength(text, limit)
	}
}

// chunkLength applies the greedy window with break-point priority:
// last newline outside an unclosed "(", else last whitespace outside an
// unclosed "(", else a hard break at the limit.
func chunkLength(text string, limit int) []string {
	var chunks []string
	rest := []rune(strings.TrimRight(text, " \t\n"))

	for len(rest) > 0 {
		rest = trimLeadingSpace(rest)
		if len(rest) == 0 {
			break
		}
		if len(rest) <= limit {
			chunks = append(chunks, string(rest))
			break
		}

		window := rest[:limit]
		breakAt, consume := pickBreak(window)
		if breakAt <= 0 {
			// Hard break at the limit.
			chunks = append(chunks, string(window))
			rest = rest[limit:]
			continue
		}
		piece := strings.TrimRight(string(rest[:breakAt]), " \t\n")
		if piece != "" {
			chunks = append(chunks, piece)
		}
		rest = rest[breakAt+consume:]
	}
	return chunks
}

// pickBreak returns the break index inside window and how many separator
// runes to consume at the break. Candidates inside an unclosed "(" span
// are skipped so parenthesized text survives intact.
func pickBreak(window []rune) (idx, consume int) {
	depth := 0
	lastNewline, lastSpace := -1, -1
	for i, r := range window {
		switch r {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case '\n':
			if depth == 0 {
				lastNewline = i
			}
		default:
			if unicode.IsSpace(r) && depth == 0 {
				lastSpace = i
			}
		}
	}
	if lastNewline > 0 {
		return lastNewline, 1
	}
	if lastSpace > 0 {
		return lastSpace, 1
	}
	return -1, 0
}

// chunkNewline splits on every newline, drops empty lines, and re-chunks
// any single line that still exceeds the limit.
func chunkNewline(text string, limit int) []string {
	var chunks []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if len([]rune(line)) <= limit {
			chunks = append(chunks, line)
			continue
		}
		chunks = append(chunks, chunkLength(line, limit)...)
	}
	return chunks
}

func trimLeadingSpace(rs []rune) []rune {
	i := 0
	for i < len(rs) && unicode.IsSpace(rs[i]) {
		i++
	}
	return rs[i:]
}
