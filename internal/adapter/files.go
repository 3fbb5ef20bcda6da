package adapter

import (
	"os"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// MaxFileBytes is the per-attachment size cap. Larger files are skipped
// with a warning rather than failing the request.
const MaxFileBytes = 1 << 20 // 1 MiB

// BuildPrompt assembles the wire prompt for HTTP backends: one delimited
// block per readable attachment, in the order supplied, followed by the
// original prompt. Missing files, directories, and oversized files are
// skipped with a warning; the request proceeds with what remains.
func BuildPrompt(prompt string, files []string) string {
	if len(files) == 0 {
		return prompt
	}

	var b strings.Builder
	for _, path := range files {
		content, ok := readAttachment(path)
		if !ok {
			continue
		}
		b.WriteString("# File: ")
		b.WriteString(path)
		b.WriteString("\n```\n")
		b.WriteString(content)
		b.WriteString("\n```\n\n")
	}
	b.WriteString(prompt)
	return b.String()
}

// readAttachment loads one attachment, replacing invalid UTF-8 sequences.
// Returns ok=false when the file should be skipped.
func readAttachment(path string) (string, bool) {
	info, err := os.Stat(path)
	if err != nil {
		log.Warn().Str("component", "adapter").Str("file", path).Err(err).
			Msg("skipping unreadable attachment")
		return "", false
	}
	if info.IsDir() {
		log.Warn().Str("component", "adapter").Str("file", path).
			Msg("skipping directory attachment")
		return "", false
	}
	if info.Size() > MaxFileBytes {
		log.Warn().Str("component", "adapter").Str("file", path).
			Int64("size", info.Size()).Int("limit", MaxFileBytes).
			Msg("skipping oversized attachment")
		return "", false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn().Str("component", "adapter").Str("file", path).Err(err).
			Msg("skipping unreadable attachment")
		return "", false
	}

	return strings.ToValidUTF8(string(data), string(utf8.RuneError)), true
}
