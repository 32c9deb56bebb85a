package telegram

import "strings"

const (
	textLimit    = 4000
	captionLimit = 1024
)

// splitText splits long messages into chunks that are safe to send.
// It prefers newline boundaries and, for HTML, avoids cutting inside a tag.
// A chunk never leaves a <pre> (HTML) or ``` block open; the block is
// closed and reopened in the next chunk.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer splitting on a newline near the end of the window.
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	if strings.EqualFold(parseMode, "HTML") {
		return balanceBlocks(out, preBlock)
	}
	return balanceBlocks(out, fenceBlock)
}

type block struct{ open, close, sep string }

var (
	fenceBlock = block{open: "```", close: "```", sep: "\n"}
	preBlock   = block{open: "<pre>", close: "</pre>"}
)

func (b block) leftOpen(s string) bool {
	if b.open == b.close {
		return strings.Count(s, b.open)%2 == 1
	}
	return strings.LastIndex(s, b.open) > strings.LastIndex(s, b.close)
}

// balanceBlocks closes a block left open at the end of a chunk and reopens
// it at the start of the next one.
func balanceBlocks(chunks []string, b block) []string {
	inside := false
	for i, c := range chunks {
		if inside {
			c = b.open + b.sep + c
		}
		inside = b.leftOpen(c)
		if inside {
			c += b.sep + b.close
		}
		chunks[i] = c
	}
	return chunks
}
