package messaging

import "strings"

// SplitMessage splits text to fit within a platform's message-length limit,
// breaking first at a newline, then a space, only falling back to a hard
// cutoff if neither is available within the limit. Every adapter uses this
// before sending long responses.
func SplitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > limit {
		window := remaining[:limit]
		splitPos := strings.LastIndexByte(window, '\n')
		if splitPos == -1 {
			splitPos = strings.LastIndexByte(window, ' ')
		}
		if splitPos == -1 {
			splitPos = limit
		} else {
			splitPos++ // keep the separator with the chunk being emitted
		}
		chunks = append(chunks, remaining[:splitPos])
		remaining = remaining[splitPos:]
	}
	if len(remaining) > 0 {
		chunks = append(chunks, remaining)
	}
	return chunks
}
