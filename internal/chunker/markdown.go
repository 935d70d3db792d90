package chunker

import "strings"

// fenceMarker opens and closes a markdown code block.
const fenceMarker = "```"

// ChunkMarkdown splits markdown text into independently renderable chunks
// of at most limit characters. A chunk never ends inside an open fence:
// when the window would break one, the fence is closed at the break and
// reopened (with its info string) at the start of the next chunk.
func ChunkMarkdown(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultLimit
	}

	var chunks []string
	var cur strings.Builder
	inFence := false
	fenceInfo := ""

	flush := func() {
		out := strings.TrimRight(cur.String(), "\n")
		if strings.TrimSpace(out) != "" {
			chunks = append(chunks, out)
		}
		cur.Reset()
	}

	lines := strings.Split(text, "\n")
	for _, line := range lines {
		isFenceLine := strings.HasPrefix(strings.TrimSpace(line), fenceMarker)

		// A previous oversized fence line emitted fully wrapped pieces,
		// leaving the buffer empty inside an open fence. A closing marker
		// now has nothing left to close; content needs the fence reopened.
		if inFence && cur.Len() == 0 {
			if isFenceLine {
				inFence = false
				fenceInfo = ""
				continue
			}
			cur.WriteString(fenceMarker)
			cur.WriteString(fenceInfo)
		}

		// Room the closing marker needs if we have to split inside a fence.
		budget := limit
		if inFence || isFenceLine {
			budget = limit - len(fenceMarker) - 1
		}

		pending := len(line)
		if cur.Len() > 0 {
			pending += cur.Len() + 1
		}

		if pending > budget && cur.Len() > 0 && len(line) <= limit {
			if inFence {
				cur.WriteString("\n")
				cur.WriteString(fenceMarker)
				flush()
				cur.WriteString(fenceMarker)
				cur.WriteString(fenceInfo)
			} else {
				flush()
			}
		}

		// A single oversized line is hard-split. Inside a fence every piece
		// gets its own close/reopen wrapping so chunks stay balanced.
		if len(line) > limit {
			if inFence {
				open := fenceMarker + fenceInfo
				if cur.Len() > 0 {
					if cur.String() == open {
						cur.Reset()
					} else {
						cur.WriteString("\n")
						cur.WriteString(fenceMarker)
						flush()
					}
				}
				pieceLimit := limit - len(open) - len(fenceMarker) - 2
				if pieceLimit < 1 {
					pieceLimit = 1
				}
				for _, piece := range chunkLength(line, pieceLimit) {
					chunks = append(chunks, open+"\n"+piece+"\n"+fenceMarker)
				}
				continue
			}
			flush()
			chunks = append(chunks, chunkLength(line, limit)...)
			continue
		}

		if cur.Len() > 0 {
			cur.WriteString("\n")
		}
		cur.WriteString(line)

		if isFenceLine {
			if inFence {
				inFence = false
				fenceInfo = ""
			} else {
				inFence = true
				fenceInfo = strings.TrimPrefix(strings.TrimSpace(line), fenceMarker)
			}
		}
	}

	if inFence {
		cur.WriteString("\n")
		cur.WriteString(fenceMarker)
	}
	flush()
	return chunks
}
