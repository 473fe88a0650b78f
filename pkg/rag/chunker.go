package rag

import "strings"

// Chunking defaults, tuned for tool documentation rather than long-form
// prose.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

// ChunkText splits documentation into chunks of at most chunkSize
// characters. Markdown section boundaries are preferred split points;
// paragraphs within a section are packed greedily. Adjacent chunks
// share an overlap tail so sentences cut at a boundary stay findable.
func ChunkText(text string, chunkSize, overlap int) []string {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = DefaultChunkOverlap
	}

	var chunks []string
	for _, section := range splitSections(text) {
		chunks = append(chunks, packSection(section, chunkSize, overlap)...)
	}
	return chunks
}

// splitSections splits on markdown headers, keeping each header with
// its body.
func splitSections(text string) []string {
	lines := strings.Split(text, "\n")

	var sections []string
	var current []string
	flush := func() {
		s := strings.TrimSpace(strings.Join(current, "\n"))
		if s != "" {
			sections = append(sections, s)
		}
		current = current[:0]
	}

	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			flush()
		}
		current = append(current, line)
	}
	flush()
	return sections
}

// packSection packs a section's paragraphs into chunks of at most
// chunkSize characters, splitting oversized paragraphs with overlap.
func packSection(section string, chunkSize, overlap int) []string {
	paragraphs := strings.Split(section, "\n\n")

	var chunks []string
	var buf strings.Builder
	flush := func() {
		s := strings.TrimSpace(buf.String())
		if s != "" {
			chunks = append(chunks, s)
		}
		buf.Reset()
	}

	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		if len(p) > chunkSize {
			flush()
			chunks = append(chunks, splitLong(p, chunkSize, overlap)...)
			continue
		}
		if buf.Len() > 0 && buf.Len()+len(p)+2 > chunkSize {
			flush()
		}
		if buf.Len() > 0 {
			buf.WriteString("\n\n")
		}
		buf.WriteString(p)
	}
	flush()
	return chunks
}

// splitLong slices an oversized paragraph into windows of chunkSize
// with the given overlap between consecutive windows.
func splitLong(text string, chunkSize, overlap int) []string {
	var chunks []string
	step := chunkSize - overlap

	for start := 0; start < len(text); start += step {
		end := start + chunkSize
		if end > len(text) {
			end = len(text)
		}
		chunk := strings.TrimSpace(text[start:end])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(text) {
			break
		}
	}
	return chunks
}
