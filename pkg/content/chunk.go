package content

// Chunk is one window of a split text. Start and End are rune offsets;
// End is exclusive and always greater than Start. The last chunk may be
// shorter than the window.
type Chunk struct {
	Content string
	Start   int
	End     int
}

// Split cuts text into overlapping character windows. Adjacent windows
// share overlap characters so facts spanning a boundary stay intact in
// at least one chunk. Windows are measured in runes, never splitting a
// multi-byte character.
func Split(text string, size, overlap int) []Chunk {
	if text == "" || size <= 0 {
		return nil
	}
	if overlap >= size {
		overlap = 0
	}

	runes := []rune(text)
	var chunks []Chunk
	start := 0
	for start < len(runes) {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, Chunk{
			Content: string(runes[start:end]),
			Start:   start,
			End:     end,
		})
		if end >= len(runes) {
			break
		}
		start += size - overlap
	}
	return chunks
}
