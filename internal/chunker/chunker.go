// Package chunker splits documents into overlapping passages for
// embedding. Output depends only on the input text and [Config], so
// re-ingesting a document reproduces the same chunk boundaries.
package chunker

import (
	"fmt"
	"strings"
	"unicode"
)

// Default sizes, in runes.
const (
	DefaultSize    = 1000
	DefaultOverlap = 200
)

// Config bounds chunk length and the overlap between neighbours.
type Config struct {
	Size    int
	Overlap int
}

// Validate rejects configs that could not make progress.
func (c Config) Validate() error {
	if c.Size < 1 {
		return fmt.Errorf("chunk size must be positive, got %d", c.Size)
	}
	if c.Overlap < 0 || c.Overlap >= c.Size {
		return fmt.Errorf("chunk overlap %d must be in [0, %d)", c.Overlap, c.Size)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = DefaultSize
		if c.Overlap == 0 {
			c.Overlap = DefaultOverlap
		}
	}
	if c.Overlap < 0 {
		c.Overlap = 0
	}
	if c.Overlap >= c.Size {
		c.Overlap = c.Size / 5
	}
	return c
}

// Piece is one passage. Start and End are rune offsets into the
// normalized text; Content is the trimmed text between them.
type Piece struct {
	Index   int
	Content string
	Start   int
	End     int
}

// Chunk splits text into pieces of at most cfg.Size runes. Each window
// ends at the latest paragraph break in its second half, else the
// latest sentence end, else the latest whitespace, else a hard cut.
// The next window starts cfg.Overlap runes before the previous end.
func Chunk(text string, cfg Config) []Piece {
	cfg = cfg.withDefaults()

	r := []rune(Normalize(text))
	n := len(r)
	if n == 0 {
		return nil
	}

	var pieces []Piece
	start := 0
	for start < n {
		end := start + cfg.Size
		if end >= n {
			end = n
		} else {
			end = cut(r, start, end, cfg.Size)
		}

		s, e := trimSpan(r, start, end)
		if s < e {
			pieces = append(pieces, Piece{
				Index:   len(pieces),
				Content: string(r[s:e]),
				Start:   s,
				End:     e,
			})
		}
		if end == n {
			break
		}

		next := end - cfg.Overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return pieces
}

// Normalize converts CRLF to LF, strips trailing spaces from each line,
// and trims the whole text.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRightFunc(l, unicode.IsSpace)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// cut picks the end of the window [start, end) where end < len(r).
func cut(r []rune, start, end, size int) int {
	floor := start + size/2

	for i := end; i > floor; i-- {
		if i-2 >= start && r[i-1] == '\n' && r[i-2] == '\n' {
			return i
		}
	}
	for i := end; i > floor; i-- {
		if isSentenceEnd(r[i-1]) && unicode.IsSpace(r[i]) {
			return i
		}
	}
	for i := end; i > floor; i-- {
		if unicode.IsSpace(r[i-1]) {
			return i
		}
	}
	return end
}

func isSentenceEnd(c rune) bool {
	return c == '.' || c == '!' || c == '?'
}

func trimSpan(r []rune, s, e int) (int, int) {
	for s < e && unicode.IsSpace(r[s]) {
		s++
	}
	for e > s && unicode.IsSpace(r[e-1]) {
		e--
	}
	return s, e
}
