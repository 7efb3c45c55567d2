// Package chunk splits a file's extracted text into bounded, overlapping
// windows and derives the stable chunk-id each window is indexed under.
package chunk

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
)

// Config controls chunking behaviour.
type Config struct {
	Size    int // target characters per chunk
	Overlap int // characters of trailing overlap carried into the next chunk
}

// Chunker splits normalized text into a flat, index-stable sequence of
// character windows.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration. A non-positive
// Size falls back to 1200; a negative Overlap, or one not smaller than
// Size, falls back to 180. A zero Overlap is kept.
func New(cfg Config) *Chunker {
	if cfg.Size <= 0 {
		cfg.Size = 1200
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.Size {
		cfg.Overlap = 180
	}
	return &Chunker{cfg: cfg}
}

// Fragment is one chunk's text plus its zero-based index within the
// file it came from.
type Fragment struct {
	Index int
	Text  string
}

// Split normalizes text and breaks it into Fragments, splitting at
// paragraph and then sentence boundaries where possible so a window
// boundary rarely falls mid-sentence, and carrying Overlap characters
// of trailing context into the next fragment.
func (c *Chunker) Split(text string) []Fragment {
	text = Normalize(text)
	if text == "" {
		return nil
	}
	if len(text) <= c.cfg.Size {
		return []Fragment{{Index: 0, Text: text}}
	}

	paragraphs := splitParagraphs(text)
	var frags []string
	var current strings.Builder
	overlapText := ""

	flush := func() {
		if current.Len() == 0 {
			return
		}
		frags = append(frags, strings.TrimSpace(current.String()))
		overlapText = extractOverlap(current.String(), c.cfg.Overlap)
		current.Reset()
	}

	for _, para := range paragraphs {
		if len(para) > c.cfg.Size {
			flush()
			sentFrags := c.splitBySentences(para, overlapText)
			frags = append(frags, sentFrags...)
			if len(sentFrags) > 0 {
				overlapText = extractOverlap(sentFrags[len(sentFrags)-1], c.cfg.Overlap)
			}
			continue
		}

		// Start a new window at a section heading once the current one
		// has substance, so chunks tend to align with document structure.
		breakHere := current.Len()+len(para) > c.cfg.Size ||
			(current.Len() > c.cfg.Size/3 && startsWithHeading(para))
		if breakHere && current.Len() > 0 {
			flush()
			if overlapText != "" {
				current.WriteString(overlapText)
				current.WriteString("\n\n")
			}
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	flush()

	out := make([]Fragment, len(frags))
	for i, f := range frags {
		out[i] = Fragment{Index: i, Text: f}
	}
	return out
}

// startsWithHeading reports whether a paragraph's first line looks
// like a section heading.
func startsWithHeading(para string) bool {
	line := para
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	return IsHeading(strings.TrimSpace(line))
}

// splitBySentences breaks a paragraph too large for one window into
// sentence-bounded fragments, prepending initialOverlap to the first.
func (c *Chunker) splitBySentences(text, initialOverlap string) []string {
	sentences := splitSentences(text)
	var frags []string
	var current strings.Builder

	if initialOverlap != "" {
		current.WriteString(initialOverlap)
		current.WriteString(" ")
	}

	for _, sent := range sentences {
		if current.Len()+len(sent) > c.cfg.Size && current.Len() > 0 {
			frags = append(frags, strings.TrimSpace(current.String()))
			overlap := extractOverlap(current.String(), c.cfg.Overlap)
			current.Reset()
			if overlap != "" {
				current.WriteString(overlap)
				current.WriteString(" ")
			}
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sent)
	}
	if current.Len() > 0 {
		frags = append(frags, strings.TrimSpace(current.String()))
	}
	return frags
}

// Normalize collapses CRLF/CR to LF and collapses each line's runs of
// whitespace to single spaces (dropping leading and trailing
// whitespace) while preserving line and paragraph breaks.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences is a simple sentence tokenizer: it splits on
// period/question-mark/exclamation followed by whitespace or end of
// string.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				if s := strings.TrimSpace(cur.String()); s != "" {
					sentences = append(sentences, s)
				}
				cur.Reset()
			}
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// extractOverlap returns the trailing portion of text that is at most
// maxChars long, cut at the nearest preceding word boundary.
func extractOverlap(text string, maxChars int) string {
	text = strings.TrimSpace(text)
	if maxChars <= 0 || text == "" {
		return ""
	}
	if len(text) <= maxChars {
		return text
	}
	tail := text[len(text)-maxChars:]
	if idx := strings.IndexByte(tail, ' '); idx >= 0 {
		tail = tail[idx+1:]
	}
	return strings.TrimSpace(tail)
}

// ChunkID derives the stable id for chunk i of a normal file:
// sha1(virtualPath) truncated to 16 hex chars, joined to
// the chunk index.
func ChunkID(virtualPath string, index int) string {
	sum := sha1.Sum([]byte(virtualPath))
	return fmt.Sprintf("%s:%d", hex.EncodeToString(sum[:])[:16], index)
}

// ArchiveChunkID derives the stable id for chunk i of a file nested
// inside an archive, keyed by the archive's content hash and the
// member's inner path so re-indexing an unchanged archive is a no-op.
func ArchiveChunkID(archiveContentHash, innerPath string, index int) string {
	return fmt.Sprintf("%s:%s:%d", archiveContentHash, innerPath, index)
}

// EstimateWindowCount estimates a fragment count for a text of length n
// from the Size-Overlap stride alone. Split cuts at paragraph and
// sentence boundaries, so its actual count can differ.
func EstimateWindowCount(n int, cfg Config) int {
	if n <= 0 {
		return 0
	}
	step := cfg.Size - cfg.Overlap
	if step <= 0 {
		step = cfg.Size
	}
	return int(math.Ceil(float64(n) / float64(step)))
}
