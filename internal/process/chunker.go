package process

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

const (
	minChunkRunes = 50
	maxChunkRunes = 700 // Keeps a chunk under a 512-token embedding window
)

// Chunk is one embeddable section of a document.
type Chunk struct {
	Index       int    // Position within the document, from 0
	HeadingPath string // "# Title > ## Section"
	Text        string
}

// MarkdownChunker splits markdown into chunks that follow the heading
// hierarchy, bounded in size.
type MarkdownChunker struct {
	md goldmark.Markdown
}

// NewMarkdownChunker creates a chunker with table support enabled.
func NewMarkdownChunker() *MarkdownChunker {
	return &MarkdownChunker{md: goldmark.New(goldmark.WithExtensions(extension.Table))}
}

// Chunk parses content and returns the document title and its chunks.
// The title is the first level-1 heading, else the first level-2 heading,
// else derived from filename.
func (c *MarkdownChunker) Chunk(content []byte, filename string) (string, []Chunk) {
	if len(content) == 0 {
		return titleFromFilename(filename), nil
	}
	doc := c.md.Parser().Parse(text.NewReader(content))
	title := documentTitle(doc, content, filename)

	b := &chunkBuilder{src: content, title: title}
	_ = ast.Walk(doc, b.visit)
	chunks := b.finish()
	if len(chunks) == 0 {
		chunks = []Chunk{{HeadingPath: "# " + title, Text: string(content)}}
	}
	return title, constrain(chunks)
}

// ChunkText splits plain text on paragraph boundaries into bounded chunks.
func ChunkText(content string, heading string) []Chunk {
	var chunks []Chunk
	for _, para := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		chunks = append(chunks, Chunk{HeadingPath: heading, Text: para})
	}
	return constrain(chunks)
}

// Render flattens chunks back to plain text, each section preceded by its
// heading path.
func Render(chunks []Chunk) string {
	var sb strings.Builder
	last := ""
	for _, ch := range chunks {
		if ch.HeadingPath != "" && ch.HeadingPath != last {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(ch.HeadingPath)
			sb.WriteString("\n\n")
			last = ch.HeadingPath
		}
		sb.WriteString(strings.TrimSpace(ch.Text))
		sb.WriteString("\n")
	}
	return sb.String()
}

type heading struct {
	level int
	text  string
}

type chunkBuilder struct {
	src     []byte
	title   string
	stack   []heading
	current *Chunk
	started bool
	out     []Chunk
}

func (b *chunkBuilder) visit(n ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}

	switch node := n.(type) {
	case *ast.Heading:
		b.started = true
		for len(b.stack) > 0 && b.stack[len(b.stack)-1].level >= node.Level {
			b.stack = b.stack[:len(b.stack)-1]
		}
		b.stack = append(b.stack, heading{level: node.Level, text: nodeText(node, b.src)})
		b.flush()
		b.current = &Chunk{HeadingPath: headingPath(b.stack)}
		return ast.WalkSkipChildren, nil

	case *ast.Text:
		if b.current == nil && !b.started {
			b.current = &Chunk{HeadingPath: "# " + b.title}
		}
		b.write(string(node.Segment.Value(b.src)))
		if node.SoftLineBreak() || node.HardLineBreak() {
			b.write("\n")
		}

	case *ast.String:
		b.write(string(node.Value))

	case *ast.CodeBlock, *ast.FencedCodeBlock:
		b.newline()
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			b.write(string(seg.Value(b.src)))
		}
		return ast.WalkSkipChildren, nil

	case *ast.Paragraph, *ast.List, *ast.ListItem:
		b.newline()

	default:
		kind := n.Kind().String()
		switch {
		case kind == "TableRow" || kind == "TableHeader":
			b.newline()
			b.write(rowText(n, b.src))
			b.write("\n")
			return ast.WalkSkipChildren, nil
		case kind == "Table":
			b.newline()
		}
	}
	return ast.WalkContinue, nil
}

func (b *chunkBuilder) write(s string) {
	if b.current != nil {
		b.current.Text += s
	}
}

func (b *chunkBuilder) newline() {
	if b.current != nil && b.current.Text != "" && !strings.HasSuffix(b.current.Text, "\n") {
		b.current.Text += "\n"
	}
}

func (b *chunkBuilder) flush() {
	if b.current != nil && strings.TrimSpace(b.current.Text) != "" {
		b.out = append(b.out, *b.current)
	}
	b.current = nil
}

func (b *chunkBuilder) finish() []Chunk {
	b.flush()
	return b.out
}

func documentTitle(doc ast.Node, src []byte, filename string) string {
	var h1, h2 string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		h, ok := n.(*ast.Heading)
		if !entering || !ok {
			return ast.WalkContinue, nil
		}
		switch {
		case h.Level == 1:
			h1 = nodeText(h, src)
			return ast.WalkStop, nil
		case h.Level == 2 && h2 == "":
			h2 = nodeText(h, src)
		}
		return ast.WalkSkipChildren, nil
	})
	switch {
	case h1 != "":
		return h1
	case h2 != "":
		return h2
	default:
		return titleFromFilename(filename)
	}
}

// titleFromFilename strips the extension and capitalizes each word.
func titleFromFilename(filename string) string {
	name := filepath.Base(filename)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	words := strings.Fields(strings.NewReplacer("-", " ", "_", " ").Replace(name))
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

func headingPath(stack []heading) string {
	parts := make([]string, len(stack))
	for i, h := range stack {
		parts[i] = fmt.Sprintf("%s %s", strings.Repeat("#", h.level), h.text)
	}
	return strings.Join(parts, " > ")
}

func nodeText(n ast.Node, src []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := node.(type) {
		case *ast.Text:
			sb.Write(v.Segment.Value(src))
		case *ast.String:
			sb.Write(v.Value)
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}

func rowText(row ast.Node, src []byte) string {
	var cells []string
	for c := row.FirstChild(); c != nil; c = c.NextSibling() {
		cells = append(cells, nodeText(c, src))
	}
	return strings.Join(cells, " | ")
}

// constrain merges undersized neighbours, merges neighbours sharing a heading
// path, splits oversized chunks and renumbers the result. Sizes are in runes.
func constrain(chunks []Chunk) []Chunk {
	var out []Chunk
	for i := 0; i < len(chunks); i++ {
		cur := chunks[i]
		for i+1 < len(chunks) {
			next := chunks[i+1]
			small := utf8.RuneCountInString(cur.Text) < minChunkRunes
			same := cur.HeadingPath != "" && cur.HeadingPath == next.HeadingPath
			if !small && !same {
				break
			}
			merged := strings.TrimRight(cur.Text, "\n") + "\n\n" + next.Text
			if utf8.RuneCountInString(merged) > maxChunkRunes {
				break
			}
			cur.Text = merged
			i++
		}
		out = append(out, split(cur)...)
	}
	for i := range out {
		out[i].Index = i
	}
	return out
}

// split breaks an oversized chunk, preferring paragraph, then line, then
// sentence boundaries. All offsets are rune offsets.
func split(ch Chunk) []Chunk {
	runes := []rune(ch.Text)
	if len(runes) <= maxChunkRunes {
		return []Chunk{ch}
	}

	var out []Chunk
	for start := 0; start < len(runes); {
		end := start + maxChunkRunes
		if end >= len(runes) {
			out = append(out, Chunk{HeadingPath: ch.HeadingPath, Text: string(runes[start:])})
			break
		}
		window := runes[start:end]
		cut := end
		for _, sep := range []string{"\n\n", "\n", ". "} {
			if at := lastIndex(window, []rune(sep)); at > 0 {
				cut = start + at + len([]rune(sep))
				break
			}
		}
		out = append(out, Chunk{HeadingPath: ch.HeadingPath, Text: string(runes[start:cut])})
		start = cut
	}
	return out
}

func lastIndex(haystack, needle []rune) int {
	for i := len(haystack) - len(needle); i >= 0; i-- {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
