package delivery

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var (
	markdown = goldmark.New(goldmark.WithExtensions(extension.Strikethrough))

	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
)

// FormatTelegramHTML renders Markdown into the HTML subset accepted by the
// Telegram Bot API (b, i, s, code, pre, a, blockquote). Everything else
// becomes escaped text.
func FormatTelegramHTML(src string) (string, error) {
	source := []byte(src)
	doc := markdown.Parser().Parse(text.NewReader(source))

	r := &htmlRenderer{source: source}
	if err := ast.Walk(doc, r.walk); err != nil {
		return "", err
	}
	return strings.TrimSpace(r.buf.String()), nil
}

type htmlRenderer struct {
	source    []byte
	buf       bytes.Buffer
	listDepth int
}

func (r *htmlRenderer) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Document:
	case *ast.Paragraph:
		if !entering {
			r.endBlock(n)
		}
	case *ast.TextBlock:
		if !entering && n.NextSibling() != nil {
			r.ensureNewline()
		}
	case *ast.Heading:
		if entering {
			r.buf.WriteString("<b>")
		} else {
			r.buf.WriteString("</b>")
			r.endBlock(n)
		}
	case *ast.Blockquote:
		if entering {
			r.buf.WriteString("<blockquote>")
		} else {
			r.trimNewlines()
			r.buf.WriteString("</blockquote>")
			r.endBlock(n)
		}
	case *ast.ThematicBreak:
		if entering {
			r.buf.WriteString("----------")
			r.endBlock(n)
		}
	case *ast.FencedCodeBlock:
		if entering {
			if lang := node.Language(r.source); len(lang) > 0 {
				r.buf.WriteString(`<pre><code class="language-` + attrEscaper.Replace(string(lang)) + `">`)
				r.writeLines(n)
				r.buf.WriteString("</code></pre>")
			} else {
				r.buf.WriteString("<pre>")
				r.writeLines(n)
				r.buf.WriteString("</pre>")
			}
			r.endBlock(n)
		}
		return ast.WalkSkipChildren, nil
	case *ast.CodeBlock:
		if entering {
			r.buf.WriteString("<pre>")
			r.writeLines(n)
			r.buf.WriteString("</pre>")
			r.endBlock(n)
		}
		return ast.WalkSkipChildren, nil
	case *ast.HTMLBlock:
		if entering {
			r.writeLines(n)
			if node.HasClosure() {
				r.buf.WriteString(textEscaper.Replace(string(node.ClosureLine.Value(r.source))))
			}
			r.endBlock(n)
		}
		return ast.WalkSkipChildren, nil
	case *ast.List:
		if entering {
			if r.listDepth > 0 {
				r.ensureNewline()
			}
			r.listDepth++
		} else {
			r.listDepth--
			r.ensureNewline()
			if r.listDepth == 0 {
				r.endBlock(n)
			}
		}
	case *ast.ListItem:
		if entering {
			r.buf.WriteString(strings.Repeat("  ", r.listDepth-1))
			r.buf.WriteString(listMarker(node))
		} else {
			r.ensureNewline()
		}
	case *ast.Emphasis:
		tag := "i"
		if node.Level >= 2 {
			tag = "b"
		}
		r.tag(tag, entering)
	case *extast.Strikethrough:
		r.tag("s", entering)
	case *ast.CodeSpan:
		r.tag("code", entering)
	case *ast.Link:
		if entering {
			r.buf.WriteString(`<a href="` + attrEscaper.Replace(string(node.Destination)) + `">`)
		} else {
			r.buf.WriteString("</a>")
		}
	case *ast.Image:
		if entering {
			r.buf.WriteString(`<a href="` + attrEscaper.Replace(string(node.Destination)) + `">`)
		} else {
			r.buf.WriteString("</a>")
		}
	case *ast.AutoLink:
		if entering {
			url := string(node.URL(r.source))
			r.buf.WriteString(`<a href="` + attrEscaper.Replace(url) + `">`)
			r.buf.WriteString(textEscaper.Replace(string(node.Label(r.source))))
			r.buf.WriteString("</a>")
		}
		return ast.WalkSkipChildren, nil
	case *ast.RawHTML:
		if entering {
			for i := 0; i < node.Segments.Len(); i++ {
				seg := node.Segments.At(i)
				r.buf.WriteString(textEscaper.Replace(string(seg.Value(r.source))))
			}
		}
		return ast.WalkSkipChildren, nil
	case *ast.Text:
		if entering {
			r.buf.WriteString(textEscaper.Replace(string(node.Segment.Value(r.source))))
			if node.SoftLineBreak() || node.HardLineBreak() {
				r.buf.WriteByte('\n')
			}
		}
	case *ast.String:
		if entering {
			r.buf.WriteString(textEscaper.Replace(string(node.Value)))
		}
	}
	return ast.WalkContinue, nil
}

func (r *htmlRenderer) tag(name string, entering bool) {
	if entering {
		r.buf.WriteString("<" + name + ">")
	} else {
		r.buf.WriteString("</" + name + ">")
	}
}

// endBlock separates blocks with a blank line, or a single newline inside
// list items.
func (r *htmlRenderer) endBlock(n ast.Node) {
	if _, ok := n.Parent().(*ast.ListItem); ok {
		r.ensureNewline()
		return
	}
	r.trimNewlines()
	r.buf.WriteString("\n\n")
}

func (r *htmlRenderer) writeLines(n ast.Node) {
	lines := n.Lines()
	var b strings.Builder
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(r.source))
	}
	r.buf.WriteString(textEscaper.Replace(strings.TrimRight(b.String(), "\n")))
}

func (r *htmlRenderer) ensureNewline() {
	if b := r.buf.Bytes(); len(b) > 0 && b[len(b)-1] != '\n' {
		r.buf.WriteByte('\n')
	}
}

func (r *htmlRenderer) trimNewlines() {
	for r.buf.Len() > 0 && r.buf.Bytes()[r.buf.Len()-1] == '\n' {
		r.buf.Truncate(r.buf.Len() - 1)
	}
}

func listMarker(item *ast.ListItem) string {
	list, ok := item.Parent().(*ast.List)
	if !ok || !list.IsOrdered() {
		return "• "
	}
	index := list.Start
	for sib := item.PreviousSibling(); sib != nil; sib = sib.PreviousSibling() {
		index++
	}
	return strconv.Itoa(index) + ". "
}
