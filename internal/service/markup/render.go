// Package markup turns model Markdown into the HTML subset understood by chat
// clients: b, i, s, code, pre, a and blockquote.
package markup

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

const (
	paragraphMargin = 2
	listItemMargin  = 1
)

var parser = goldmark.New(goldmark.WithExtensions(extension.Strikethrough)).Parser()

// Render converts complete model output into escaped markup.
func Render(src string) string {
	if strings.TrimSpace(src) == "" {
		return ""
	}
	source := []byte(src)
	doc := parser.Parse(text.NewReader(source))

	r := &renderer{source: source}
	_ = ast.Walk(doc, r.walk)
	return strings.TrimRight(r.buf.String(), "\n")
}

// Escape returns text with the markup-significant characters escaped and no
// formatting applied.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	writeEscaped(&b, s, false)
	return b.String()
}

type listState struct {
	ordered bool
	next    int
}

type renderer struct {
	source []byte
	buf    bytes.Buffer
	lists  []*listState
}

func (r *renderer) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Document:
	case *ast.Paragraph:
		if !entering {
			r.block(paragraphMargin)
		}
	case *ast.TextBlock:
		if !entering && n.NextSibling() != nil {
			r.block(listItemMargin)
		}
	case *ast.Heading:
		if entering {
			r.buf.WriteString("<b>")
		} else {
			r.buf.WriteString("</b>")
			r.block(paragraphMargin)
		}
	case *ast.ThematicBreak:
		if entering {
			r.buf.WriteString("---")
			r.block(paragraphMargin)
		}
	case *ast.Blockquote:
		if entering {
			r.buf.WriteString("<blockquote>")
		} else {
			r.trimNewlines()
			r.buf.WriteString("</blockquote>")
			r.block(paragraphMargin)
		}
	case *ast.FencedCodeBlock:
		if entering {
			if lang := node.Language(r.source); len(lang) > 0 {
				r.buf.WriteString(`<pre><code class="language-`)
				r.escape(string(lang), true)
				r.buf.WriteString(`">`)
			} else {
				r.buf.WriteString("<pre><code>")
			}
			r.lines(n)
			r.buf.WriteString("</code></pre>")
			r.block(paragraphMargin)
		}
		return ast.WalkSkipChildren, nil
	case *ast.CodeBlock:
		if entering {
			r.buf.WriteString("<pre>")
			r.lines(n)
			r.buf.WriteString("</pre>")
			r.block(paragraphMargin)
		}
		return ast.WalkSkipChildren, nil
	case *ast.HTMLBlock:
		if entering {
			raw := r.raw(n)
			if node.HasClosure() {
				raw += string(node.ClosureLine.Value(r.source))
			}
			r.escape(strings.TrimRight(raw, "\n"), false)
			r.block(paragraphMargin)
		}
		return ast.WalkSkipChildren, nil
	case *ast.List:
		if entering {
			if _, nested := n.Parent().(*ast.ListItem); nested {
				r.block(listItemMargin)
			}
			r.lists = append(r.lists, &listState{ordered: node.IsOrdered(), next: node.Start})
		} else {
			r.lists = r.lists[:len(r.lists)-1]
			if len(r.lists) > 0 {
				r.block(listItemMargin)
			} else {
				r.block(paragraphMargin)
			}
		}
	case *ast.ListItem:
		if entering {
			r.itemMarker()
		} else {
			r.block(listItemMargin)
		}
	case *ast.Text:
		if entering {
			r.escape(string(util.UnescapePunctuations(node.Segment.Value(r.source))), false)
			if node.HardLineBreak() || node.SoftLineBreak() {
				r.buf.WriteByte('\n')
			}
		}
	case *ast.String:
		if entering {
			r.escape(string(node.Value), false)
		}
	case *ast.CodeSpan:
		if entering {
			r.buf.WriteString("<code>")
			for c := n.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					r.escape(string(t.Segment.Value(r.source)), false)
				}
			}
			r.buf.WriteString("</code>")
		}
		return ast.WalkSkipChildren, nil
	case *ast.Emphasis:
		tag := "i"
		if node.Level >= 2 {
			tag = "b"
		}
		r.tag(tag, entering)
	case *east.Strikethrough:
		r.tag("s", entering)
	case *ast.Link:
		r.link(node.Destination, entering)
	case *ast.Image:
		r.link(node.Destination, entering)
	case *ast.AutoLink:
		if entering {
			r.link(node.URL(r.source), true)
			r.escape(string(node.Label(r.source)), false)
			r.link(nil, false)
		}
		return ast.WalkSkipChildren, nil
	case *ast.RawHTML:
		if entering {
			for i := 0; i < node.Segments.Len(); i++ {
				seg := node.Segments.At(i)
				r.escape(string(seg.Value(r.source)), false)
			}
		}
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (r *renderer) tag(name string, entering bool) {
	if entering {
		r.buf.WriteString("<" + name + ">")
	} else {
		r.buf.WriteString("</" + name + ">")
	}
}

func (r *renderer) link(dest []byte, entering bool) {
	if !entering {
		r.buf.WriteString("</a>")
		return
	}
	r.buf.WriteString(`<a href="`)
	r.escape(string(dest), true)
	r.buf.WriteString(`">`)
}

func (r *renderer) itemMarker() {
	if len(r.lists) == 0 {
		return
	}
	list := r.lists[len(r.lists)-1]
	for i := 1; i < len(r.lists); i++ {
		r.buf.WriteString("  ")
	}
	if !list.ordered {
		r.buf.WriteString("• ")
		return
	}
	r.buf.WriteString(strconv.Itoa(list.next))
	r.buf.WriteString(". ")
	list.next++
}

func (r *renderer) lines(n ast.Node) {
	r.escape(strings.TrimRight(r.raw(n), "\n"), false)
}

func (r *renderer) raw(n ast.Node) string {
	lines := n.Lines()
	var b strings.Builder
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(r.source))
	}
	return b.String()
}

func (r *renderer) escape(s string, attr bool) {
	writeEscaped(&r.buf, s, attr)
}

// block makes sure the output ends with margin newlines. Nothing is added at
// the very start of the output.
func (r *renderer) block(margin int) {
	if r.buf.Len() == 0 {
		return
	}
	b := r.buf.Bytes()
	have := 0
	for i := len(b) - 1; i >= 0 && b[i] == '\n'; i-- {
		have++
	}
	for ; have < margin; have++ {
		r.buf.WriteByte('\n')
	}
}

func (r *renderer) trimNewlines() {
	b := r.buf.Bytes()
	end := len(b)
	for end > 0 && b[end-1] == '\n' {
		end--
	}
	r.buf.Truncate(end)
}

type stringWriter interface {
	WriteString(s string) (int, error)
	WriteByte(c byte) error
}

func writeEscaped(w stringWriter, s string, attr bool) {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '&':
			w.WriteString("&amp;")
		case '<':
			w.WriteString("&lt;")
		case '>':
			w.WriteString("&gt;")
		case '"':
			if attr {
				w.WriteString("&quot;")
			} else {
				w.WriteByte(c)
			}
		default:
			w.WriteByte(c)
		}
	}
}
