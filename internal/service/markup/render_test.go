package markup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRender(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Hello world", "Hello world"},
		{"escapes", "a < b & c > d", "a &lt; b &amp; c &gt; d"},
		{"emphasis", "**bold** and *it*", "<b>bold</b> and <i>it</i>"},
		{"strike", "~~gone~~", "<s>gone</s>"},
		{"inline code", "run `a<b`", "run <code>a&lt;b</code>"},
		{"fence", "```go\nfmt.Println(1 < 2)\n```", `<pre><code class="language-go">fmt.Println(1 &lt; 2)</code></pre>`},
		{"fence without language", "```\nx\n```", "<pre><code>x</code></pre>"},
		{"paragraphs", "a\n\nb", "a\n\nb"},
		{"heading", "# Title\n\nbody", "<b>Title</b>\n\nbody"},
		{"bullets", "- one\n- two", "• one\n• two"},
		{"ordered", "3. c\n4. d", "3. c\n4. d"},
		{"link", "[x](http://a.b/?q=1&r=2)", `<a href="http://a.b/?q=1&amp;r=2">x</a>`},
		{"raw html is literal", "<b>hi</b>", "&lt;b&gt;hi&lt;/b&gt;"},
		{"blank", "  \n ", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Render(tc.in))
		})
	}
}

func TestRenderLeavesUnclosedMarkersLiteral(t *testing.T) {
	assert.Equal(t, "**bol", Render("**bol"))
}

func TestRenderPartialClosesOpenConstructs(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "**bol", "<b>bol</b>"},
		{"italic", "so *very", "so <i>very</i>"},
		{"code span", "Say `fmt.Pri", "Say <code>fmt.Pri</code>"},
		{"strike", "~~old", "<s>old</s>"},
		{"trailing space before closer", "**bold ", "<b>bold</b>"},
		{"open fence", "```py\nprint(1)", `<pre><code class="language-py">print(1)</code></pre>`},
		{"bare marker held back", "Hello *", "Hello"},
		{"half closer held back", "**bold*", "<b>bold</b>"},
		{"intraword underscore", "snake_case", "snake_case"},
		{"list bullet is not emphasis", "* item one\n* it", "• item one\n• it"},
		{"closed constructs untouched", "**done** and", "<b>done</b> and"},
		{"only earlier paragraph open", "*a\n\nb", "*a\n\nb"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, RenderPartial(tc.in))
		})
	}
}

func TestRenderPartialOfCompleteTextMatchesRender(t *testing.T) {
	for _, in := range []string{
		"Hello world",
		"**bold** text",
		"```go\nx := 1\n```",
		"- a\n- b",
	} {
		assert.Equal(t, Render(in), RenderPartial(in), in)
	}
}

func TestBalanceKeepsClosedFence(t *testing.T) {
	in := "```\ncode\n```"
	assert.Equal(t, in, Balance(in))
}

func TestEscape(t *testing.T) {
	assert.Equal(t, "&lt;i&gt;&amp;\"", Escape(`<i>&"`))
}
