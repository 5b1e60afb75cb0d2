package markup

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// RenderPartial renders text that may stop in the middle of a construct.
// Open constructs are closed defensively so that every intermediate edit is
// well formed: an unterminated fence gets a closing fence, unbalanced inline
// markers in the trailing paragraph get closers, and a trailing run of bare
// marker characters is held back until the next delta decides what it is.
func RenderPartial(src string) string {
	return Render(Balance(src))
}

// Balance returns src with the closers that RenderPartial would add.
func Balance(src string) string {
	fence, fenceEnd := scanFences(src)
	if fence != "" {
		if !strings.HasSuffix(src, "\n") {
			src += "\n"
		}
		return src + fence
	}

	lastLine := src[strings.LastIndexByte(src, '\n')+1:]
	if isFenceLine(lastLine) {
		return src
	}

	src = strings.TrimRightFunc(holdBack(src), unicode.IsSpace)

	start := strings.LastIndex(src, "\n\n")
	if start < 0 {
		start = 0
	}
	if fenceEnd > start {
		start = fenceEnd
	}
	if start > len(src) {
		return src
	}
	return src + inlineClosers(src[start:])
}

// scanFences reports the closing fence needed when src ends inside a fenced
// code block, and the offset just after the last closed block.
func scanFences(src string) (closer string, end int) {
	var (
		open   bool
		char   byte
		length int
		offset int
	)
	for _, line := range strings.SplitAfter(src, "\n") {
		lineEnd := offset + len(line)
		trimmed := strings.TrimLeft(strings.TrimRight(line, "\r\n"), " ")
		indent := len(strings.TrimRight(line, "\r\n")) - len(trimmed)
		offset = lineEnd
		if indent > 3 || len(trimmed) < 3 || (trimmed[0] != '`' && trimmed[0] != '~') {
			continue
		}
		c := trimmed[0]
		n := runLength(trimmed, c)
		if n < 3 {
			continue
		}
		if !open {
			if c == '`' && strings.ContainsRune(trimmed[n:], '`') {
				continue
			}
			open, char, length = true, c, n
			continue
		}
		if c == char && n >= length && strings.TrimSpace(trimmed[n:]) == "" {
			open = false
			end = lineEnd
		}
	}
	if open {
		return strings.Repeat(string(char), length), end
	}
	return "", end
}

func isFenceLine(line string) bool {
	trimmed := strings.TrimLeft(line, " ")
	if len(trimmed) < 3 || (trimmed[0] != '`' && trimmed[0] != '~') {
		return false
	}
	return runLength(trimmed, trimmed[0]) >= 3
}

func holdBack(src string) string {
	end := len(src)
	for end > 0 && isMarker(src[end-1]) {
		end--
	}
	if end > 0 && src[end-1] == '\\' {
		return src
	}
	return src[:end]
}

func isMarker(c byte) bool {
	return c == '*' || c == '_' || c == '~' || c == '`'
}

// inlineClosers scans a paragraph and returns the markers that close every
// construct still open at its end, innermost first.
func inlineClosers(para string) string {
	var (
		stack    []string
		codeRun  int
		lineHead = true
	)
	for i := 0; i < len(para); {
		c := para[i]
		if codeRun > 0 {
			if c == '`' {
				n := runLength(para[i:], '`')
				if n == codeRun {
					codeRun = 0
					stack = stack[:len(stack)-1]
				}
				i += n
				continue
			}
			i++
			continue
		}

		switch {
		case c == '\\':
			i += 2
			lineHead = false
			continue
		case c == '\n':
			lineHead = true
			i++
			continue
		case c == ' ' || c == '\t':
			i++
			continue
		case c == '`':
			n := runLength(para[i:], '`')
			codeRun = n
			stack = append(stack, strings.Repeat("`", n))
			i += n
			lineHead = false
			continue
		case c == '*' || c == '_' || c == '~':
			n := runLength(para[i:], c)
			prev, next := before(para, i), after(para, i+n)
			if lineHead && c != '~' && n == 1 && next == ' ' {
				// list bullet
				i += n
				lineHead = false
				continue
			}
			stack = applyRun(stack, c, n, prev, next)
			i += n
			lineHead = false
			continue
		}
		lineHead = false
		_, size := utf8.DecodeRuneInString(para[i:])
		i += size
	}

	var b strings.Builder
	for j := len(stack) - 1; j >= 0; j-- {
		b.WriteString(stack[j])
	}
	return b.String()
}

func applyRun(stack []string, c byte, n int, prev, next rune) []string {
	var tokens []string
	switch c {
	case '~':
		if n != 2 {
			return stack
		}
		tokens = []string{"~~"}
	default:
		single := string(c)
		for ; n >= 2; n -= 2 {
			tokens = append(tokens, single+single)
		}
		if n == 1 {
			tokens = append(tokens, single)
		}
	}

	canOpen := next != 0 && !unicode.IsSpace(next)
	canClose := prev != 0 && !unicode.IsSpace(prev)
	if c == '_' {
		canOpen = canOpen && (prev == 0 || unicode.IsSpace(prev) || unicode.IsPunct(prev))
		canClose = canClose && (next == 0 || unicode.IsSpace(next) || unicode.IsPunct(next))
	}

	for _, tok := range tokens {
		if canClose {
			if idx := lastIndex(stack, tok); idx >= 0 {
				stack = stack[:idx]
				continue
			}
		}
		if canOpen {
			stack = append(stack, tok)
		}
	}
	return stack
}

func lastIndex(stack []string, tok string) int {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == tok {
			return i
		}
		if strings.HasPrefix(stack[i], "`") {
			return -1
		}
	}
	return -1
}

func runLength(s string, c byte) int {
	n := 0
	for n < len(s) && s[n] == c {
		n++
	}
	return n
}

func before(s string, i int) rune {
	if i == 0 {
		return 0
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return r
}

func after(s string, i int) rune {
	if i >= len(s) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return r
}
