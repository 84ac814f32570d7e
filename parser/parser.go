// Package parser reads a migration file's text and produces a
// migration.Parsed value: the up/down sections split into individual SQL
// statements with their source position, plus any tags and transaction
// directives.
package parser

import (
	"strings"

	"github.com/edgardcham/nomad/migration"
)

var bom = []byte{0xEF, 0xBB, 0xBF}

type lineRec struct {
	lineNo int
	text   string
}

type sectionBuilder struct {
	noTx         bool
	statements   []migration.Statement
	pendingLines []lineRec
	blockLines   []lineRec
	blockDepth   int
}

// Parse tokenizes content into a migration.Parsed value. It never returns an
// error: malformed directives are ignored, and unterminated quoting
// constructs are consumed greedily to end of file (the target database will
// reject the resulting statement).
func Parse(content []byte) migration.Parsed {
	content = normalize(content)

	up := &sectionBuilder{}
	down := &sectionBuilder{}
	tags := map[string]struct{}{}
	legacyNoTx := false
	current := "" // "", "up", "down"

	sectionFor := func(name string) *sectionBuilder {
		switch name {
		case "up":
			return up
		case "down":
			return down
		default:
			return nil
		}
	}

	lines := strings.Split(string(content), "\n")
	for idx, text := range lines {
		lineNo := idx + 1
		kind, args, isDirective := matchDirective(text)
		if !isDirective {
			sb := sectionFor(current)
			if sb == nil {
				continue
			}
			if sb.blockDepth > 0 {
				sb.blockLines = append(sb.blockLines, lineRec{lineNo, text})
			} else {
				sb.pendingLines = append(sb.pendingLines, lineRec{lineNo, text})
			}
			continue
		}

		switch kind {
		case directiveUp:
			flushSection(sectionFor(current))
			current = "up"
		case directiveDown:
			flushSection(sectionFor(current))
			current = "down"
		case directiveNoTx:
			if current == "" {
				legacyNoTx = true
				up.noTx = true
				down.noTx = true
			} else if sb := sectionFor(current); sb != nil {
				sb.noTx = true
			}
		case directiveBlock:
			if sb := sectionFor(current); sb != nil {
				if sb.blockDepth == 0 {
					flushNormal(sb)
				}
				sb.blockDepth++
			}
		case directiveEndBlock:
			if sb := sectionFor(current); sb != nil && sb.blockDepth > 0 {
				sb.blockDepth--
				if sb.blockDepth == 0 {
					flushBlock(sb)
				}
			}
		case directiveTags:
			for t := range parseTags(args) {
				tags[t] = struct{}{}
			}
		}
	}

	flushSection(sectionFor(current))
	if current == "up" {
		flushSection(down)
	} else if current == "down" {
		flushSection(up)
	} else {
		flushSection(up)
		flushSection(down)
	}

	return migration.Parsed{
		Up:         migration.Section{Statements: up.statements, NoTx: up.noTx},
		Down:       migration.Section{Statements: down.statements, NoTx: down.noTx},
		Tags:       tags,
		LegacyNoTx: legacyNoTx,
	}
}

// flushSection flushes whatever mode (normal or block) a section is
// currently in. Called on section switches and at end of file.
func flushSection(sb *sectionBuilder) {
	if sb == nil {
		return
	}
	if sb.blockDepth > 0 {
		flushBlock(sb)
		sb.blockDepth = 0
		return
	}
	flushNormal(sb)
}

// flushNormal runs the statement splitter over the section's accumulated
// non-block lines and appends the resulting statements.
func flushNormal(sb *sectionBuilder) {
	if len(sb.pendingLines) == 0 {
		return
	}
	buf, offsets := buildBuffer(sb.pendingLines)
	for _, r := range splitStatements(buf) {
		line, col := position(offsets, r.meaningfulFrom)
		sql := cleanStatement(r.text)
		if sql == "" {
			continue
		}
		sb.statements = append(sb.statements, migration.Statement{SQL: sql, Line: line, Column: col})
	}
	sb.pendingLines = nil
}

// flushBlock emits the section's accumulated block lines as exactly one
// statement, regardless of internal semicolons.
func flushBlock(sb *sectionBuilder) {
	if len(sb.blockLines) == 0 {
		return
	}
	buf, offsets := buildBuffer(sb.blockLines)
	sql := strings.TrimRight(string(buf), " \t\r\n")
	if strings.TrimSpace(sql) != "" {
		off := leadingMeaningfulOffset(buf)
		line, col := position(offsets, off)
		sb.statements = append(sb.statements, migration.Statement{SQL: sql, Line: line, Column: col})
	}
	sb.blockLines = nil
}

type lineOffset struct {
	bufOffset int
	fileLine  int
}

// buildBuffer concatenates lines (re-inserting '\n' between them) and
// records, for each included line, the byte offset at which it starts in
// the concatenation and its original file line number.
func buildBuffer(lines []lineRec) ([]byte, []lineOffset) {
	var b strings.Builder
	offsets := make([]lineOffset, 0, len(lines))
	for _, l := range lines {
		offsets = append(offsets, lineOffset{bufOffset: b.Len(), fileLine: l.lineNo})
		b.WriteString(l.text)
		b.WriteByte('\n')
	}
	return []byte(b.String()), offsets
}

// position maps a byte offset within a buildBuffer result back to the
// original file's (line, column), falling back to the nearest preceding
// tracked line when the exact line cannot be determined (e.g. the offset
// landed past all tracked content because of a trailing flush).
func position(offsets []lineOffset, off int) (line, col int) {
	if len(offsets) == 0 {
		return 1, 1
	}
	best := offsets[0]
	for _, o := range offsets {
		if o.bufOffset <= off {
			best = o
		} else {
			break
		}
	}
	return best.fileLine, off - best.bufOffset + 1
}

// cleanStatement strips a single trailing statement-terminating semicolon
// (and the whitespace around it) from a split statement's text.
func cleanStatement(s string) string {
	s = strings.TrimRight(s, " \t\r\n")
	s = strings.TrimSuffix(s, ";")
	s = strings.TrimRight(s, " \t\r\n")
	return s
}

// leadingMeaningfulOffset returns the byte offset of the first character in
// buf that is not leading whitespace or a leading line/block comment.
func leadingMeaningfulOffset(buf []byte) int {
	i := 0
	n := len(buf)
	for i < n {
		switch {
		case buf[i] == ' ' || buf[i] == '\t' || buf[i] == '\n' || buf[i] == '\r':
			i++
		case buf[i] == '-' && i+1 < n && buf[i+1] == '-':
			i += 2
			for i < n && buf[i] != '\n' {
				i++
			}
		case buf[i] == '/' && i+1 < n && buf[i+1] == '*':
			i = skipBlockComment(buf, i)
		default:
			return i
		}
	}
	return i
}

// normalize strips a single leading BOM and translates "\r\n" to "\n". Bare
// "\r" is deliberately left untouched here (unlike checksum normalization):
// the parser's line scanner only recognizes "\n" as a line terminator, so a
// stray "\r" stays attached to the preceding line's text.
func normalize(b []byte) []byte {
	if len(b) >= len(bom) && string(b[:len(bom)]) == string(bom) {
		b = b[len(bom):]
	}
	return []byte(strings.ReplaceAll(string(b), "\r\n", "\n"))
}
