package crmdb

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fernandezvara/crmdb/hooks"
)

type tokenKind int

const (
	tokCode        tokenKind = iota // plain SQL text
	tokQuoted                       // string literal, quoted identifier, comment or dollar-quoted body
	tokQuestion                     // ? placeholder
	tokPlaceholder                  // $n placeholder
)

type token struct {
	kind  tokenKind
	text  string
	index int // tokPlaceholder only; -1 when the number does not fit an int
}

// lexSQL splits query into the pieces the executor cares about. It knows
// enough of both dialects to leave quoted text and comments alone.
func lexSQL(query string) []token {
	var toks []token
	start := 0
	emit := func(end int, t token) {
		if end > start {
			toks = append(toks, token{kind: tokCode, text: query[start:end]})
		}
		toks = append(toks, t)
	}

	for i := 0; i < len(query); {
		c := query[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			end := quotedEnd(query, i)
			emit(i, token{kind: tokQuoted, text: query[i:end]})
			i, start = end, end

		case c == '-' && strings.HasPrefix(query[i:], "--"):
			end := len(query)
			if nl := strings.IndexByte(query[i:], '\n'); nl >= 0 {
				end = i + nl + 1
			}
			emit(i, token{kind: tokQuoted, text: query[i:end]})
			i, start = end, end

		case c == '/' && strings.HasPrefix(query[i:], "/*"):
			end := len(query)
			if k := strings.Index(query[i+2:], "*/"); k >= 0 {
				end = i + 2 + k + 2
			}
			emit(i, token{kind: tokQuoted, text: query[i:end]})
			i, start = end, end

		case c == '?':
			emit(i, token{kind: tokQuestion, text: "?"})
			i++
			start = i

		case c == '$' && (i == 0 || !isIdentChar(query[i-1])):
			if j := digitsEnd(query, i+1); j > i+1 {
				n, err := strconv.Atoi(query[i+1 : j])
				if err != nil {
					n = -1
				}
				emit(i, token{kind: tokPlaceholder, text: query[i:j], index: n})
				i, start = j, j
				continue
			}
			if tag, ok := dollarTag(query, i); ok {
				end := len(query)
				if k := strings.Index(query[i+len(tag):], tag); k >= 0 {
					end = i + len(tag) + k + len(tag)
				}
				emit(i, token{kind: tokQuoted, text: query[i:end]})
				i, start = end, end
				continue
			}
			i++

		default:
			i++
		}
	}
	if start < len(query) {
		toks = append(toks, token{kind: tokCode, text: query[start:]})
	}
	return toks
}

// quotedEnd returns the index just past the quoted run starting at i.
// Doubled quotes stay inside the run; backslash escapes apply to single
// quoted strings. An unterminated run extends to the end of the query.
func quotedEnd(s string, i int) int {
	q := s[i]
	for j := i + 1; j < len(s); j++ {
		switch s[j] {
		case '\\':
			if q == '\'' {
				j++
			}
		case q:
			if j+1 < len(s) && s[j+1] == q {
				j++
				continue
			}
			return j + 1
		}
	}
	return len(s)
}

// dollarTag reports the opening $tag$ or $$ of a dollar-quoted string at i
func dollarTag(s string, i int) (string, bool) {
	j := i + 1
	if j < len(s) && s[j] == '$' {
		return "$$", true
	}
	if j >= len(s) || !isIdentStart(s[j]) {
		return "", false
	}
	for j < len(s) && (isIdentStart(s[j]) || isDigit(s[j])) {
		j++
	}
	if j < len(s) && s[j] == '$' {
		return s[i : j+1], true
	}
	return "", false
}

func digitsEnd(s string, i int) int {
	for i < len(s) && isDigit(s[i]) {
		i++
	}
	return i
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '$'
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// Rebind rewrites PostgreSQL-style $n placeholders to the positional ? form
// and reorders args to match, so that one statement runs on either dialect.
// A repeated $n repeats its argument. Queries already written with ? are
// returned unchanged after their placeholder count is checked against args.
//
// Mixing both styles, referring to a missing argument or leaving an argument
// unused fails with CodeInvalidQuery. So does a ? inside a literal or comment
// when args are given, because the formatter would bind it.
func Rebind(query string, args []any) (string, []any, error) {
	toks := lexSQL(query)

	var questions, placeholders int
	for _, t := range toks {
		switch t.kind {
		case tokQuestion:
			questions++
		case tokPlaceholder:
			placeholders++
		case tokQuoted:
			if len(args) > 0 && strings.Contains(t.text, "?") {
				return "", nil, invalidQuery(query, "a literal ? cannot be combined with bind arguments; pass it as an argument")
			}
		}
	}

	switch {
	case questions > 0 && placeholders > 0:
		return "", nil, invalidQuery(query, "query mixes ? and $n placeholders")
	case placeholders == 0:
		if len(args) > 0 && questions != len(args) {
			return "", nil, invalidQuery(query, fmt.Sprintf("query has %d placeholders but %d arguments were given", questions, len(args)))
		}
		return query, args, nil
	}

	var b strings.Builder
	b.Grow(len(query))
	out := make([]any, 0, placeholders)
	used := make([]bool, len(args))
	for _, t := range toks {
		if t.kind != tokPlaceholder {
			b.WriteString(t.text)
			continue
		}
		if t.index < 1 || t.index > len(args) {
			return "", nil, invalidQuery(query, fmt.Sprintf("placeholder %s has no matching argument (%d given)", t.text, len(args)))
		}
		b.WriteByte('?')
		out = append(out, args[t.index-1])
		used[t.index-1] = true
	}
	for i, u := range used {
		if !u {
			return "", nil, invalidQuery(query, fmt.Sprintf("argument %d is not referenced by any placeholder", i+1))
		}
	}
	return b.String(), out, nil
}

func invalidQuery(query, msg string) *Error {
	return &Error{
		Code:    CodeInvalidQuery,
		Message: msg,
		Op:      "Rebind",
		Query:   hooks.Truncate(query, hooks.MaxStatementLength),
	}
}

// rowStatements are the leading keywords of statements that return rows
var rowStatements = map[string]bool{
	"select":   true,
	"with":     true,
	"show":     true,
	"describe": true,
	"explain":  true,
	"values":   true,
	"table":    true,
}

// returnsRows reports whether query produces a result set and must be run
// as a query rather than an execution.
func returnsRows(query string) bool {
	var code strings.Builder
	for _, t := range lexSQL(query) {
		if t.kind == tokQuoted {
			code.WriteByte(' ')
			continue
		}
		code.WriteString(t.text)
	}
	text := code.String()
	if rowStatements[hooks.OperationType(text)] {
		return true
	}
	return containsWord(strings.ToUpper(text), "RETURNING")
}

// containsWord reports whether word occurs in s delimited by non-identifier
// characters.
func containsWord(s, word string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], word)
		if j < 0 {
			return false
		}
		j += i
		end := j + len(word)
		if (j == 0 || !isIdentChar(s[j-1])) && (end == len(s) || !isIdentChar(s[end])) {
			return true
		}
		i = j + 1
	}
}
