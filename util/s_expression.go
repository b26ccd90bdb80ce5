// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

// Very basic S-expression parser.  Comments run from ';' to the end
// of the line.  Every expression remembers the line it started on
// so that callers can report errors usefully.

package util

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"tlog.app/go/errors"
)

type SExpKindT int

const (
	SExpInt SExpKindT = iota
	SExpSymbol
	SExpList
)

type SExpT struct {
	Kind    SExpKindT
	Integer int
	Symbol  string
	List    []*SExpT
	Line    int
}

func (sexp *SExpT) String() string {
	switch sexp.Kind {
	case SExpInt:
		return fmt.Sprintf("%d", sexp.Integer)
	case SExpSymbol:
		return sexp.Symbol
	case SExpList:
		var builder strings.Builder
		builder.WriteString("(")
		for i, s := range sexp.List {
			if i != 0 {
				builder.WriteString(" ")
			}
			builder.WriteString(s.String())
		}
		builder.WriteString(")")
		return builder.String()
	}
	panic("bad S-expression")
}

func (sexp *SExpT) IsSymbol(name string) bool {
	return sexp.Kind == SExpSymbol && sexp.Symbol == name
}

// The symbol at the head of a list, or "" if there isn't one.
func (sexp *SExpT) Head() string {
	if sexp.Kind != SExpList || len(sexp.List) == 0 || sexp.List[0].Kind != SExpSymbol {
		return ""
	}
	return sexp.List[0].Symbol
}

// Parses all of the top-level expressions in 'data'.
func ParseSExps(data string) ([]*SExpT, error) {
	tokens := &tokenizerT{data: []rune(data), line: 1}
	result := []*SExpT{}
	stack := []*SExpT{}
	for {
		token, line, err := tokens.next()
		if err != nil {
			return nil, err
		}
		switch token {
		case "":
			if len(stack) != 0 {
				return nil, errors.New("line %d: missing ')' for list starting on line %d",
					line, Last(stack).Line)
			}
			return result, nil
		case "(":
			Push(&stack, &SExpT{Kind: SExpList, Line: line})
			continue
		case ")":
			if len(stack) == 0 {
				return nil, errors.New("line %d: unexpected ')'", line)
			}
			list := Last(stack)
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				Push(&result, list)
			} else {
				top := Last(stack)
				Push(&top.List, list)
			}
			continue
		}
		atom := &SExpT{Line: line}
		i, err := strconv.Atoi(token)
		if err == nil {
			atom.Kind = SExpInt
			atom.Integer = i
		} else {
			atom.Kind = SExpSymbol
			atom.Symbol = token
		}
		if len(stack) == 0 {
			Push(&result, atom)
		} else {
			top := Last(stack)
			Push(&top.List, atom)
		}
	}
}

// Parses exactly one expression.
func ParseSExp(data string) (*SExpT, error) {
	sexps, err := ParseSExps(data)
	if err != nil {
		return nil, err
	}
	if len(sexps) != 1 {
		return nil, errors.New("expected one S-expression, found %d", len(sexps))
	}
	return sexps[0], nil
}

//----------------------------------------------------------------

type tokenizerT struct {
	data []rune
	pos  int
	line int
}

// Returns "" at the end of the input.
func (tokens *tokenizerT) next() (string, int, error) {
	for tokens.pos < len(tokens.data) {
		c := tokens.data[tokens.pos]
		switch {
		case c == '\n':
			tokens.line += 1
			tokens.pos += 1
		case unicode.IsSpace(c):
			tokens.pos += 1
		case c == ';':
			for tokens.pos < len(tokens.data) && tokens.data[tokens.pos] != '\n' {
				tokens.pos += 1
			}
		case c == '(' || c == ')':
			tokens.pos += 1
			return string(c), tokens.line, nil
		case isSymbolConstituent(c):
			start := tokens.pos
			for tokens.pos < len(tokens.data) && isSymbolConstituent(tokens.data[tokens.pos]) {
				tokens.pos += 1
			}
			return string(tokens.data[start:tokens.pos]), tokens.line, nil
		default:
			return "", tokens.line, errors.New("line %d: unrecognized character %s",
				tokens.line, strconv.QuoteRune(c))
		}
	}
	return "", tokens.line, nil
}

func isSymbolConstituent(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(":_*&.-+%/<>=!", r)
}
