package lv2

// Minimal Turtle reader covering the subset LV2 bundles actually use:
// @prefix directives, IRIs, prefixed names, plain and typed literals,
// numbers, blank-node property lists, and the ; , . separators. Collection
// syntax ( ... ) and multiline literals are not handled; bundles written by
// mainstream plugin toolkits do not emit them for the statements we read.

import (
	"fmt"
	"strings"
	"unicode"
)

// triple is one parsed statement. Blank nodes get synthetic _:bN subjects.
type triple struct {
	Subject   string
	Predicate string
	Object    string
}

type ttlParser struct {
	tokens   []string
	pos      int
	prefixes map[string]string
	base     string
	triples  []triple
	blankSeq int
}

func parseTTL(src, base string) ([]triple, error) {
	p := &ttlParser{
		tokens:   tokenizeTTL(src),
		prefixes: map[string]string{},
		base:     base,
	}
	for !p.done() {
		if err := p.statement(); err != nil {
			return nil, err
		}
	}
	return p.triples, nil
}

func (p *ttlParser) done() bool { return p.pos >= len(p.tokens) }

func (p *ttlParser) peek() string {
	if p.done() {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *ttlParser) next() string {
	tok := p.peek()
	p.pos++
	return tok
}

func (p *ttlParser) expect(tok string) error {
	if got := p.next(); got != tok {
		return fmt.Errorf("turtle: expected %q, got %q", tok, got)
	}
	return nil
}

func (p *ttlParser) statement() error {
	switch p.peek() {
	case "@prefix":
		p.next()
		name := strings.TrimSuffix(p.next(), ":")
		iri := p.next()
		if err := p.expect("."); err != nil {
			return err
		}
		p.prefixes[name] = trimIRI(iri)
		return nil
	case "@base":
		p.next()
		p.base = trimIRI(p.next())
		return p.expect(".")
	}
	subj, err := p.term()
	if err != nil {
		return err
	}
	if err := p.predicateObjectList(subj); err != nil {
		return err
	}
	return p.expect(".")
}

func (p *ttlParser) predicateObjectList(subject string) error {
	for {
		pred, err := p.term()
		if err != nil {
			return err
		}
		if pred == "a" {
			pred = "http://www.w3.org/1999/02/22-rdf-syntax-ns#type"
		}
		for {
			obj, err := p.term()
			if err != nil {
				return err
			}
			p.triples = append(p.triples, triple{subject, pred, obj})
			if p.peek() != "," {
				break
			}
			p.next()
		}
		if p.peek() != ";" {
			return nil
		}
		p.next()
		// trailing semicolon before . or ]
		if t := p.peek(); t == "." || t == "]" {
			return nil
		}
	}
}

// term consumes one subject/predicate/object, expanding prefixed names and
// recursing into blank-node property lists.
func (p *ttlParser) term() (string, error) {
	tok := p.next()
	switch {
	case tok == "":
		return "", fmt.Errorf("turtle: unexpected end of input")
	case tok == "[":
		id := fmt.Sprintf("_:b%d", p.blankSeq)
		p.blankSeq++
		if p.peek() != "]" {
			if err := p.predicateObjectList(id); err != nil {
				return "", err
			}
		}
		return id, p.expect("]")
	case tok == "a":
		return "a", nil
	case strings.HasPrefix(tok, "<"):
		return p.resolve(trimIRI(tok)), nil
	case strings.HasPrefix(tok, "\""):
		return parseLiteral(tok), nil
	case strings.HasPrefix(tok, "_:"):
		return tok, nil
	default:
		if i := strings.Index(tok, ":"); i >= 0 {
			if base, ok := p.prefixes[tok[:i]]; ok {
				return base + tok[i+1:], nil
			}
		}
		// bare number or boolean
		return tok, nil
	}
}

// resolve turns a relative IRI into an absolute one against the base.
func (p *ttlParser) resolve(iri string) string {
	if iri == "" || strings.Contains(iri, "://") || strings.HasPrefix(iri, "urn:") {
		return iri
	}
	return p.base + iri
}

func trimIRI(tok string) string {
	return strings.TrimSuffix(strings.TrimPrefix(tok, "<"), ">")
}

// parseLiteral strips quotes and any language tag or datatype suffix.
func parseLiteral(tok string) string {
	end := strings.LastIndex(tok, "\"")
	if end <= 0 {
		return tok
	}
	s := tok[1:end]
	s = strings.ReplaceAll(s, `\"`, `"`)
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}

// tokenizeTTL splits the source into tokens, keeping IRIs, quoted literals
// (with their suffixes) and punctuation intact. Comments run to end of line.
func tokenizeTTL(src string) []string {
	var tokens []string
	r := []rune(src)
	i := 0
	for i < len(r) {
		c := r[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '#':
			for i < len(r) && r[i] != '\n' {
				i++
			}
		case c == '<':
			j := i
			for j < len(r) && r[j] != '>' {
				j++
			}
			if j < len(r) {
				j++
			}
			tokens = append(tokens, string(r[i:j]))
			i = j
		case c == '"':
			j := i + 1
			for j < len(r) && r[j] != '"' {
				if r[j] == '\\' {
					j++
				}
				j++
			}
			if j < len(r) {
				j++
			}
			// attach datatype or language suffix to the literal token
			for j < len(r) && !unicode.IsSpace(r[j]) && !strings.ContainsRune(".;,[]", r[j]) {
				j++
			}
			tokens = append(tokens, string(r[i:j]))
			i = j
		case strings.ContainsRune(";,[]", c):
			tokens = append(tokens, string(c))
			i++
		case c == '.':
			// distinguish statement terminator from decimal point
			if i+1 < len(r) && unicode.IsDigit(r[i+1]) && len(tokens) > 0 && isNumberToken(tokens[len(tokens)-1]) {
				tokens[len(tokens)-1] += "." + readWord(r, &i)
				continue
			}
			tokens = append(tokens, ".")
			i++
		default:
			tokens = append(tokens, readWord(r, &i))
		}
	}
	return tokens
}

// readWord consumes a run of non-space, non-punctuation runes starting at
// *i (skipping a leading dot when merging decimals).
func readWord(r []rune, i *int) string {
	if r[*i] == '.' {
		*i++
	}
	start := *i
	for *i < len(r) {
		c := r[*i]
		if unicode.IsSpace(c) || strings.ContainsRune(";,[]<>\"", c) {
			break
		}
		if c == '.' {
			// dot inside a word is a decimal point only when digits follow
			if *i+1 < len(r) && unicode.IsDigit(r[*i+1]) && isNumberToken(string(r[start:*i])) {
				*i++
				continue
			}
			break
		}
		*i++
	}
	return string(r[start:*i])
}

func isNumberToken(tok string) bool {
	if tok == "" {
		return false
	}
	for i, c := range tok {
		if c == '-' || c == '+' {
			if i != 0 {
				return false
			}
			continue
		}
		if c != '.' && !unicode.IsDigit(c) {
			return false
		}
	}
	return true
}
