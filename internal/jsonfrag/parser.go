// Package jsonfrag incrementally parses a JSON document delivered in
// arbitrary slices and emits structural updates keyed by JSON path.
//
// The parser exists for streaming tool arguments: providers deliver function
// arguments as partial JSON deltas, and subscribers want structured updates
// ("location" is now "San Fr...") long before the document closes. A Parser
// instance consumes one document; restart by allocating a new instance.
package jsonfrag

import (
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/haasonsaas/conductor/pkg/models"
)

// Update is one structural event. It aliases the models type so pipeline
// code can attach updates to messages without conversion.
type Update = models.FragmentUpdate

type state int

const (
	stateValue state = iota // expecting start of a value
	stateString             // inside a string value
	stateNumber             // inside a number literal
	stateLiteral            // inside true/false/null
	stateObjectKeyOrEnd     // after '{' — key or '}'
	stateObjectKey          // after ',' in object — key required
	stateKeyString          // inside a key string
	stateColon              // after key — ':' required
	stateCommaOrEnd         // after a value inside object/array
	stateDone               // root value complete
)

type frame struct {
	isArray bool
	index   int    // next array element index
	key     string // current object key
}

// Parser converts raw text chunks forming one JSON value into Updates.
// It accepts arbitrarily sliced input and emits every update exactly once,
// in document order, as soon as enough bytes are available.
//
// Not safe for concurrent use.
type Parser struct {
	st    state
	stack []frame
	err   error

	// string accumulation
	strBuf     strings.Builder // decoded content of current string
	emitted    int             // bytes of strBuf already emitted as partials
	escBuf     []byte          // pending incomplete escape sequence
	isKey      bool
	anyPartial bool

	// number/literal accumulation
	litBuf strings.Builder

	// raw document accumulated for Finalize
	raw strings.Builder

	rootSeen bool
}

// New returns a parser ready to consume one JSON document.
func New() *Parser {
	return &Parser{st: stateValue}
}

// Err returns the first error encountered, if any.
func (p *Parser) Err() error { return p.err }

// AddFragment consumes the next slice of the document and returns the
// structural updates it completed. Once an error is returned every
// subsequent call returns the same error.
func (p *Parser) AddFragment(fragment string) ([]Update, error) {
	if p.err != nil {
		return nil, p.err
	}
	p.raw.WriteString(fragment)

	var out []Update
	i := 0
	for i < len(fragment) {
		c := fragment[i]

		switch p.st {
		case stateString, stateKeyString:
			n, ups, err := p.consumeString(fragment[i:])
			if err != nil {
				p.err = err
				return out, err
			}
			out = append(out, ups...)
			i += n
			continue

		case stateNumber:
			if isNumberChar(c) {
				p.litBuf.WriteByte(c)
				i++
				continue
			}
			out = append(out, p.finishNumber())
			// Reprocess c in the post-value state.
			continue

		case stateLiteral:
			if c >= 'a' && c <= 'z' {
				p.litBuf.WriteByte(c)
				i++
				continue
			}
			up, err := p.finishLiteral()
			if err != nil {
				p.err = err
				return out, err
			}
			out = append(out, up)
			continue
		}

		if isSpace(c) {
			i++
			continue
		}

		switch p.st {
		case stateValue:
			switch {
			case c == '{':
				out = append(out, Update{Path: p.path(), Kind: models.FragmentStartObject})
				p.stack = append(p.stack, frame{})
				p.st = stateObjectKeyOrEnd
			case c == '[':
				out = append(out, Update{Path: p.path(), Kind: models.FragmentStartArray})
				p.stack = append(p.stack, frame{isArray: true})
				p.st = stateValue
			case c == '"':
				p.beginString(false)
			case c == '-' || (c >= '0' && c <= '9'):
				p.litBuf.Reset()
				p.litBuf.WriteByte(c)
				p.st = stateNumber
			case c == 't' || c == 'f' || c == 'n':
				p.litBuf.Reset()
				p.litBuf.WriteByte(c)
				p.st = stateLiteral
			case c == ']' && len(p.stack) > 0 && p.top().isArray && p.top().index == 0:
				// Empty array.
				p.stack = p.stack[:len(p.stack)-1]
				out = append(out, Update{Path: p.path(), Kind: models.FragmentEndArray})
				p.valueDone()
			default:
				p.err = fmt.Errorf("jsonfrag: unexpected %q at start of value", c)
				return out, p.err
			}
			i++

		case stateObjectKeyOrEnd:
			switch c {
			case '}':
				p.stack = p.stack[:len(p.stack)-1]
				out = append(out, Update{Path: p.path(), Kind: models.FragmentEndObject})
				p.valueDone()
			case '"':
				p.beginString(true)
			default:
				p.err = fmt.Errorf("jsonfrag: unexpected %q, want key or '}'", c)
				return out, p.err
			}
			i++

		case stateObjectKey:
			if c != '"' {
				p.err = fmt.Errorf("jsonfrag: unexpected %q, want key", c)
				return out, p.err
			}
			p.beginString(true)
			i++

		case stateColon:
			if c != ':' {
				p.err = fmt.Errorf("jsonfrag: unexpected %q, want ':'", c)
				return out, p.err
			}
			p.st = stateValue
			i++

		case stateCommaOrEnd:
			top := p.top()
			switch {
			case c == ',' && top.isArray:
				top.index++
				p.st = stateValue
			case c == ',' && !top.isArray:
				p.st = stateObjectKey
			case c == ']' && top.isArray:
				p.stack = p.stack[:len(p.stack)-1]
				out = append(out, Update{Path: p.path(), Kind: models.FragmentEndArray})
				p.valueDone()
			case c == '}' && !top.isArray:
				p.stack = p.stack[:len(p.stack)-1]
				out = append(out, Update{Path: p.path(), Kind: models.FragmentEndObject})
				p.valueDone()
			default:
				p.err = fmt.Errorf("jsonfrag: unexpected %q after value", c)
				return out, p.err
			}
			i++

		case stateDone:
			p.err = fmt.Errorf("jsonfrag: trailing %q after document", c)
			return out, p.err
		}
	}

	// Input exhausted mid-string: surface what we have as a partial.
	if p.st == stateString && p.strBuf.Len() > p.emitted {
		content := p.strBuf.String()[p.emitted:]
		p.emitted = p.strBuf.Len()
		p.anyPartial = true
		out = append(out, Update{Path: p.path(), Kind: models.FragmentPartialString, TextValue: content})
	}

	return out, nil
}

// Finalize returns the complete JSON document, repairing a truncated one
// best-effort. The raw accumulated text is returned unchanged when repair
// fails, matching the pipeline policy of surfacing best-effort args.
func (p *Parser) Finalize() string {
	raw := p.raw.String()
	if p.st == stateDone {
		return raw
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return raw
	}
	return repaired
}

// Done reports whether the root value closed cleanly.
func (p *Parser) Done() bool { return p.st == stateDone }

func (p *Parser) top() *frame {
	return &p.stack[len(p.stack)-1]
}

// path renders the JSON path of the current value position.
func (p *Parser) path() string {
	var b strings.Builder
	for idx, f := range p.stack {
		if f.isArray {
			fmt.Fprintf(&b, "[%d]", f.index)
			continue
		}
		if idx > 0 && b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(f.key)
	}
	return b.String()
}

func (p *Parser) beginString(isKey bool) {
	p.strBuf.Reset()
	p.emitted = 0
	p.escBuf = nil
	p.anyPartial = false
	p.isKey = isKey
	if isKey {
		p.st = stateKeyString
	} else {
		p.st = stateString
	}
}

// consumeString advances through string content starting after the opening
// quote (or mid-string on a later fragment). Returns bytes consumed.
func (p *Parser) consumeString(in string) (int, []Update, error) {
	var out []Update
	i := 0
	for i < len(in) {
		// Resume a pending escape split across fragments.
		if len(p.escBuf) > 0 {
			p.escBuf = append(p.escBuf, in[i])
			i++
			if _, err := p.tryFinishEscape(); err != nil {
				return i, out, err
			}
			continue
		}

		c := in[i]
		switch c {
		case '"':
			i++
			if p.isKey {
				p.top().key = p.strBuf.String()
				p.st = stateColon
				out = append(out, Update{Path: p.path(), Kind: models.FragmentKey, TextValue: p.top().key})
				return i, out, nil
			}
			full := p.strBuf.String()
			if p.anyPartial && p.strBuf.Len() > p.emitted {
				out = append(out, Update{
					Path:      p.path(),
					Kind:      models.FragmentPartialString,
					TextValue: full[p.emitted:],
				})
				p.emitted = p.strBuf.Len()
			}
			out = append(out, Update{Path: p.path(), Kind: models.FragmentCompleteString, TextValue: full})
			p.valueDone()
			return i, out, nil
		case '\\':
			p.escBuf = []byte{'\\'}
			i++
		default:
			p.strBuf.WriteByte(c)
			i++
		}
	}
	return i, out, nil
}

// tryFinishEscape decodes escBuf once enough bytes are buffered.
func (p *Parser) tryFinishEscape() (bool, error) {
	if len(p.escBuf) < 2 {
		return false, nil
	}
	switch p.escBuf[1] {
	case '"', '\\', '/':
		p.strBuf.WriteByte(p.escBuf[1])
	case 'b':
		p.strBuf.WriteByte('\b')
	case 'f':
		p.strBuf.WriteByte('\f')
	case 'n':
		p.strBuf.WriteByte('\n')
	case 'r':
		p.strBuf.WriteByte('\r')
	case 't':
		p.strBuf.WriteByte('\t')
	case 'u':
		if len(p.escBuf) < 6 {
			return false, nil
		}
		var r rune
		for _, h := range p.escBuf[2:6] {
			d, ok := hexDigit(h)
			if !ok {
				return false, fmt.Errorf("jsonfrag: invalid unicode escape %q", p.escBuf)
			}
			r = r<<4 | rune(d)
		}
		p.strBuf.WriteRune(r)
	default:
		return false, fmt.Errorf("jsonfrag: invalid escape %q", p.escBuf[1])
	}
	p.escBuf = nil
	return true, nil
}

func (p *Parser) finishNumber() Update {
	up := Update{Path: p.path(), Kind: models.FragmentCompleteNumber, TextValue: p.litBuf.String()}
	p.valueDone()
	return up
}

func (p *Parser) finishLiteral() (Update, error) {
	lit := p.litBuf.String()
	var kind models.FragmentKind
	switch lit {
	case "true", "false":
		kind = models.FragmentCompleteBoolean
	case "null":
		kind = models.FragmentCompleteNull
	default:
		return Update{}, fmt.Errorf("jsonfrag: invalid literal %q", lit)
	}
	up := Update{Path: p.path(), Kind: kind, TextValue: lit}
	p.valueDone()
	return up, nil
}

// valueDone transitions after a complete value at the current position.
func (p *Parser) valueDone() {
	if len(p.stack) == 0 {
		p.st = stateDone
		return
	}
	p.st = stateCommaOrEnd
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isNumberChar(c byte) bool {
	return (c >= '0' && c <= '9') || c == '-' || c == '+' || c == '.' || c == 'e' || c == 'E'
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
