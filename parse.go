package opstream

import (
	"strings"
)

// Hard limit on the unresolved remainder. A peer that never sends a valid
// frame terminator must not grow the inbound buffer without bound.
var MaxRemainderByteCount = mib(8)

// The operation grammar, one production per scanner method:
//
//	frame     := (newline* line)*
//	line      := opLine contLine*
//	opLine    := spec hspace+ value newline
//	contLine  := hspace+ spec hspace+ value newline
//	spec      := (quant token)+        ; quants in canonical order, once each
//	token     := word ['+' word ['~' word]]
//	word      := [0-9A-Za-z_]+
//	value     := any characters except newline, may be empty
//
// Continuation lines attach to the preceding operation as its patch.
// The scanner is plain recursive descent with no backtracking beyond the
// current line, so adversarial input cannot trigger quadratic rescans.

// A ParseResult is an ordered batch of decoded operations plus the trailing
// text that did not resolve into a complete operation. Callers carry the
// remainder forward and prepend it to the next inbound chunk.
type ParseResult struct {
	Ops       []Op
	Remainder string
}

// ParseOps scans the text left to right for maximal matches of the
// operation grammar. New operations are tagged with `source`. Addresses
// are resolved against `context` (zero Spec for none). Parsing is
// invariant to chunk boundaries: parsing A+B yields the same operations
// as parsing A and then remainder+B.
func ParseOps(text string, source string, context Spec) (*ParseResult, error) {
	return parseOps(text, source, context, false)
}

// parseOps with final=true treats the end of text as the end of input, so
// a trailing handshake cannot be waiting for more continuation lines.
func parseOps(text string, source string, context Spec, final bool) (*ParseResult, error) {
	ops := []Op{}
	remainder := ""
	scan := newSpecScanner(text)

	for {
		// blank lines between operations are skipped, not retained.
		// keep-alive traffic is a lone newline for exactly this reason.
		scan.skipNewlines()
		if scan.end() {
			break
		}
		start := scan.pos

		spec, value, ok, terminated := scan.scanOpLine(context)
		if !ok {
			if strings.ContainsRune(text[start:], '\n') {
				// a full line is present and it is not an operation.
				// a malformed line is never silently skipped.
				return nil, formatError("unparseable input")
			}
			remainder = text[start:]
			break
		}
		if !terminated {
			remainder = text[start:]
			break
		}

		patch, ok, err := scan.scanPatch(text, spec, source)
		if err != nil {
			return nil, err
		}
		if !ok {
			// incomplete continuation line. hold the whole match.
			remainder = text[start:]
			break
		}
		if !final && isBundleName(spec.Name()) && scan.end() {
			// the match may still grow trailing continuation lines.
			// hold it until the next line start (or a keep-alive
			// newline) arrives.
			remainder = text[start:]
			break
		}

		op, err := NewOp(spec, value, source, patch)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	if MaxRemainderByteCount < ByteCount(len(remainder)) {
		return nil, formatError("oversized unparseable input")
	}
	return &ParseResult{
		Ops:       ops,
		Remainder: remainder,
	}, nil
}

// bundling operations may carry a patch of continuation lines
func isBundleName(name string) bool {
	return strings.EqualFold(name, "on") || strings.EqualFold(name, ".on")
}

type specScanner struct {
	text string
	pos  int
}

func newSpecScanner(text string) *specScanner {
	return &specScanner{
		text: text,
	}
}

func (self *specScanner) end() bool {
	return len(self.text) <= self.pos
}

func (self *specScanner) peek() byte {
	if self.end() {
		return 0
	}
	return self.text[self.pos]
}

func isWordChar(c byte) bool {
	return '0' <= c && c <= '9' ||
		'A' <= c && c <= 'Z' ||
		'a' <= c && c <= 'z' ||
		c == '_'
}

func isHspaceChar(c byte) bool {
	return c == ' ' || c == '\t'
}

func quantIndex(c byte) int {
	switch c {
	case QuantType:
		return 0
	case QuantId:
		return 1
	case QuantVersion:
		return 2
	case QuantName:
		return 3
	default:
		return -1
	}
}

func (self *specScanner) skipNewlines() {
	for !self.end() && (self.peek() == '\n' || self.peek() == '\r') {
		self.pos += 1
	}
}

func (self *specScanner) skipHspace() int {
	n := 0
	for !self.end() && isHspaceChar(self.peek()) {
		self.pos += 1
		n += 1
	}
	return n
}

// word := [0-9A-Za-z_]+
func (self *specScanner) scanWord() (string, bool) {
	start := self.pos
	for !self.end() && isWordChar(self.peek()) {
		self.pos += 1
	}
	if self.pos == start {
		return "", false
	}
	return self.text[start:self.pos], true
}

// token := word ['+' word ['~' word]]
func (self *specScanner) scanToken() (string, bool) {
	start := self.pos
	if _, ok := self.scanWord(); !ok {
		return "", false
	}
	if self.peek() == '+' {
		self.pos += 1
		if _, ok := self.scanWord(); !ok {
			return "", false
		}
		if self.peek() == '~' {
			self.pos += 1
			if _, ok := self.scanWord(); !ok {
				return "", false
			}
		}
	}
	return self.text[start:self.pos], true
}

// spec := (quant token)+, quants in canonical order, at most one each.
// Components missing from the text are inherited from the context.
func (self *specScanner) scanSpec(context Spec) (Spec, bool) {
	spec := context
	last := -1
	n := 0
	for !self.end() {
		q := quantIndex(self.peek())
		if q < 0 {
			break
		}
		if q <= last {
			// out of order or duplicate quant
			return Spec{}, false
		}
		self.pos += 1
		token, ok := self.scanToken()
		if !ok {
			return Spec{}, false
		}
		switch q {
		case 0:
			spec.typeId = token
		case 1:
			spec.id = token
		case 2:
			spec.version = token
		case 3:
			spec.name = token
		}
		last = q
		n += 1
	}
	if n == 0 {
		return Spec{}, false
	}
	return spec, true
}

// opLine := spec hspace+ value newline
//
// ok=false means the text at the scan position is not an operation line.
// terminated=false means the text ran out before the line was complete;
// the caller keeps it as remainder.
func (self *specScanner) scanOpLine(context Spec) (spec Spec, value string, ok bool, terminated bool) {
	spec, ok = self.scanSpec(context)
	if !ok {
		return
	}
	if self.skipHspace() == 0 {
		if self.end() {
			terminated = false
			return
		}
		ok = false
		return
	}
	i := strings.IndexByte(self.text[self.pos:], '\n')
	if i < 0 {
		value = self.text[self.pos:]
		self.pos = len(self.text)
		terminated = false
		return
	}
	value = strings.TrimSuffix(self.text[self.pos:self.pos+i], "\r")
	self.pos += i + 1
	terminated = true
	return
}

// contLine*: the trailing run of indented continuation lines after a
// parent operation line. Children resolve their addresses against the
// parent and must share its type identifier.
//
// ok=false means the run is cut off mid line; the caller holds the whole
// parent match as remainder.
func (self *specScanner) scanPatch(text string, parent Spec, source string) ([]Op, bool, error) {
	var patch []Op
	for !self.end() && isHspaceChar(self.peek()) {
		lineStart := self.pos
		self.skipHspace()
		spec, value, ok, terminated := self.scanOpLine(parent)
		if !ok {
			if strings.ContainsRune(text[lineStart:], '\n') {
				return nil, false, formatError("unparseable input")
			}
			return nil, false, nil
		}
		if !terminated {
			return nil, false, nil
		}
		if spec.Type() != parent.Type() {
			return nil, false, formatError(
				"patch type mismatch: %s in %s",
				spec.Type(),
				parent.Type(),
			)
		}
		child, err := NewOp(spec, value, source, nil)
		if err != nil {
			return nil, false, err
		}
		patch = append(patch, child)
	}
	return patch, true, nil
}
