package opstream

import (
	"slices"
	"strings"
	"unicode/utf8"
)

// error reply values are collapsed to one line and truncated
const MaxErrorValueLength = 50

// An Op is one immutable unit of replicated change: an address, a value,
// a provenance tag, and an optional ordered patch of child operations.
// Derived operations (reply, relay, error wrap) are always new values.
type Op struct {
	spec   Spec
	value  string
	source string
	patch  []Op
}

// NewOp builds an operation from parts. The patch, if any, must share the
// parent's type identifier.
func NewOp(spec Spec, value string, source string, patch []Op) (Op, error) {
	for _, child := range patch {
		if child.spec.Type() != spec.Type() {
			return Op{}, formatError(
				"patch type mismatch: %s in %s",
				child.spec.Type(),
				spec.Type(),
			)
		}
	}
	op := Op{
		spec:   spec,
		value:  value,
		source: source,
	}
	if 0 < len(patch) {
		op.patch = slices.Clone(patch)
	}
	return op, nil
}

func RequireOp(spec Spec, value string, source string, patch []Op) Op {
	op, err := NewOp(spec, value, source, patch)
	if err != nil {
		panic(err)
	}
	return op
}

// ParseOp builds an operation from one serialized line (plus any patch
// continuation lines). Fails unless the text is exactly one complete
// operation.
func ParseOp(text string, source string) (Op, error) {
	return ParseOpIn(text, source, Spec{})
}

func ParseOpIn(text string, source string, context Spec) (Op, error) {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	result, err := parseOps(text, source, context, true)
	if err != nil {
		return Op{}, err
	}
	if len(result.Ops) != 1 || result.Remainder != "" {
		return Op{}, formatError("not exactly one op: %d", len(result.Ops))
	}
	return result.Ops[0], nil
}

func (self Op) Spec() Spec {
	return self.spec
}

func (self Op) Value() string {
	return self.value
}

// Source is the provenance tag, e.g. which stream the operation arrived
// from. Empty for locally originated operations.
func (self Op) Source() string {
	return self.source
}

func (self Op) Patch() []Op {
	return slices.Clone(self.patch)
}

func (self Op) PatchLength() int {
	return len(self.patch)
}

// IsHandshake tests the handshake address shape rules.
func (self Op) IsHandshake() bool {
	return self.spec.isHandshakeShape()
}

// Reply derives the acknowledgement operation for this operation: the
// name becomes `.<name>`, source and patch are preserved.
func (self Op) Reply(name string, value string) Op {
	derived := self
	derived.spec = self.spec.WithName("." + name)
	derived.value = value
	return derived
}

// ErrorReply derives the `.error` reply. The message is collapsed to a
// single line and truncated so it always fits one value field.
func (self Op) ErrorReply(message string) Op {
	words := strings.FieldsFunc(message, func(r rune) bool {
		return r == '\n' || r == '\r'
	})
	value := strings.Join(words, " ")
	if MaxErrorValueLength < len(value) {
		// cut on a rune boundary so the value stays valid utf-8
		cut := MaxErrorValueLength
		for 0 < cut && !utf8.RuneStart(value[cut]) {
			cut -= 1
		}
		value = value[:cut]
	}
	derived := self
	derived.spec = self.spec.WithName(".error")
	derived.value = value
	derived.patch = nil
	return derived
}

// Relay derives an identical operation with new provenance, for
// forwarding an operation received on one stream onward through another.
func (self Op) Relay(source string) Op {
	derived := self
	derived.source = source
	return derived
}

func (self Op) String() string {
	return self.StringIn(Spec{})
}

// StringIn serializes the operation as `<address>\t<value>`, abbreviating
// the address against `context`. A handshake (`on`) operation carrying a
// patch appends one tab-indented continuation line per patch entry.
func (self Op) StringIn(context Spec) string {
	var b strings.Builder
	b.WriteString(self.spec.StringIn(context))
	b.WriteByte('\t')
	b.WriteString(self.value)
	if self.spec.Name() == "on" {
		for _, child := range self.patch {
			b.WriteString("\n\t")
			b.WriteString(child.spec.StringIn(self.spec))
			b.WriteByte('\t')
			b.WriteString(child.value)
		}
	}
	return b.String()
}
