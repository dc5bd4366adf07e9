package opstream

import (
	"strings"
)

// The protocol family name. A handshake address type must be this word,
// optionally extended with a profile, e.g. `Swarm+Replica`.
const ProtocolFamily = "Swarm"

// quants, in canonical order
const (
	QuantType    = '/'
	QuantId      = '#'
	QuantVersion = '!'
	QuantName    = '.'
)

// A Spec is a hierarchical address of up to four quanted tokens,
// `/Type#id!version.operation`. A version token is `time+origin` where the
// origin is `author[~session]`. Specs are immutable values; derived specs
// are always new values.
type Spec struct {
	typeId  string
	id      string
	version string
	name    string
}

// NewSpec builds a spec from raw component tokens. Empty components are
// absent from the rendered address.
func NewSpec(typeId string, id string, version string, name string) Spec {
	return Spec{
		typeId:  typeId,
		id:      id,
		version: version,
		name:    name,
	}
}

// ParseSpec parses a full address with no abbreviation context.
func ParseSpec(specText string) (Spec, error) {
	return ParseSpecIn(specText, Spec{})
}

func RequireSpec(specText string) Spec {
	spec, err := ParseSpec(specText)
	if err != nil {
		panic(err)
	}
	return spec
}

// ParseSpecIn parses an address, inheriting components missing from the
// text from `context`. The entire text must be consumed.
func ParseSpecIn(specText string, context Spec) (Spec, error) {
	scan := newSpecScanner(specText)
	spec, ok := scan.scanSpec(context)
	if !ok || !scan.end() {
		return Spec{}, formatError("bad spec: %s", specText)
	}
	return spec, nil
}

func (self Spec) Type() string {
	return self.typeId
}

func (self Spec) Id() string {
	return self.id
}

func (self Spec) Version() string {
	return self.version
}

// Name is the operation name token.
func (self Spec) Name() string {
	return self.name
}

// Stamp is the logical time part of the version, `0` of `0+u~ssn`.
func (self Spec) Stamp() string {
	stamp, _, _ := strings.Cut(self.version, "+")
	return stamp
}

// Origin is the full origin of the version, `u~ssn` of `0+u~ssn`.
func (self Spec) Origin() string {
	_, origin, _ := strings.Cut(self.version, "+")
	return origin
}

// Author is the origin with any session part stripped, `u` of `0+u~ssn`.
func (self Spec) Author() string {
	author, _, _ := strings.Cut(self.Origin(), "~")
	return author
}

// Session is the session part of the origin, `ssn` of `0+u~ssn`.
func (self Spec) Session() string {
	_, session, _ := strings.Cut(self.Origin(), "~")
	return session
}

// Pattern is the shape descriptor: the quants of the present components in
// canonical order, e.g. `/#!.` for a fully qualified operation address.
func (self Spec) Pattern() string {
	var b strings.Builder
	if self.typeId != "" {
		b.WriteByte(QuantType)
	}
	if self.id != "" {
		b.WriteByte(QuantId)
	}
	if self.version != "" {
		b.WriteByte(QuantVersion)
	}
	if self.name != "" {
		b.WriteByte(QuantName)
	}
	return b.String()
}

// WithName derives an address with the operation name replaced.
func (self Spec) WithName(name string) Spec {
	derived := self
	derived.name = name
	return derived
}

// isHandshakeShape tests the handshake address rules: exactly
// {type, id, version, operation}, the type word is the protocol family,
// and the operation name is `on` (case insensitive).
func (self Spec) isHandshakeShape() bool {
	if self.Pattern() != "/#!." {
		return false
	}
	family, _, _ := strings.Cut(self.typeId, "+")
	if family != ProtocolFamily {
		return false
	}
	return strings.EqualFold(self.name, "on")
}

func (self Spec) String() string {
	return self.StringIn(Spec{})
}

// StringIn renders the address abbreviated against `context`: components
// equal to the context's are omitted. The operation name is always
// rendered when present, so an abbreviated address never collapses to
// the empty string.
func (self Spec) StringIn(context Spec) string {
	var b strings.Builder
	if self.typeId != "" && self.typeId != context.typeId {
		b.WriteByte(QuantType)
		b.WriteString(self.typeId)
	}
	if self.id != "" && self.id != context.id {
		b.WriteByte(QuantId)
		b.WriteString(self.id)
	}
	if self.version != "" && self.version != context.version {
		b.WriteByte(QuantVersion)
		b.WriteString(self.version)
	}
	if self.name != "" {
		b.WriteByte(QuantName)
		b.WriteString(self.name)
	}
	return b.String()
}
