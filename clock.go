package opstream

import (
	"encoding/binary"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// time word alphabet, in ascii order so that lexicographic order of equal
// length words is numeric order
const timeAlphabet = "0123456789" +
	"ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"_" +
	"abcdefghijklmnopqrstuvwxyz"

// A Clock issues version stamps `time+origin` for one replica. Time words
// are strictly monotonic: a word is never reissued, and every observed
// remote stamp advances the clock past it, so stamps issued after a
// receive causally follow it.
type Clock struct {
	mutex  sync.Mutex
	origin string
	last   uint64
}

// NewClock creates a clock for the replica origin word
// `author[~session]`.
func NewClock(origin string) *Clock {
	return &Clock{
		origin: origin,
	}
}

func (self *Clock) Origin() string {
	return self.origin
}

// Time issues the next time word.
func (self *Clock) Time() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	t := uint64(time.Now().UnixMilli())
	if t <= self.last {
		t = self.last + 1
	}
	self.last = t
	return encodeTimeWord(t)
}

// Stamp issues the next full version stamp, `time+origin`.
func (self *Clock) Stamp() string {
	return self.Time() + "+" + self.origin
}

// See advances the clock past an observed remote stamp. Unparseable
// stamps are ignored.
func (self *Clock) See(stamp string) {
	word, _, _ := strings.Cut(stamp, "+")
	t, ok := decodeTimeWord(word)
	if !ok {
		return
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.last < t {
		self.last = t
	}
}

// NewSessionId returns a random session word, unique per connection
// attempt.
func NewSessionId() string {
	id := ulid.Make()
	v := binary.BigEndian.Uint64(id[8:16])
	return encodeTimeWord(v)
}

func encodeTimeWord(v uint64) string {
	base := uint64(len(timeAlphabet))
	if v == 0 {
		return "0"
	}
	var digits []byte
	for 0 < v {
		digits = append(digits, timeAlphabet[v%base])
		v /= base
	}
	slices.Reverse(digits)
	return string(digits)
}

func decodeTimeWord(word string) (uint64, bool) {
	if word == "" {
		return 0, false
	}
	base := uint64(len(timeAlphabet))
	v := uint64(0)
	for i := 0; i < len(word); i += 1 {
		d := strings.IndexByte(timeAlphabet, word[i])
		if d < 0 {
			return 0, false
		}
		v = v*base + uint64(d)
	}
	return v, true
}
