package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Outcome identifies one side of a binary market. The zero value is not a
// valid outcome.
type Outcome uint8

const (
	OutcomeA Outcome = 1
	OutcomeB Outcome = 2
)

// Valid reports whether o is A or B.
func (o Outcome) Valid() bool {
	return o == OutcomeA || o == OutcomeB
}

// Opposite returns the other side. It returns the zero Outcome for invalid input.
func (o Outcome) Opposite() Outcome {
	switch o {
	case OutcomeA:
		return OutcomeB
	case OutcomeB:
		return OutcomeA
	default:
		return 0
	}
}

func (o Outcome) String() string {
	switch o {
	case OutcomeA:
		return "A"
	case OutcomeB:
		return "B"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

// ParseOutcome accepts "A", "B", "outcome_a" and "outcome_b" in any case.
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a", "outcome_a", "outcomea":
		return OutcomeA, nil
	case "b", "outcome_b", "outcomeb":
		return OutcomeB, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidOutcome, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	if !o.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidOutcome, uint8(o))
	}
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(text []byte) error {
	parsed, err := ParseOutcome(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// Resolution is the settlement latch of a market: either Open or
// Settled(outcome). The zero value is Open. Whether a market is settled and
// which side won are held in a single field so they cannot disagree.
type Resolution struct {
	winner Outcome
}

// Settled returns the resolution of a market settled in favour of o.
func Settled(o Outcome) (Resolution, error) {
	if !o.Valid() {
		return Resolution{}, fmt.Errorf("%w: %d", ErrInvalidOutcome, uint8(o))
	}
	return Resolution{winner: o}, nil
}

// IsSettled reports whether a winner has been recorded.
func (r Resolution) IsSettled() bool {
	return r.winner != 0
}

// Winner returns the winning outcome, or false while the market is open.
func (r Resolution) Winner() (Outcome, bool) {
	return r.winner, r.winner != 0
}

func (r Resolution) String() string {
	if !r.IsSettled() {
		return "open"
	}
	return "settled(" + r.winner.String() + ")"
}

// MarshalJSON encodes an open market as null and a settled one as its winner.
func (r Resolution) MarshalJSON() ([]byte, error) {
	if !r.IsSettled() {
		return []byte("null"), nil
	}
	return json.Marshal(r.winner)
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Resolution) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*r = Resolution{}
		return nil
	}
	var o Outcome
	if err := json.Unmarshal(data, &o); err != nil {
		return err
	}
	settled, err := Settled(o)
	if err != nil {
		return err
	}
	*r = settled
	return nil
}
