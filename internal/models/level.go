package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Level is the ordered risk tier of a tool. Policies compare levels with <=.
type Level int

const (
	Safe Level = iota
	Sensitive
	Dangerous
)

var levelNames = [...]string{"safe", "sensitive", "dangerous"}

func (l Level) String() string {
	if l < Safe || l > Dangerous {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether l is one of the three defined levels.
func (l Level) Valid() bool {
	return l >= Safe && l <= Dangerous
}

// ParseLevel accepts the named form ("safe"), the numeric form ("0") and the
// tier form ("L0").
func ParseLevel(s string) (Level, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	for i, name := range levelNames {
		if v == name {
			return Level(i), nil
		}
	}
	v = strings.TrimPrefix(v, "l")
	n, err := strconv.Atoi(v)
	if err != nil || !Level(n).Valid() {
		return 0, fmt.Errorf("unknown risk level %q", s)
	}
	return Level(n), nil
}

func (l Level) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid risk level %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// UnmarshalJSON accepts both JSON numbers and strings.
func (l *Level) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		if !Level(n).Valid() {
			return fmt.Errorf("invalid risk level %d", n)
		}
		*l = Level(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("risk level must be a number or string: %w", err)
	}
	return l.UnmarshalText([]byte(s))
}
