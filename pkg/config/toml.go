package config

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Duration is a TOML friendly time.Duration ("300ms", "1.5h", "2h45m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	res, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = Duration{res}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// StringSlice is a toml extension that lets you to specify either a string
// value (a slice with just one element) or a string slice.
type StringSlice []string

func (s *StringSlice) UnmarshalTOML(v interface{}) error {
	switch value := v.(type) {
	case string:
		*s = []string{value}
		return nil
	case []interface{}:
		out := make([]string, 0, len(value))
		for _, item := range value {
			str, ok := item.(string)
			if !ok {
				return fmt.Errorf("unexpected %T in string slice", item)
			}
			out = append(out, str)
		}
		*s = out
		return nil
	}

	return errors.New("failed to decode string (slice) field")
}
