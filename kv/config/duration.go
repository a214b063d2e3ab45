package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pingcap/errors"
)

// Duration is a time.Duration that decodes from strings such as "1s" in toml
// and json.
type Duration struct {
	time.Duration
}

func NewDuration(duration time.Duration) Duration {
	return Duration{Duration: duration}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`"%s"`, d.String())), nil
}

func (d *Duration) UnmarshalJSON(text []byte) error {
	s, err := strconv.Unquote(string(text))
	if err != nil {
		return errors.Trace(err)
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return errors.Trace(err)
	}
	d.Duration = duration
	return nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return errors.Trace(err)
}
