package backend

import (
	"fmt"
	"time"

	"github.com/spf13/cast"
)

// Int returns the option as an int, or def when the key is absent.
func (o Options) Int(key string, def int) (int, error) {
	v, ok := o[key]
	if !ok || v == nil {
		return def, nil
	}

	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, fmt.Errorf("option %q: %w", key, err)
	}
	return n, nil
}

// Bool returns the option as a bool, or def when the key is absent.
func (o Options) Bool(key string, def bool) (bool, error) {
	v, ok := o[key]
	if !ok || v == nil {
		return def, nil
	}

	b, err := cast.ToBoolE(v)
	if err != nil {
		return false, fmt.Errorf("option %q: %w", key, err)
	}
	return b, nil
}

// Millis returns an integer option interpreted as milliseconds.
func (o Options) Millis(key string, def time.Duration) (time.Duration, error) {
	n, err := o.Int(key, int(def/time.Millisecond))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}
