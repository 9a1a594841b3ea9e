package project

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks a malformed bundle description: a bad macro, an
// invalid source/destination pair or an undefined environment or pkg-config
// variable. It is always fatal.
var ErrConfiguration = errors.New("configuration error")

func configErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
