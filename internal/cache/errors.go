package cache

import "errors"

var (
	ErrClosed     = errors.New("cache closed")
	ErrNotCounter = errors.New("cache value is not a counter")
)
