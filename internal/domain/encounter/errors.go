package encounter

import "errors"

var (
	ErrNotFound      = errors.New("encounter not found")
	ErrOrderNotFound = errors.New("clinical order not found")
)
