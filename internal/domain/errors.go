package domain

import "errors"

// ErrConfiguration marks malformed declarations: bad operators, unsatisfiable
// ranges, codelist locations that were never declared. These are detected at
// construction time, never deferred to execution.
var ErrConfiguration = errors.New("configuration error")
