package frontend

import "github.com/jsiwek/repkv/internal/repkverr"

// LookupCallback is invoked exactly once with the result of a Lookup query.
// err is nil on success.
type LookupCallback func(value int64, loaded bool, err *repkverr.Error)

// HasKeyCallback is invoked exactly once with the result of a HasKey query.
type HasKeyCallback func(has bool, err *repkverr.Error)

// SizeCallback is invoked exactly once with the result of a Size query.
type SizeCallback func(size uint64, err *repkverr.Error)
