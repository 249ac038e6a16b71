package consts

import "errors"

var (
	ErrPoolExhausted = errors.New("connection pool exhausted")
	ErrPoolNotFound  = errors.New("pool not found")
	ErrQueryTimeout  = errors.New("query timed out")

	ErrReplicaUnavailable = errors.New("replica unavailable")
	ErrReplicaLagExceeded = errors.New("replica lag exceeded")

	ErrCacheCorruption    = errors.New("cache entry corrupted")
	ErrCacheNotFound      = errors.New("cache configuration not found")
	ErrInvalidationFailed = errors.New("cache invalidation failed")

	ErrConfigInvalid = errors.New("invalid configuration")
)
