package livecache

import (
	"errors"

	"github.com/huykn/livecache/optimistic"
	"github.com/huykn/livecache/router"
)

// ErrEngineClosed is returned when operations are performed on a closed
// engine.
var ErrEngineClosed = errors.New("engine is closed")

// ErrInvalidConfig is returned when the engine configuration is invalid.
var ErrInvalidConfig = errors.New("invalid engine configuration")

// ErrScopeNotWatched is returned when an operation targets a scope no
// consumer has declared interest in.
var ErrScopeNotWatched = errors.New("scope is not watched")

// ErrOptimisticExpired is delivered when an optimistic write is never
// confirmed within the reconciliation timeout.
var ErrOptimisticExpired = optimistic.ErrExpired

// ErrNonDeterministicKeyBuilder is returned when a registered key builder
// yields different keys for the same scope.
var ErrNonDeterministicKeyBuilder = router.ErrNonDeterministicBuilder
