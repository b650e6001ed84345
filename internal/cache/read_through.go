package cache

import (
	"context"
	"encoding/json"
)

// FetchFunc loads a record from the remote data service after a cache miss.
type FetchFunc func(ctx context.Context) (any, error)

// ReadThrough serves key from s and falls back to fetch on a miss, writing
// the fetched value back under hospitalID. A failed write-back does not fail
// the read.
func ReadThrough(ctx context.Context, s Store, store, key, hospitalID string, fetch FetchFunc) Result[json.RawMessage] {
	if cached := s.Get(ctx, store, key, hospitalID).Value(); cached != nil {
		return Ok(cached)
	}

	value, err := fetch(ctx)
	if err != nil {
		return Fail[json.RawMessage](err)
	}
	payload, err := encodeValue(value)
	if err != nil {
		return Fail[json.RawMessage](err)
	}

	s.Set(ctx, store, key, json.RawMessage(payload), hospitalID)
	return Ok(json.RawMessage(payload))
}
