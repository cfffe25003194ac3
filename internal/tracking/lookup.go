package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"guildwatch/internal/transport"
)

// Source reports where a resolved message snapshot came from.
type Source int

const (
	SourceNone Source = iota
	SourcePayload
	SourceCache
	SourceFetch
)

func (s Source) String() string {
	switch s {
	case SourcePayload:
		return "payload"
	case SourceCache:
		return "cache"
	case SourceFetch:
		return "fetch"
	default:
		return "none"
	}
}

var errEmptyFetch = errors.New("fetch returned no message")

// Lookup resolves message snapshots with a fixed policy: use the payload,
// else the local cache, else exactly one fetch. A failed fetch is returned
// to the caller, which degrades; Lookup never retries.
type Lookup struct {
	Cache   transport.MessageCache
	Fetcher transport.MessageFetcher
	// Timeout bounds the fetch; 0 means no extra bound beyond ctx.
	Timeout time.Duration
}

// Cached consults the payload snapshot and the local cache only.
func (l Lookup) Cached(payload *transport.Message, channelID, messageID string) (*transport.Message, Source) {
	if payload != nil {
		return payload, SourcePayload
	}
	if l.Cache != nil {
		if m, ok := l.Cache.CachedMessage(channelID, messageID); ok && m != nil {
			return m, SourceCache
		}
	}
	return nil, SourceNone
}

// Resolve runs the full policy including the fallback fetch.
func (l Lookup) Resolve(ctx context.Context, payload *transport.Message, channelID, messageID string) (*transport.Message, Source, error) {
	if m, src := l.Cached(payload, channelID, messageID); m != nil {
		return m, src, nil
	}
	if l.Fetcher == nil {
		return nil, SourceNone, fmt.Errorf("fetch message %s: no fetcher", messageID)
	}
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}
	m, err := l.Fetcher.FetchMessage(ctx, channelID, messageID)
	if err != nil {
		return nil, SourceNone, fmt.Errorf("fetch message %s: %w", messageID, err)
	}
	if m == nil {
		return nil, SourceNone, fmt.Errorf("fetch message %s: %w", messageID, errEmptyFetch)
	}
	return m, SourceFetch, nil
}
