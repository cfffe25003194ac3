package guildcfg

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"guildwatch/internal/storage"
	"guildwatch/internal/transport"
	logx "guildwatch/pkg/logx"
)

// Rejections returned by Enable.
var (
	ErrChannelNotFound  = errors.New("channel not found")
	ErrNoSendPermission = errors.New("missing send permission in channel")
)

// Resolver is the semantic layer over the guild scope of the store.
type Resolver struct {
	kv    storage.KV
	perms transport.ChannelChecker
	log   logx.Logger
}

func NewResolver(kv storage.KV, perms transport.ChannelChecker, log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{kv: kv, perms: perms, log: log}
}

// Resolve returns the destination channel for feature in guildID.
// ok=false means the feature is disabled: either nothing is stored or the
// stored value is not a valid channel id. Only storage failures are errors.
func (r *Resolver) Resolve(ctx context.Context, guildID string, f Feature) (channelID string, ok bool, err error) {
	v, found, err := r.kv.Get(ctx, storage.ScopeGuild, guildID, string(f))
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, nil
	}
	id, valid := ParseSnowflake(v)
	if !valid {
		r.log.Warn("malformed channel reference; treating feature as disabled",
			logx.String("guild", guildID), logx.String("feature", f.String()), logx.String("value", v))
		return "", false, nil
	}
	return id, true, nil
}

// Enable validates the destination before persisting it. A rejection
// (ErrChannelNotFound, ErrNoSendPermission) writes nothing.
func (r *Resolver) Enable(ctx context.Context, guildID string, f Feature, channelID string) error {
	id, valid := ParseSnowflake(channelID)
	if !valid {
		return ErrChannelNotFound
	}
	in, err := r.perms.ChannelInGuild(ctx, guildID, id)
	if err != nil {
		return fmt.Errorf("check channel: %w", err)
	}
	if !in {
		return ErrChannelNotFound
	}
	can, err := r.perms.CanSend(ctx, id)
	if err != nil {
		return fmt.Errorf("check permissions: %w", err)
	}
	if !can {
		return ErrNoSendPermission
	}
	if err := r.kv.Set(ctx, storage.ScopeGuild, guildID, string(f), id); err != nil {
		return err
	}
	r.log.Info("feature enabled", logx.String("guild", guildID), logx.String("feature", f.String()), logx.String("channel", id))
	return nil
}

// Disable removes the toggle. It is idempotent; existed reports whether the
// feature was enabled before the call.
func (r *Resolver) Disable(ctx context.Context, guildID string, f Feature) (existed bool, err error) {
	existed, err = r.kv.Delete(ctx, storage.ScopeGuild, guildID, string(f))
	if err != nil {
		return false, err
	}
	if existed {
		r.log.Info("feature disabled", logx.String("guild", guildID), logx.String("feature", f.String()))
	}
	return existed, nil
}

// IsRejection reports whether err is a user-facing Enable rejection.
func IsRejection(err error) bool {
	return errors.Is(err, ErrChannelNotFound) || errors.Is(err, ErrNoSendPermission)
}

// ParseSnowflake validates a platform id: a non-zero unsigned 64-bit decimal.
func ParseSnowflake(s string) (string, bool) {
	s = strings.TrimSpace(s)
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil || n == 0 {
		return "", false
	}
	return strconv.FormatUint(n, 10), true
}
