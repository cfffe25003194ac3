// Package guildcfg maps per-guild feature toggles onto the key-value store.
// A feature is enabled exactly when a destination channel is stored for it.
package guildcfg

// Feature is the storage key of a tracking toggle.
type Feature string

const (
	FeatureJoinLeaves   Feature = "config.track_joinleaves"
	FeatureMessageEdits Feature = "config.track_msg_edits"
)

func (f Feature) String() string { return string(f) }

// Bookkeeping keys written by the tracker (informational, never read by routing).
const (
	KeyFirstJoin  = "stats.first_join"
	KeyLastJoin   = "stats.last_join"
	KeyName       = "stats.name"
	KeyKickedFrom = "stats.kicked_from"
)
