// Package dedup suppresses duplicate sends and duplicate inbound processing
// within a bounded time window.
//
// The push transport can redeliver notifications and callers can retry
// sends; both directions are gated through a TTL-indexed cache with a
// periodic sweep so memory stays bounded regardless of message volume.
package dedup
