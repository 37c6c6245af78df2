// Package kex implements a key exchange request protocol for establishing
// mutually authenticated conversations over an unreliable push transport.
//
// Each party holds a Curve25519 identity whose public key hashes to a
// shareable session ID. An initiator sends a request carrying its public
// key, a post-quantum encapsulation key and a short introduction phrase;
// the recipient explicitly accepts, declines, or lets it expire, and the
// initiator may revoke it while it is pending. Acceptance runs a Noise-IK
// leg that authenticates both sides and derives a hybrid shared session
// key; both sides then materialize a contact and conversation atomically,
// tracking an unconfirmed flag until the peer acknowledges delivery.
//
// The transport is assumed to be best-effort: deliveries may be lost,
// duplicated, or reordered. Idempotency keys with a TTL window absorb
// duplicates, bounded exponential backoff covers losses, and all request
// state is reconciled purely through protocol messages, never through
// shared structures.
//
// Basic usage:
//
//	id, _ := identity.Generate()
//	k, _ := kex.New(id, tr, kex.NewOptions())
//	defer k.Kill()
//
//	k.OnRequestReceived(func(req *exchange.Request) {
//		_ = k.AcceptRequest(context.Background(), req.ID, nil)
//	})
//
//	requestID, _ := k.SendRequest(ctx, peerSessionID, "it's me from the conference")
package kex
