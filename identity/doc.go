// Package identity manages the long-term asymmetric identity used by the
// key exchange protocol.
//
// An Identity is a Curve25519 keypair plus the session ID derived from its
// public key. The session ID is the only identifier ever placed on the wire;
// the private key never leaves the local secure store.
//
// Example:
//
//	id, err := identity.Generate()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Session ID:", id.SessionID())
package identity
