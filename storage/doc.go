// Package storage provides the durable local store backing the key
// exchange protocol: exchange request records, contacts, and
// conversations.
//
// MemoryStore serves tests and embedders that bring their own
// persistence; FileStore keeps JSON snapshots on disk with atomic
// write-rename so non-terminal requests survive restarts and extended
// transport outages.
package storage
