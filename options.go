package kex

import (
	"time"

	"github.com/opd-ai/kex/dedup"
	"github.com/opd-ai/kex/exchange"
	"github.com/opd-ai/kex/transport"
)

// Options configures a Kex instance. Zero values fall back to the
// defaults from NewOptions.
type Options struct {
	// DataDir is where durable state is persisted. Empty keeps all state
	// in memory.
	DataDir string

	// StorePassphrase seals private key material at rest under DataDir.
	// Required whenever DataDir is set; ignored for in-memory state.
	StorePassphrase string

	// RequestTTL is how long an exchange request stays acceptable.
	RequestTTL time.Duration

	// DedupTTL is the duplicate-suppression window for sends and inbound
	// processing.
	DedupTTL time.Duration

	// SendTimeout bounds a single transport send.
	SendTimeout time.Duration

	// MaxSendAttempts bounds send attempts per notification, the inline
	// attempt included.
	MaxSendAttempts int

	// RetryBase is the first backoff delay between send attempts.
	RetryBase time.Duration

	// QueueSize is the inbound dispatch queue capacity.
	QueueSize int
}

// NewOptions returns the default configuration.
func NewOptions() *Options {
	return &Options{
		RequestTTL:      24 * time.Hour,
		DedupTTL:        dedup.DefaultTTL,
		SendTimeout:     transport.DefaultSendTimeout,
		MaxSendAttempts: exchange.DefaultMaxAttempts,
		RetryBase:       exchange.DefaultRetryBase,
		QueueSize:       transport.DefaultQueueSize,
	}
}

func (o *Options) engineConfig() exchange.Config {
	return exchange.Config{
		RequestTTL:      o.RequestTTL,
		SendTimeout:     o.SendTimeout,
		MaxSendAttempts: o.MaxSendAttempts,
		RetryBase:       o.RetryBase,
		QueueSize:       o.QueueSize,
	}
}
