package exchange

// Store is the durable table of exchange request records. Non-terminal
// requests must survive process restarts and extended transport outages;
// terminal records are retained for reference.
type Store interface {
	// PutRequest inserts or replaces a record.
	PutRequest(req *Request) error

	// GetRequest returns the record for an ID, if present.
	GetRequest(id string) (*Request, bool, error)

	// PendingRequests returns every non-terminal record.
	PendingRequests() ([]*Request, error)

	// Requests returns every record, terminal ones included.
	Requests() ([]*Request, error)
}
