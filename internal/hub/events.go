package hub

// Row is a single database row keyed by column name. A nil Row in a change
// envelope denotes a delete.
type Row map[string]any

// Change is the envelope for one replicated row mutation. Date is epoch
// milliseconds at the sender. ID is the string form of the primary-key value
// and must equal Entity[pk] when Entity is present.
type Change struct {
	Sender string `json:"sender"`
	Table  string `json:"table"`
	ID     string `json:"id"`
	Date   int64  `json:"date"`
	Entity Row    `json:"entity"`
}

// LocalChange is a row mutation observed on the local database. Except names
// a peer that must not receive the change (set on the echo-suppression path).
type LocalChange struct {
	Table  string
	ID     string
	Entity Row
	Except string
}

// RemoteSend is a transformed change addressed to a single peer.
type RemoteSend struct {
	Table  string
	ID     string
	Entity Row
	Peer   string
}

// ChangeInfo identifies an applied change for feedback to its original
// sender.
type ChangeInfo struct {
	Sender string
	Table  string
	ID     string
	Date   int64
}

// ChangeError is a ChangeInfo that failed to apply.
type ChangeError struct {
	ChangeInfo
	Message string
}

// StatusKind is the replication outcome stored in sync_status.
type StatusKind string

const (
	StatusSuccessful StatusKind = "successful"
	StatusPending    StatusKind = "pending"
	StatusError      StatusKind = "error"
)

// StatusChange is a peer's report about one of our changes, destined for the
// sync_status table.
type StatusChange struct {
	Sender  string
	Table   string
	ID      string
	Date    int64
	Status  StatusKind
	Message string
}
