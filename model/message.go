package model

// Role classifies the sender of a message relative to the brokerage.
type Role string

const (
	RoleAgent   Role = "agent"
	RoleClient  Role = "client"
	RoleUnknown Role = "unknown"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAgent, RoleClient, RoleUnknown:
		return true
	}
	return false
}

// RawMessage holds the headers and the extracted plain-text body of one email
// as it was found in the source container. Nothing in it is redacted.
type RawMessage struct {
	Subject    string
	From       string
	To         string
	Date       string
	MessageID  string
	InReplyTo  string
	References string
	Body       string
}

// ProcessedMessage is the sanitized form of a RawMessage. Subject, From, To
// and Content are redacted. ThreadID is the derived thread key kept for
// structured indexing: identifier-based keys are unredacted, subject-based keys
// come from the redacted subject. Content carries the redacted form.
type ProcessedMessage struct {
	Index      int
	Subject    string
	From       string
	To         string
	Role       Role
	ThreadID   string
	IsReply    bool
	MessageID  string
	InReplyTo  string
	References string
	Content    string
}

// Envelope wraps a message alongside an optional error encountered while decoding.
// Index is the message position in its source container. Filtered envelopes
// carry no message.
type Envelope struct {
	Index    int
	Message  RawMessage
	Filtered bool
	Err      error
}

// SourceKind tells container formats apart.
type SourceKind string

const (
	SourceMbox SourceKind = "mbox"
	SourceEML  SourceKind = "eml"
)

// Source is one input container discovered under the source directory.
type Source struct {
	Path string
	Kind SourceKind
}
