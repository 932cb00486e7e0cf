// Package thread derives conversation structure from message headers: the
// sender's role relative to the brokerage and a stable thread identifier.
package thread

import (
	"errors"
	"regexp"
	"strings"

	"github.com/dhcgn/mail-sanitizer/model"
)

// SubjectPrefix marks thread ids derived from a subject line instead of a
// message identifier.
const SubjectPrefix = "subject::"

const maxSubjectKey = 120

var ErrNoAgentEmails = errors.New("agent email set is empty")

var (
	replyPrefixRe = regexp.MustCompile(`^(?:\s*(?:re|fwd|fw)\s*:)+\s*`)
	nonAlnumRe    = regexp.MustCompile(`[^a-z0-9]+`)
)

// Resolver holds the normalised Agent Email Set. It is read-only after
// construction and safe for concurrent use.
type Resolver struct {
	agents []string
}

// NewResolver lower-cases and trims the given addresses, dropping blanks and
// duplicates. An empty result is an error.
func NewResolver(agentEmails []string) (*Resolver, error) {
	seen := make(map[string]struct{}, len(agentEmails))
	agents := make([]string, 0, len(agentEmails))
	for _, a := range agentEmails {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		agents = append(agents, a)
	}
	if len(agents) == 0 {
		return nil, ErrNoAgentEmails
	}
	return &Resolver{agents: agents}, nil
}

// Agents returns a copy of the normalised agent addresses.
func (r *Resolver) Agents() []string {
	return append([]string(nil), r.agents...)
}

// ClassifyRole matches agent addresses as substrings of the raw headers, so
// "bob@broker.ca" also matches "jbob@broker.ca". The sender is checked against
// every agent address before the recipient is.
func (r *Resolver) ClassifyRole(from, to string) model.Role {
	fromL := strings.ToLower(from)
	toL := strings.ToLower(to)

	for _, a := range r.agents {
		if strings.Contains(fromL, a) {
			return model.RoleAgent
		}
	}
	for _, a := range r.agents {
		if strings.Contains(toL, a) {
			return model.RoleClient
		}
	}

	switch {
	case strings.Contains(fromL, "on behalf of"), strings.Contains(fromL, "via"):
		return model.RoleClient
	case strings.Contains(fromL, "noreply"), strings.Contains(fromL, "no-reply"):
		return model.RoleClient
	}
	return model.RoleUnknown
}

// DeriveID returns the thread id for a message. It never returns an empty
// string.
func DeriveID(messageID, inReplyTo, references, subject string) string {
	if id := NormalizeMessageID(inReplyTo); id != "" {
		return id
	}
	if fields := strings.Fields(references); len(fields) > 0 {
		if id := NormalizeMessageID(fields[0]); id != "" {
			return id
		}
	}
	if id := NormalizeMessageID(messageID); id != "" {
		return id
	}
	return SubjectPrefix + SubjectKey(subject)
}

// SubjectKey strips reply and forward prefixes, lower-cases, collapses every
// non-alphanumeric run to "_" and truncates.
func SubjectKey(subject string) string {
	s := strings.ToLower(subject)
	s = replyPrefixRe.ReplaceAllString(s, "")
	s = nonAlnumRe.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if len(s) > maxSubjectKey {
		s = s[:maxSubjectKey]
	}
	return s
}

// NormalizeMessageID strips whitespace and surrounding angle brackets.
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// IsReply reports whether the message answers an earlier one.
func IsReply(inReplyTo, subject string) bool {
	if strings.TrimSpace(inReplyTo) != "" {
		return true
	}
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:")
}
