package thread

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-sanitizer/model"
)

func TestNewResolverNormalises(t *testing.T) {
	r, err := NewResolver([]string{" Agent@Broker.ca ", "", "agent@broker.ca", "team@broker.ca"})
	require.NoError(t, err)
	assert.Equal(t, []string{"agent@broker.ca", "team@broker.ca"}, r.Agents())
}

func TestNewResolverRejectsEmptySet(t *testing.T) {
	for _, in := range [][]string{nil, {}, {"", "   "}} {
		_, err := NewResolver(in)
		assert.ErrorIs(t, err, ErrNoAgentEmails)
	}
}

func TestClassifyRole(t *testing.T) {
	r, err := NewResolver([]string{"agent@broker.ca"})
	require.NoError(t, err)

	tests := []struct {
		name     string
		from, to string
		want     model.Role
	}{
		{"sender is agent", "Agent <AGENT@broker.ca>", "client@example.com", model.RoleAgent},
		{"both match, sender wins", "agent@broker.ca", "agent@broker.ca", model.RoleAgent},
		{"recipient is agent", "client@example.com", "Agent <agent@broker.ca>", model.RoleClient},
		{"on behalf of", "Bank on behalf of Jane <x@bank.com>", "other@example.com", model.RoleClient},
		{"via", "Jane via Docs <docs@example.com>", "other@example.com", model.RoleClient},
		{"noreply", "noreply@lender.com", "other@example.com", model.RoleClient},
		{"no-reply", "no-reply@lender.com", "other@example.com", model.RoleClient},
		{"no match", "jane@example.com", "bob@example.com", model.RoleUnknown},
		{"empty headers", "", "", model.RoleUnknown},
		{"substring match is accepted", "superagent@broker.ca", "", model.RoleAgent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.ClassifyRole(tt.from, tt.to)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.Valid())
		})
	}
}

func TestClassifyRoleSenderBeforeRecipientAcrossAgents(t *testing.T) {
	r, err := NewResolver([]string{"first@broker.ca", "second@broker.ca"})
	require.NoError(t, err)

	assert.Equal(t, model.RoleAgent, r.ClassifyRole("second@broker.ca", "first@broker.ca"))
}

func TestDeriveID(t *testing.T) {
	tests := []struct {
		name                                   string
		messageID, inReplyTo, references, subj string
		want                                   string
	}{
		{"in-reply-to wins", "<m2@x>", " <m1@x> ", "<r1@x> <r2@x>", "Re: hi", "m1@x"},
		{"first reference", "<m2@x>", "", "<r1@x>\n <r2@x>", "hi", "r1@x"},
		{"own message id", "<m2@x>", "", "", "hi", "m2@x"},
		{"blank in-reply-to ignored", "<m2@x>", "  ", "", "hi", "m2@x"},
		{"subject fallback", "", "", "", "Re: RE:Fwd: Question about Rates!", "subject::question_about_rates"},
		{"empty everything", "", "", "", "", "subject::"},
		{"bare brackets", "<>", "", "", "Hello", "subject::hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveID(tt.messageID, tt.inReplyTo, tt.references, tt.subj)
			assert.Equal(t, tt.want, got)
			assert.NotEmpty(t, got)
			assert.Equal(t, got, DeriveID(tt.messageID, tt.inReplyTo, tt.references, tt.subj))
		})
	}
}

func TestSubjectKeyTruncates(t *testing.T) {
	key := SubjectKey(strings.Repeat("word ", 60))
	assert.Len(t, key, maxSubjectKey)
	assert.True(t, strings.HasPrefix(key, "word_word"))
}

func TestNormalizeMessageID(t *testing.T) {
	assert.Equal(t, "abc@mail", NormalizeMessageID("  <abc@mail>\r\n"))
	assert.Equal(t, "abc@mail", NormalizeMessageID("abc@mail"))
	assert.Equal(t, "", NormalizeMessageID(""))
}

func TestIsReply(t *testing.T) {
	assert.True(t, IsReply("<m1@x>", "New application"))
	assert.True(t, IsReply("", "  RE: rates"))
	assert.True(t, IsReply("", "re:rates"))
	assert.False(t, IsReply("", "Fwd: rates"))
	assert.False(t, IsReply("  ", "About re: rates"))
}
