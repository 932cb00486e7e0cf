// Package batch renders processed messages into plain-text artifacts and
// writes them to the output directory.
package batch

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dhcgn/mail-sanitizer/model"
)

// DefaultSize is the number of messages per mbox batch file.
const DefaultSize = 50

var ErrEmptyBatch = errors.New("no messages to write")

// Batch is one output unit. Number starts at 1.
type Batch struct {
	Number   int
	Messages []model.ProcessedMessage
}

// Partition splits msgs into consecutive groups of at most size messages,
// keeping their order. It yields ceil(len(msgs)/size) batches.
func Partition(msgs []model.ProcessedMessage, size int) []Batch {
	if size <= 0 {
		size = DefaultSize
	}
	batches := make([]Batch, 0, (len(msgs)+size-1)/size)
	for start := 0; start < len(msgs); start += size {
		end := min(start+size, len(msgs))
		batches = append(batches, Batch{Number: len(batches) + 1, Messages: msgs[start:end]})
	}
	return batches
}

// FormatMessage renders the fixed block for one message. All arguments except
// role and isReply must already be redacted.
func FormatMessage(index int, subject, from, to, threadID string, role model.Role, isReply bool, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "EMAIL MESSAGE %d\n", index+1)
	b.WriteString("=============\n")
	fmt.Fprintf(&b, "Subject: %s\n", subject)
	fmt.Fprintf(&b, "From: %s\n", from)
	fmt.Fprintf(&b, "To: %s\n", to)
	b.WriteString("Date: [DATE]\n")
	fmt.Fprintf(&b, "Thread-ID: %s\n", threadID)
	fmt.Fprintf(&b, "Role: %s\n", role)
	fmt.Fprintf(&b, "Is-Reply: %s\n", strconv.FormatBool(isReply))
	b.WriteString("\n")
	b.WriteString(body)
	b.WriteString("\n\n---\n")
	return b.String()
}

// Render produces the content of an mbox batch file.
func Render(b Batch, sourceName string) string {
	blocks := make([]string, len(b.Messages))
	for i, m := range b.Messages {
		blocks[i] = m.Content
	}
	return fmt.Sprintf("EMAIL BATCH %d from %s\n%s\n\n", b.Number, sourceName, strings.Repeat("=", 60)) +
		strings.Join(blocks, "\n\n")
}

// FileName is the deterministic artifact name for a source and batch number.
// Single-message eml sources ignore the number.
func FileName(src model.Source, number int) string {
	base := filepath.Base(src.Path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if src.Kind == model.SourceEML {
		return stem + ".txt"
	}
	return fmt.Sprintf("%s_batch%d.txt", stem, number)
}
