package mbox

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"
	"golang.org/x/text/encoding/charmap"

	"github.com/dhcgn/mail-sanitizer/model"
)

const (
	defaultSubject = "No Subject"
	defaultAddress = "Unknown"
)

var errPlainTextFound = errors.New("plain text part found")

// part is the body source of one MIME leaf.
type part interface {
	isPart()
}

type plainTextPart struct{ text string }

type htmlPart struct{ markup string }

type attachmentPart struct{ filename string }

func (plainTextPart) isPart()  {}
func (htmlPart) isPart()       {}
func (attachmentPart) isPart() {}

// ParseMessage reads one RFC 5322 message and extracts its headers and a
// single plain-text body. Unknown charsets and transfer encodings are not
// errors; broken MIME structure and undecodable bodies are.
func ParseMessage(r io.Reader) (model.RawMessage, error) {
	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return model.RawMessage{}, fmt.Errorf("read header: %w", err)
	}

	h := mail.Header{Header: entity.Header}
	msg := model.RawMessage{
		Subject:    headerText(h, "Subject"),
		From:       headerText(h, "From"),
		To:         headerText(h, "To"),
		Date:       strings.TrimSpace(h.Get("Date")),
		MessageID:  strings.TrimSpace(h.Get("Message-Id")),
		InReplyTo:  strings.TrimSpace(h.Get("In-Reply-To")),
		References: strings.Join(strings.Fields(h.Get("References")), " "),
	}
	if msg.Subject == "" {
		msg.Subject = defaultSubject
	}
	if msg.From == "" {
		msg.From = defaultAddress
	}
	if msg.To == "" {
		msg.To = defaultAddress
	}

	body, err := extractBody(entity)
	if err != nil {
		return model.RawMessage{}, err
	}
	msg.Body = body
	return msg, nil
}

func headerText(h mail.Header, key string) string {
	v, err := h.Text(key)
	if err != nil {
		v = h.Get(key)
	}
	return strings.TrimSpace(decodeText([]byte(v)))
}

// extractBody walks every part. The first plain-text part wins; otherwise the
// first HTML part is converted.
func extractBody(entity *message.Entity) (string, error) {
	var (
		plain     *plainTextPart
		firstHTML *htmlPart
	)

	err := entity.Walk(func(_ []int, e *message.Entity, walkErr error) error {
		if walkErr != nil && !message.IsUnknownCharset(walkErr) && !message.IsUnknownEncoding(walkErr) {
			return walkErr
		}
		if e.MultipartReader() != nil {
			return nil
		}

		p, err := classify(e)
		if err != nil {
			return err
		}
		switch v := p.(type) {
		case plainTextPart:
			plain = &v
			return errPlainTextFound
		case htmlPart:
			if firstHTML == nil {
				firstHTML = &v
			}
		case attachmentPart:
		}
		return nil
	})
	if err != nil && !errors.Is(err, errPlainTextFound) {
		return "", fmt.Errorf("walk mime parts: %w", err)
	}

	switch {
	case plain != nil:
		return strings.TrimSpace(plain.text), nil
	case firstHTML != nil:
		return htmlToText(firstHTML.markup), nil
	}
	return "", nil
}

func classify(e *message.Entity) (part, error) {
	disp, dispParams, _ := e.Header.ContentDisposition()
	if strings.EqualFold(disp, "attachment") {
		return attachmentPart{filename: dispParams["filename"]}, nil
	}

	mediaType, _, err := e.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}

	switch mediaType {
	case "text/plain", "text/html":
	default:
		return attachmentPart{filename: dispParams["filename"]}, nil
	}

	raw, err := io.ReadAll(e.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s body: %w", mediaType, err)
	}
	text := decodeText(raw)

	if mediaType == "text/html" {
		return htmlPart{markup: text}, nil
	}
	return plainTextPart{text: text}, nil
}

// decodeText keeps valid UTF-8 as is and reads anything else as ISO-8859-1,
// which maps every byte to a rune.
func decodeText(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
	if err != nil {
		return string(bytes.ToValidUTF8(raw, []byte("�")))
	}
	return string(out)
}

var (
	blockTags = map[string]bool{
		"p": true, "div": true, "br": true, "li": true, "tr": true, "table": true,
		"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
		"blockquote": true, "pre": true, "hr": true, "ul": true, "ol": true,
	}
	skipTags = map[string]bool{"script": true, "style": true, "head": true, "title": true}

	blankLinesRe = regexp.MustCompile(`\n{3,}`)
	spaceRunRe   = regexp.MustCompile(`[ \t\r\f\v\x{00a0}]+`)
)

func htmlToText(markup string) string {
	z := html.NewTokenizer(strings.NewReader(markup))
	var b strings.Builder
	skip := 0

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return tidyText(b.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipTags[tag] && tt == html.StartTagToken {
				skip++
			}
			if blockTags[tag] {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipTags[tag] && skip > 0 {
				skip--
			}
			if blockTags[tag] {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func tidyText(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRunRe.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankLinesRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
