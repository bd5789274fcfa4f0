// Package mailmsg provides the message object model consumed by rule atoms.
// It exposes a narrow capability interface over a parsed rfc5322 message:
// header instances, text parts, raw content, extracted urls and timestamps.
package mailmsg

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"mime"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
)

// body charset conversion happens in collectParts so the original bytes stay
// available for raw matching; the pass-through reader keeps go-message from
// converting text bodies in place. Header encoded words are decoded with
// headerDecoder instead.
func init() {
	message.CharsetReader = func(cs string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
}

var headerDecoder = mime.WordDecoder{CharsetReader: charset.Reader}

// Header is a single header instance as it appeared in the message.
type Header struct {
	Name  string // original header name
	Value string // decoded (mime words, charset) value
	Raw   string // undecoded value
}

// Part is a text part of the message.
type Part struct {
	Content string // part content, decoded to utf-8 when the charset is known
	Raw     string // transfer-decoded content, original charset bytes
	Native  bool   // true if the declared charset is utf-8/us-ascii or absent
}

// Empty reports whether the part has no non-whitespace content.
func (p Part) Empty() bool { return strings.TrimSpace(p.Content) == "" }

// Message is the capability interface rule atoms evaluate against.
type Message interface {
	RawHeaders() string                                // full undecoded header block
	HeadersByName(name string, exact bool) []Header    // all instances; exact requires case-sensitive name match
	From() string                                      // sender address part, lowercased
	ReplyTo() string                                   // reply-to address part, lowercased
	HasRecipients() bool                               // true if To or Cc present
	TextParts() []Part                                 // text parts in order
	Raw() []byte                                       // entire raw message
	URLs() []string                                    // urls extracted from text parts
	Date() (time.Time, bool)                           // parsed Date header
	ReceivedAt() time.Time                             // when the message was received
}

// urlRe is a fixed trusted pattern, stdlib re2 is fine and fast here.
var urlRe = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"]+|\bwww\.[^\s<>"']+`)

// Email is a parsed message implementing Message.
type Email struct {
	raw        []byte
	rawHeaders string
	headers    []Header
	parts      []Part
	urls       []string
	received   time.Time
}

// Parse parses a raw message. The received time is the connection/delivery
// timestamp used by date-shift checks; zero value means now. Unknown charsets
// and malformed mime are not fatal, the message degrades to whatever could be
// parsed.
func Parse(raw []byte, received time.Time) (*Email, error) {
	if received.IsZero() {
		received = time.Now()
	}
	e := &Email{raw: raw, received: received, rawHeaders: headerBlock(raw)}

	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("can't parse message: %w", err)
	}

	fields := ent.Header.Fields()
	for fields.Next() {
		h := Header{Name: fields.Key(), Raw: fields.Value()}
		if txt, terr := headerDecoder.DecodeHeader(fields.Value()); terr == nil {
			h.Value = txt
		} else {
			h.Value = fields.Value()
		}
		e.headers = append(e.headers, h)
	}

	e.collectParts(ent)

	for _, p := range e.parts {
		e.urls = append(e.urls, urlRe.FindAllString(p.Content, -1)...)
	}
	return e, nil
}

func (e *Email) collectParts(ent *message.Entity) {
	if mr := ent.MultipartReader(); mr != nil {
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				return
			}
			if err != nil {
				log.Printf("[DEBUG] multipart read stopped: %v", err)
				return
			}
			e.collectParts(p)
		}
	}

	ctype, params, err := ent.Header.ContentType()
	if err != nil {
		ctype = "text/plain"
	}
	if !strings.HasPrefix(ctype, "text/") {
		return
	}
	body, err := io.ReadAll(ent.Body)
	if err != nil {
		log.Printf("[DEBUG] can't read part body: %v", err)
		return
	}
	cs := strings.ToLower(params["charset"])
	native := cs == "" || cs == "utf-8" || cs == "us-ascii" || cs == "ascii"
	p := Part{Content: string(body), Raw: string(body), Native: native}
	if !native {
		if conv, cerr := charset.Reader(cs, bytes.NewReader(body)); cerr == nil {
			if decoded, derr := io.ReadAll(conv); derr == nil {
				p.Content = string(decoded)
			}
		} else {
			log.Printf("[DEBUG] unknown charset %q, part kept as is", cs)
		}
	}
	e.parts = append(e.parts, p)
}

// headerBlock cuts the undecoded header section off the raw message.
func headerBlock(raw []byte) string {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return string(raw[:i+2])
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return string(raw[:i+1])
	}
	return string(raw)
}

// RawHeaders returns the undecoded header block.
func (e *Email) RawHeaders() string { return e.rawHeaders }

// HeadersByName returns all header instances with the given name, in order.
// With exact the name comparison is case-sensitive.
func (e *Email) HeadersByName(name string, exact bool) []Header {
	var res []Header
	for _, h := range e.headers {
		if exact && h.Name == name || !exact && strings.EqualFold(h.Name, name) {
			res = append(res, h)
		}
	}
	return res
}

// From returns the sender address part, lowercased, empty if absent/unparseable.
func (e *Email) From() string { return e.firstAddr("From") }

// ReplyTo returns the reply-to address part, lowercased, empty if absent.
func (e *Email) ReplyTo() string { return e.firstAddr("Reply-To") }

func (e *Email) firstAddr(name string) string {
	for _, h := range e.HeadersByName(name, false) {
		if addrs := ExtractAddrs(h.Value); len(addrs) > 0 {
			return addrs[0]
		}
	}
	return ""
}

// HasRecipients reports whether the message has at least one To or Cc recipient.
func (e *Email) HasRecipients() bool {
	for _, name := range []string{"To", "Cc"} {
		for _, h := range e.HeadersByName(name, false) {
			if len(ExtractAddrs(h.Value)) > 0 {
				return true
			}
		}
	}
	return false
}

// TextParts returns the text parts of the message, in order.
func (e *Email) TextParts() []Part { return e.parts }

// Raw returns the entire raw message content.
func (e *Email) Raw() []byte { return e.raw }

// URLs returns urls extracted from text parts.
func (e *Email) URLs() []string { return e.urls }

// Date returns the parsed Date header, false if absent or unparseable.
func (e *Email) Date() (time.Time, bool) {
	for _, h := range e.HeadersByName("Date", false) {
		if ts, err := mail.ParseDate(h.Value); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// ReceivedAt returns the connection/delivery timestamp.
func (e *Email) ReceivedAt() time.Time { return e.received }

// ExtractAddrs returns the address parts from a header value, lowercased.
// A single value may carry multiple addresses.
func ExtractAddrs(value string) []string {
	list, err := mail.ParseAddressList(value)
	if err != nil {
		// a bare address without display name still matters for matching
		if addr, aerr := mail.ParseAddress(value); aerr == nil {
			return []string{strings.ToLower(addr.Address)}
		}
		log.Printf("[DEBUG] can't parse address list %q: %v", value, err)
		return nil
	}
	res := make([]string, 0, len(list))
	for _, a := range list {
		res = append(res, strings.ToLower(a.Address))
	}
	return res
}

// ExtractNames returns the display names from a header value. Entries without
// a display name are skipped.
func ExtractNames(value string) []string {
	list, err := mail.ParseAddressList(value)
	if err != nil {
		log.Printf("[DEBUG] can't parse address list %q: %v", value, err)
		return nil
	}
	var res []string
	for _, a := range list {
		if a.Name != "" {
			res = append(res, a.Name)
		}
	}
	return res
}
