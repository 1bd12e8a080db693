package smtpsource

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// parsed is the subset of an RFC 5322 message the workflow needs.
type parsed struct {
	MessageID string
	From      string
	Subject   string
	Text      string
	HTML      string
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

func parseMessage(raw []byte) (*parsed, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	p := &parsed{
		MessageID: messageID(msg.Header.Get("Message-Id"), raw),
		From:      fromAddress(msg.Header.Get("From")),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		// No or broken Content-Type: treat as plain text.
		body, _ := io.ReadAll(msg.Body)
		p.Text = string(body)
		return p, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, errors.New("multipart message without boundary")
		}
		if err := parseMultipart(multipart.NewReader(msg.Body, boundary), p); err != nil {
			return nil, fmt.Errorf("parse multipart: %w", err)
		}
		return p, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if mediaType == "text/html" {
		p.HTML = body
	} else {
		p.Text = body
	}
	return p, nil
}

// Body returns the plain-text part, or the HTML part when there is none.
func (p *parsed) Body() string {
	if strings.TrimSpace(p.Text) != "" {
		return strings.TrimSpace(p.Text)
	}
	return strings.TrimSpace(p.HTML)
}

func parseMultipart(mr *multipart.Reader, p *parsed) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}

		// Attachments never feed the workflow.
		if disp, _, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition")); disp == "attachment" {
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if boundary := params["boundary"]; boundary != "" {
				if err := parseMultipart(multipart.NewReader(part, boundary), p); err != nil {
					return err
				}
			}
			continue
		}

		// multipart.Reader already undoes quoted-printable.
		body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			continue
		}
		switch {
		case mediaType == "text/plain" && p.Text == "":
			p.Text = body
		case mediaType == "text/html" && p.HTML == "":
			p.HTML = body
		}
	}
}

func decodeBody(r io.Reader, transferEncoding, charset string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset == "" || charset == "utf-8" || charset == "us-ascii" {
		return string(body), nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return string(body), nil
	}
	converted, _, err := transform.Bytes(enc.NewDecoder(), body)
	if err != nil {
		return string(body), nil
	}
	return string(converted), nil
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(strings.ToLower(charset))
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

func decodeHeader(v string) string {
	if v == "" {
		return v
	}
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

func fromAddress(v string) string {
	if v == "" {
		return ""
	}
	addr, err := mail.ParseAddress(v)
	if err != nil {
		return normalizeAddress(v)
	}
	return normalizeAddress(addr.Address)
}

// messageID returns the Message-Id without angle brackets, or a content hash
// when the header is missing so redelivery of the same bytes dedupes.
func messageID(header string, raw []byte) string {
	id := strings.Trim(strings.TrimSpace(header), "<>")
	if id != "" {
		return id
	}
	sum := sha256.Sum256(raw)
	return "sha256-" + hex.EncodeToString(sum[:16])
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.Trim(addr, "<>")
	return strings.ToLower(addr)
}
