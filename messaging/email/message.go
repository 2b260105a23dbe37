package email

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// parsedMail is the subset of an inbound mail the adapter works with,
// extracted from the raw message before any policy decisions.
type parsedMail struct {
	MessageID   string
	InReplyTo   string
	References  string
	Subject     string
	FromAddress string
	FromName    string
	Auto        string // Auto-Submitted header
	Precedence  string
	Body        string
	Attachments []attachmentInfo
}

type attachmentInfo struct {
	Filename string
	MimeType string
	Size     int64
}

// threadKey derives a stable conversation key for a mail: the root message
// id from References, else In-Reply-To, else the mail's own Message-ID,
// else a hash of subject+sender. Every member of a reply chain resolves to
// the same key, so the chain maps to one channel.
func threadKey(m parsedMail) string {
	if refs := firstMessageID(m.References); refs != "" {
		return refs
	}
	if irt := firstMessageID(m.InReplyTo); irt != "" {
		return irt
	}
	if m.MessageID != "" {
		return m.MessageID
	}
	sum := sha256.Sum256([]byte(normalizeSubject(m.Subject) + "|" + strings.ToLower(m.FromAddress)))
	return hex.EncodeToString(sum[:])
}

// threadHash shortens a thread key into the fixed-width token embedded in
// the "email:{account_key}:{thread_hash}" conversation id.
func threadHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// firstMessageID extracts the first "<...>" token from a References or
// In-Reply-To header value.
func firstMessageID(header string) string {
	start := strings.IndexByte(header, '<')
	if start == -1 {
		return strings.TrimSpace(header)
	}
	end := strings.IndexByte(header[start:], '>')
	if end == -1 {
		return strings.TrimSpace(header[start+1:])
	}
	return header[start+1 : start+end]
}

// normalizeSubject strips reply/forward prefixes so "Re: Re: Plans" and
// "Plans" land in the same thread when no References chain exists.
func normalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		lower := strings.ToLower(s)
		var stripped bool
		for _, prefix := range []string{"re:", "fwd:", "fw:"} {
			if strings.HasPrefix(lower, prefix) {
				s = strings.TrimSpace(s[len(prefix):])
				stripped = true
				break
			}
		}
		if !stripped {
			return s
		}
	}
}

// skipReason decides whether an inbound mail must not be processed:
// auto-generated mail (vacation responders, delivery reports), bulk/list
// traffic, our own sent mail looping back, or senders outside the
// allow-list. Empty string means process it.
func skipReason(m parsedMail, ownAddress string, allowedSenders map[string]bool) string {
	if auto := strings.ToLower(strings.TrimSpace(m.Auto)); auto != "" && auto != "no" {
		return "auto-submitted"
	}
	switch strings.ToLower(strings.TrimSpace(m.Precedence)) {
	case "bulk", "junk", "list":
		return "bulk precedence"
	}
	from := strings.ToLower(m.FromAddress)
	if from == "" {
		return "no sender"
	}
	if from == strings.ToLower(ownAddress) {
		return "own sender"
	}
	if len(allowedSenders) > 0 && !allowedSenders[from] {
		return "sender not allowed"
	}
	return ""
}

// replySubject prefixes "Re: " unless the subject already carries it.
func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}
	return "Re: " + subject
}

// appendReference extends a References chain with the message being
// replied to, per RFC 5322 threading.
func appendReference(references, messageID string) string {
	if messageID == "" {
		return references
	}
	token := "<" + messageID + ">"
	if references == "" {
		return token
	}
	if strings.Contains(references, token) {
		return references
	}
	return references + " " + token
}
