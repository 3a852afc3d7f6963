package whatsapp

import (
	"fmt"
	"strings"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
)

// parseDestination accepts a full JID or a phone number in international
// format ("+15551234567", "1 555 123 4567").
func parseDestination(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.JID{}, fmt.Errorf("destination is empty")
	}
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, err
		}
		if jid.User == "" {
			return types.JID{}, fmt.Errorf("destination %q has no user part", to)
		}
		return jid, nil
	}

	digits := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9':
			return r
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
			return -1
		default:
			return 'x'
		}
	}, to)
	if digits == "" || strings.ContainsRune(digits, 'x') {
		return types.JID{}, fmt.Errorf("destination %q is not a phone number", to)
	}
	if len(digits) < 6 || len(digits) > 15 {
		return types.JID{}, fmt.Errorf("destination %q has an invalid length", to)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

// messageText extracts the text of a message, including media captions.
func messageText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption()
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetCaption()
	}
	return ""
}

// handleFromJID renders an account JID as a phone handle.
func handleFromJID(jid *types.JID) string {
	if jid == nil || jid.User == "" {
		return ""
	}
	if jid.Server == types.DefaultUserServer {
		return "+" + jid.User
	}
	return jid.ToNonAD().String()
}
