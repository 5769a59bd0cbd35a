package models

import (
	"fmt"
	"strings"
)

// ChatType identifies which chat surface a script, rule or conversation belongs to.
type ChatType string

const (
	ChatTypeLive      ChatType = "LIVE_CHAT"
	ChatTypeComplaint ChatType = "COMPLAINT_CHAT"
)

// ChatTypes lists every supported chat type in display order.
func ChatTypes() []ChatType {
	return []ChatType{ChatTypeLive, ChatTypeComplaint}
}

// Valid reports whether c is one of the supported chat types.
func (c ChatType) Valid() bool {
	switch c {
	case ChatTypeLive, ChatTypeComplaint:
		return true
	}
	return false
}

// ParseChatType accepts the canonical form as well as lower-case and
// dash-separated spellings ("live-chat", "complaint_chat").
func ParseChatType(s string) (ChatType, error) {
	norm := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	c := ChatType(norm)
	if !c.Valid() {
		return "", fmt.Errorf("models: unknown chat type %q", s)
	}
	return c, nil
}

// Locale selects which content column of a ScriptedMessage is delivered.
type Locale string

const (
	LocaleEnglish Locale = "en"
	LocaleBangla  Locale = "bn"
)

// Valid reports whether l is one of the two supported locales.
func (l Locale) Valid() bool {
	return l == LocaleEnglish || l == LocaleBangla
}
