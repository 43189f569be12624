package media

import (
	"strconv"
	"strings"
	"time"
)

// MaxIDLength is the media engine's limit for user and room ids.
const MaxIDLength = 32

// SanitizeID strips everything but ASCII letters and digits and caps the
// length. An empty result becomes "guest".
func SanitizeID(id string) string {
	cleaned := alnum(id)
	if len(cleaned) > MaxIDLength {
		cleaned = cleaned[:MaxIDLength]
	}
	if cleaned == "" {
		return "guest"
	}
	return cleaned
}

// NewRoomID derives a room id from the chat id plus a millisecond salt so
// repeated calls within one chat never share a room.
func NewRoomID(chatID string, now time.Time) string {
	chat := alnum(chatID)
	if len(chat) > 16 {
		chat = chat[:16]
	}
	id := "c_" + chat + "_" + strconv.FormatInt(now.UnixMilli(), 36)
	if len(id) > MaxIDLength {
		id = id[:MaxIDLength]
	}
	return id
}

func validRoomID(id string) bool {
	if id == "" || len(id) > MaxIDLength {
		return false
	}
	for _, r := range id {
		if !isAlnum(r) && r != '_' && r != '-' {
			return false
		}
	}
	return true
}

func alnum(s string) string {
	var b strings.Builder
	for _, r := range s {
		if isAlnum(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
