package domain

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	MaxBodyLen     = 1600
	minPhoneDigits = 7
	maxPhoneDigits = 15

	// TelegramPrefix marks chat-id recipients ("tg:123456").
	TelegramPrefix = "tg:"
)

var phoneFormatting = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")

// NormalizeRecipient validates an address and returns its canonical form.
// Phone numbers keep a leading '+' and lose formatting characters.
func NormalizeRecipient(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", Invalid("recipient", "required")
	}
	if strings.HasPrefix(strings.ToLower(s), TelegramPrefix) {
		id := strings.TrimSpace(s[len(TelegramPrefix):])
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			return "", Invalid("recipient", "telegram chat id %q is not an integer", id)
		}
		return TelegramPrefix + id, nil
	}

	s = phoneFormatting.Replace(s)
	plus := strings.HasPrefix(s, "+")
	digits := strings.TrimPrefix(s, "+")
	for _, c := range digits {
		if c < '0' || c > '9' {
			return "", Invalid("recipient", "phone number %q contains invalid characters", raw)
		}
	}
	if n := len(digits); n < minPhoneDigits || n > maxPhoneDigits {
		return "", Invalid("recipient", "phone number must have %d-%d digits", minPhoneDigits, maxPhoneDigits)
	}
	if plus {
		return "+" + digits, nil
	}
	return digits, nil
}

func ValidateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return Invalid("body", "required")
	}
	if n := utf8.RuneCountInString(body); n > MaxBodyLen {
		return Invalid("body", "%d characters exceeds limit of %d", n, MaxBodyLen)
	}
	return nil
}
