package provider

import (
	"strings"

	"github.com/nyaruka/phonenumbers"

	"smsmaster/internal/domain"
)

// IsPhone reports whether recipient is a phone number (as opposed to a chat id).
func IsPhone(recipient string) bool {
	r := strings.TrimSpace(recipient)
	return r != "" && !strings.HasPrefix(strings.ToLower(r), domain.TelegramPrefix)
}

// RegionOf returns the ISO region of an international (+E.164) number.
// Numbers without a country code have no region.
func RegionOf(recipient string) (string, bool) {
	r := strings.TrimSpace(recipient)
	if !strings.HasPrefix(r, "+") {
		return "", false
	}
	num, err := phonenumbers.Parse(r, "")
	if err != nil {
		return "", false
	}
	region := phonenumbers.GetRegionCodeForNumber(num)
	if region == "" || region == "ZZ" {
		return "", false
	}
	return region, true
}

// E164 formats recipient for gateways that require the international form.
// defaultRegion is used for numbers without a leading '+'.
func E164(recipient, defaultRegion string) (string, error) {
	num, err := phonenumbers.Parse(strings.TrimSpace(recipient), strings.ToUpper(defaultRegion))
	if err != nil {
		return "", Permanent(CodeInvalidRecipient, err)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// regionAllowed applies a provider's country allow-list.
// Empty allow-lists accept everything, including non-phone recipients.
func regionAllowed(countries []string, recipient string) bool {
	if len(countries) == 0 {
		return true
	}
	region, ok := RegionOf(recipient)
	if !ok {
		return false
	}
	for _, c := range countries {
		if strings.EqualFold(strings.TrimSpace(c), region) {
			return true
		}
	}
	return false
}
