package helpers

import (
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

type Recipient struct {
	EmailAddress string
	AddressType  string
	Name         string
}

// ExtractRecipients pulls deduplicated To/Cc/Bcc/From/Reply-To addresses
// out of a message header, used by the corpus package when it needs a
// plausible envelope for a synthesized APPEND message.
func ExtractRecipients(header message.Header) []Recipient {
	recipients := make([]Recipient, 0)
	uniquePairs := make(map[string]struct{})

	extractAddresses := func(key string) {
		values := header.Values(key)
		for _, value := range values {
			value := SanitizeUTF8(value)
			addresses, err := mail.ParseAddressList(value)
			if err != nil {
				continue
			}
			for _, addr := range addresses {
				addressType := strings.ToLower(key)
				uniqueKey := addr.Address + "|" + addressType
				if _, exists := uniquePairs[uniqueKey]; exists {
					continue
				}
				recipients = append(recipients, Recipient{
					EmailAddress: addr.Address,
					AddressType:  addressType,
					Name:         addr.Name,
				})
				uniquePairs[uniqueKey] = struct{}{}
			}
		}
	}

	extractAddresses("To")
	extractAddresses("Cc")
	extractAddresses("Bcc")
	extractAddresses("From")
	extractAddresses("Reply-To")

	return recipients
}
