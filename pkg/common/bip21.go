package common

import (
	"fmt"
	"net/url"
	"strconv"
)

// PaymentURI returns the BIP21 URI requesting amountSats to the address.
// Assets without a scheme get the bare address back.
func (a Asset) PaymentURI(address string, amountSats int64, label, message string) (string, error) {
	if amountSats <= 0 {
		return "", fmt.Errorf("invalid amount %d", amountSats)
	}
	if len(a.BIP21Scheme) <= 0 {
		return address, nil
	}

	params := url.Values{}
	params.Set("amount", strconv.FormatFloat(FromSats(amountSats), 'f', -1, 64))
	if len(label) > 0 {
		params.Set("label", label)
	}
	if len(message) > 0 {
		params.Set("message", message)
	}
	return fmt.Sprintf("%s:%s?%s", a.BIP21Scheme, address, params.Encode()), nil
}
