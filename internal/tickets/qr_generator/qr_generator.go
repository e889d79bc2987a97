package qr

import (
	"github.com/skip2/go-qrcode"
)

// Encode renders a redemption token as a 256x256 PNG. The token is already
// signed, so the QR carries it verbatim.
func Encode(redemptionToken string) ([]byte, error) {
	return qrcode.Encode(redemptionToken, qrcode.Medium, 256)
}
