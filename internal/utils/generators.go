package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Alphabet for ticket codes. 0/O and 1/I are excluded so the codes survive
// being read aloud at a venue door.
const codeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// GenerateTicketCode returns a short human-presentable code like "TKT-7XKQ2M9F".
// Uniqueness is enforced by the caller against storage; this only guarantees
// randomness.
func GenerateTicketCode() string {
	var sb strings.Builder
	sb.WriteString("TKT-")
	for i := 0; i < 8; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			// crypto/rand failing is unrecoverable enough to fall back on time
			return fmt.Sprintf("TKT-%d", time.Now().UnixNano())
		}
		sb.WriteByte(codeAlphabet[n.Int64()])
	}
	return sb.String()
}
