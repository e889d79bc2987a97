package token

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the redemption payload carried by every ticket, typically inside
// a QR code. It binds the ticket identity to the event and an expiry, so a
// scanner can verify authenticity offline before the database status check.
type Claims struct {
	TicketID string `json:"ticket_id"`
	OrderID  string `json:"order_id"`
	EventID  string `json:"event_id"`
	Code     string `json:"code"`
	jwt.RegisteredClaims
}

type Signer struct {
	secret []byte
	ttl    time.Duration
}

// NewSigner normalizes the configured secret to 32 bytes.
func NewSigner(secret string, ttl time.Duration) *Signer {
	hashed := sha256.Sum256([]byte(secret))
	return &Signer{secret: hashed[:], ttl: ttl}
}

func (s *Signer) Sign(ticketID, orderID, eventID, code string, issuedAt time.Time) (string, error) {
	claims := Claims{
		TicketID: ticketID,
		OrderID:  orderID,
		EventID:  eventID,
		Code:     code,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(s.ttl)),
			Subject:   ticketID,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign redemption token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry without any database round trip.
func (s *Signer) Verify(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid redemption token: %w", err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid redemption token claims")
	}
	if claims.TicketID == "" {
		return nil, errors.New("redemption token has no ticket_id")
	}
	return claims, nil
}
