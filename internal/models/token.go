package models

import (
	"time"

	"gopkg.in/guregu/null.v4"
)

// TokenKind distinguishes what a scanned token authorizes.
type TokenKind string

const (
	TokenCheckIn   TokenKind = "checkin"
	TokenRetrieval TokenKind = "retrieval"
)

// QRToken is a single-use verification token rendered as a QR code.
type QRToken struct {
	Token      string      `json:"token"`
	CarID      int64       `json:"car_id"`
	Kind       TokenKind   `json:"kind"`
	OwnerPhone null.String `json:"owner_phone"`
	ExpiresAt  time.Time   `json:"expires_at"`
	Used       bool        `json:"used"`
	UsedAt     null.Time   `json:"used_at"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Expired reports whether the token is past its deadline at now.
func (t *QRToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
