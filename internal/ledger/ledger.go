// Package ledger issues and consumes single-use QR verification tokens.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"valet/internal/database"
	"valet/internal/models"

	"github.com/google/uuid"
	"gopkg.in/guregu/null.v4"
)

var (
	ErrInvalid     = errors.New("token invalid")
	ErrExpired     = errors.New("token expired")
	ErrMismatch    = errors.New("token does not match car or owner")
	ErrAlreadyUsed = errors.New("token already used")
	ErrMalformed   = errors.New("malformed scan payload")
)

// ScanPrefix starts every scanned QR payload.
const ScanPrefix = "qr_scan:"

// Scan is a parsed qr_scan:<token>:<carId>:<ownerId> message.
type Scan struct {
	Token   string
	CarID   int64
	OwnerID string
}

// Text renders the scan back into its wire form.
func (s Scan) Text() string {
	return fmt.Sprintf("%s%s:%d:%s", ScanPrefix, s.Token, s.CarID, s.OwnerID)
}

// IsScan reports whether text looks like a scanned payload.
func IsScan(text string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(text)), ScanPrefix)
}

// ParseScan parses a scanned payload. Exactly three fields must follow the prefix.
func ParseScan(text string) (Scan, error) {
	text = strings.TrimSpace(text)
	if !IsScan(text) {
		return Scan{}, ErrMalformed
	}
	parts := strings.Split(text[len(ScanPrefix):], ":")
	if len(parts) != 3 {
		return Scan{}, fmt.Errorf("%w: want 3 fields, got %d", ErrMalformed, len(parts))
	}
	token := strings.ToLower(strings.TrimSpace(parts[0]))
	if _, err := uuid.Parse(token); err != nil {
		return Scan{}, fmt.Errorf("%w: bad token", ErrMalformed)
	}
	carID, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || carID <= 0 {
		return Scan{}, fmt.Errorf("%w: bad car id", ErrMalformed)
	}
	owner := strings.TrimSpace(parts[2])
	if owner == "" {
		return Scan{}, fmt.Errorf("%w: empty owner", ErrMalformed)
	}
	return Scan{Token: token, CarID: carID, OwnerID: owner}, nil
}

// Issued is a persisted token plus what the owner receives.
type Issued struct {
	Token   models.QRToken
	Payload string // qr_scan text
	Link    string // URI encoded into the QR image
}

// Ledger owns the token lifecycle.
type Ledger struct {
	db       *database.DB
	linkBase string
	newToken func() string
}

// New creates a ledger. linkBase is the deep-link prefix, e.g. https://wa.me/15550001111;
// when empty the raw payload is encoded.
func New(db *database.DB, linkBase string) *Ledger {
	return &Ledger{
		db:       db,
		linkBase: strings.TrimRight(linkBase, "/"),
		newToken: uuid.NewString,
	}
}

// DeepLink wraps a payload into the URI the QR code encodes.
func (l *Ledger) DeepLink(payload string) string {
	if l.linkBase == "" {
		return payload
	}
	return l.linkBase + "?text=" + url.QueryEscape(payload)
}

// Issue creates and persists a token in its own transaction.
func (l *Ledger) Issue(ctx context.Context, carID int64, kind models.TokenKind, ttl time.Duration, ownerPhone string) (*Issued, error) {
	var issued *Issued
	err := l.db.InTx(ctx, func(tx *database.Tx) error {
		var err error
		issued, err = l.IssueTx(ctx, tx, carID, kind, ttl, ownerPhone)
		return err
	})
	if err != nil {
		return nil, err
	}
	return issued, nil
}

// IssueTx creates a token as part of the caller's transaction. The token is
// only visible to scanners once that transaction commits.
func (l *Ledger) IssueTx(
	ctx context.Context,
	tx *database.Tx,
	carID int64,
	kind models.TokenKind,
	ttl time.Duration,
	ownerPhone string,
) (*Issued, error) {
	if ttl < 0 {
		ttl = 0
	}
	now := tx.Now()
	tok := models.QRToken{
		Token:     l.newToken(),
		CarID:     carID,
		Kind:      kind,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if ownerPhone != "" {
		tok.OwnerPhone = null.StringFrom(ownerPhone)
	}
	if err := tx.InsertToken(ctx, &tok); err != nil {
		return nil, fmt.Errorf("issue %s token for car %d: %w", kind, carID, err)
	}

	owner := ownerPhone
	if owner == "" {
		owner = "-"
	}
	payload := Scan{Token: tok.Token, CarID: carID, OwnerID: owner}.Text()
	return &Issued{Token: tok, Payload: payload, Link: l.DeepLink(payload)}, nil
}

// Lookup reads a token without consuming it. Callers use it to route a scan;
// the consuming transaction validates again.
func (l *Ledger) Lookup(ctx context.Context, token string) (*models.QRToken, error) {
	tok, err := l.db.GetToken(ctx, token)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrInvalid
		}
		return nil, err
	}
	return tok, nil
}

// Consume validates and burns a token of any kind in its own transaction.
func (l *Ledger) Consume(ctx context.Context, token string, carID int64, ownerID string) (*models.QRToken, error) {
	var tok *models.QRToken
	err := l.db.InTx(ctx, func(tx *database.Tx) error {
		var err error
		tok, err = l.ConsumeTx(ctx, tx, token, carID, ownerID, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return tok, nil
}

// ConsumeTx validates and burns a token inside the caller's transaction.
// An empty kind accepts either kind.
func (l *Ledger) ConsumeTx(
	ctx context.Context,
	tx *database.Tx,
	token string,
	carID int64,
	ownerID string,
	kind models.TokenKind,
) (*models.QRToken, error) {
	tok, err := tx.GetToken(ctx, token)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrInvalid
		}
		return nil, err
	}
	if kind != "" && tok.Kind != kind {
		return nil, fmt.Errorf("%w: %s token used for %s", ErrInvalid, tok.Kind, kind)
	}
	if tok.CarID != carID {
		return nil, ErrMismatch
	}
	if tok.OwnerPhone.Valid && tok.OwnerPhone.String != ownerID {
		return nil, ErrMismatch
	}
	if tok.Used {
		return nil, ErrAlreadyUsed
	}
	if tok.Expired(tx.Now()) {
		return nil, ErrExpired
	}

	ok, err := tx.MarkTokenUsedIf(ctx, token)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAlreadyUsed
	}
	tok.Used = true
	tok.UsedAt = null.TimeFrom(tx.Now())
	return tok, nil
}
