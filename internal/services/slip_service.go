package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
)

// SlipService issues short-lived checkout slips: QR labels encoding a
// one-time reference to a book. Scanning a slip at the desk borrows the
// book for the scanning user without typing the book ID. Slips live in
// Redis with a TTL and are consumed on first use; they never touch the
// copy counts, so an expired or duplicate scan costs nothing.
type SlipService struct {
	db    *sql.DB
	redis *redis.Client
}

const slipTTL = 10 * time.Minute

type slipPayload struct {
	Reference string `json:"reference"`
	BookID    int    `json:"bookId"`
	IssuedAt  int64  `json:"issuedAt"`
}

func NewSlipService(db *sql.DB, redisClient *redis.Client) *SlipService {
	return &SlipService{db: db, redis: redisClient}
}

// GenerateSlip creates a checkout slip for the book and renders it as a QR
// label. Returns the slip reference and a base64 PNG.
func (s *SlipService) GenerateSlip(ctx context.Context, bookID int) (string, string, error) {
	if s.redis == nil {
		return "", "", fmt.Errorf("checkout slips require redis")
	}

	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM books WHERE id = $1)", bookID).Scan(&exists)
	if err != nil {
		return "", "", err
	}
	if !exists {
		return "", "", ErrNotFound
	}

	payload := slipPayload{
		Reference: uuid.NewString(),
		BookID:    bookID,
		IssuedAt:  time.Now().Unix(),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}

	key := fmt.Sprintf("slip:%s", payload.Reference)
	if err := s.redis.Set(ctx, key, jsonData, slipTTL).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(payload.Reference, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	return payload.Reference, base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// RedeemSlip consumes a slip reference and returns the book it points at.
// A slip can be redeemed once; a second scan fails.
func (s *SlipService) RedeemSlip(ctx context.Context, reference string) (int, error) {
	if s.redis == nil {
		return 0, fmt.Errorf("checkout slips require redis")
	}

	key := fmt.Sprintf("slip:%s", reference)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return 0, fmt.Errorf("%w: invalid or expired slip", ErrNotFound)
	}
	if err != nil {
		return 0, err
	}

	var payload slipPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return 0, err
	}

	s.redis.Del(ctx, key)

	return payload.BookID, nil
}
