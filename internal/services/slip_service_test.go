package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func TestSlipService_GenerateSlip(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	t.Run("generates a labelled slip", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		service := NewSlipService(db, redisClient)

		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(3).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		redisMock.Regexp().ExpectSet(`slip:.+`, `.+`, slipTTL).SetVal("OK")

		reference, label, err := service.GenerateSlip(context.Background(), 3)
		assert.NoError(t, err)
		assert.NotEmpty(t, reference)
		assert.NotEmpty(t, label)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("unknown book", func(t *testing.T) {
		redisClient, _ := redismock.NewClientMock()
		service := NewSlipService(db, redisClient)

		mock.ExpectQuery("SELECT EXISTS").
			WithArgs(99).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		_, _, err := service.GenerateSlip(context.Background(), 99)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("redis unavailable", func(t *testing.T) {
		service := NewSlipService(db, nil)

		_, _, err := service.GenerateSlip(context.Background(), 3)
		assert.Error(t, err)
	})
}

func TestSlipService_RedeemSlip(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	reference := "8a2f33d1-0b65-4a5a-9c3d-7e41a2b90f12"
	payload, _ := json.Marshal(slipPayload{
		Reference: reference,
		BookID:    3,
		IssuedAt:  time.Now().Unix(),
	})

	t.Run("redeems once", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		service := NewSlipService(db, redisClient)

		redisMock.ExpectGet("slip:" + reference).SetVal(string(payload))
		redisMock.ExpectDel("slip:" + reference).SetVal(1)

		bookID, err := service.RedeemSlip(context.Background(), reference)
		assert.NoError(t, err)
		assert.Equal(t, 3, bookID)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("expired or unknown slip", func(t *testing.T) {
		redisClient, redisMock := redismock.NewClientMock()
		service := NewSlipService(db, redisClient)

		redisMock.ExpectGet("slip:" + reference).RedisNil()

		_, err := service.RedeemSlip(context.Background(), reference)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
