package exchange

import (
	"errors"
	"grid-trading-engine/internal/models"
	"regexp"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestAdjustToStep(t *testing.T) {
	assert.Equal(t, "0.123", formatDecimal(adjustToStep(0.12399, "0.00100000")))
	assert.Equal(t, "12", formatDecimal(adjustToStep(12.9, "1.00000000")))
	assert.Equal(t, "27350.1", formatDecimal(adjustToStep(27350.17, "0.10000000")))
	assert.Equal(t, "0", formatDecimal(adjustToStep(0.0004, "0.001")))
	// unparsable step leaves the value untouched
	assert.Equal(t, "1.5", formatDecimal(adjustToStep(1.5, "")))
}

func TestAvgPrice(t *testing.T) {
	assert.Equal(t, 100.0, avgPrice("250.0", "2.5"))
	assert.Zero(t, avgPrice("0", "0"))
}

func TestClientOrderID(t *testing.T) {
	valid := regexp.MustCompile(`^[\.A-Z\:/a-z0-9_-]{1,36}$`)

	id := uuid.New().String()
	a := ClientOrderID("gl", id)
	b := ClientOrderID("gl", id)
	assert.Equal(t, a, b, "client order id must be deterministic per ledger row")
	assert.Regexp(t, valid, a)
	assert.NotEqual(t, a, ClientOrderID("gl", uuid.New().String()))

	long := ClientOrderID("ib", "strategy-with-a-very-long-identifier-that-keeps-going")
	assert.LessOrEqual(t, len(long), 36)
	assert.Regexp(t, valid, long)
}

func TestWrapAPIError(t *testing.T) {
	err := wrapAPIError("get_order", &common.APIError{Code: -2013, Message: "Order does not exist."})
	assert.ErrorIs(t, err, models.ErrOrderNotFound)

	err = wrapAPIError("submit_order", &common.APIError{Code: -1003, Message: "Too many requests."})
	var apiErr *models.BrokerAPIError
	assert.True(t, errors.As(err, &apiErr))
	assert.Equal(t, int64(-1003), apiErr.Code)

	err = wrapAPIError("list_orders", errors.New("dial tcp: i/o timeout"))
	assert.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "list_orders", apiErr.Op)
}
