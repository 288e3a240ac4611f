package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0712345678", "254712345678"},
		{"0112345678", "254112345678"},
		{"+254712345678", "254712345678"},
		{"254712345678", "254712345678"},
		{"712345678", "254712345678"},
		{" 0712 345 678 ", "254712345678"},

		{"", ""},
		{"0812345678", ""},    // not a mobile prefix
		{"25471234567", ""},   // too short
		{"2547123456789", ""}, // too long
		{"hello", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, NormalizePhone(tc.in), "NormalizePhone(%q)", tc.in)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("buyerId", ""),
		ValidPhone("mpesaNumber", "12"),
		PositiveAmount("downPaymentAmount", decimal.Zero),
		PositiveAmount("totalAmount", decimal.RequireFromString("10.005")),
		OneOf("paymentMethod", "CASH", "MPESA_STK", "PAYBILL"),
		Check(true, "ok", "never reported"),
	)

	assert.Len(t, errs, 5)
	assert.Equal(t, "buyerId: is required", errs.Error())
	assert.Equal(t, "mpesaNumber", errs[1].Field)
	assert.Equal(t, "must have at most two decimal places", errs[3].Message)
}

func TestValidate_AllPass(t *testing.T) {
	errs := Validate(
		Required("buyerId", "buyer_1"),
		ValidPhone("mpesaNumber", ""),
		PositiveAmount("amount", decimal.RequireFromString("40000.50")),
		MaxLength("reference", "QK12AB", MaxStringLength),
	)
	assert.Empty(t, errs)
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "abc", SanitizeString("  a\x00bc  ", 10))
	assert.Equal(t, "ab", SanitizeString("abcdef", 2))
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/units/:id", IDParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/units/unit_abc-1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/units/bad%20id", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestValidEmail(t *testing.T) {
	assert.Nil(t, ValidEmail("email", "")())
	assert.Nil(t, ValidEmail("email", "wanjiku@example.co.ke")())
	assert.NotNil(t, ValidEmail("email", "not-an-email")())
	assert.NotNil(t, ValidEmail("email", "Wanjiku <wanjiku@example.co.ke>")(), "display names are rejected")
}
