package serverutils

import (
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, body io.Reader) Response[any] {
	t.Helper()
	var res Response[any]
	require.NoError(t, json.NewDecoder(body).Decode(&res))
	return res
}

func TestErrorHandlerMiddleware(t *testing.T) {
	app := fiber.New()
	app.Use(ErrorHandlerMiddleware())
	app.Get("/conflict", func(*fiber.Ctx) error { return fiber.NewError(fiber.StatusConflict, "busy") })
	app.Get("/boom", func(*fiber.Ctx) error { return errors.New("boom") })
	app.Get("/ok", func(c *fiber.Ctx) error { return c.JSON(SuccessResponse("fine", 1)) })

	tests := []struct {
		path    string
		code    int
		success bool
		message string
	}{
		{"/conflict", fiber.StatusConflict, false, "busy"},
		{"/boom", fiber.StatusInternalServerError, false, "boom"},
		{"/ok", fiber.StatusOK, true, "fine"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := app.Test(httptest.NewRequest("GET", tt.path, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.code, resp.StatusCode)
			body := decode(t, resp.Body)
			assert.Equal(t, tt.success, body.Success)
			assert.Equal(t, tt.message, body.Message)
		})
	}
}

func TestValidateRequest(t *testing.T) {
	type req struct {
		Question string  `validate:"required"`
		Pct      float64 `validate:"gte=0,lte=1"`
	}
	assert.NoError(t, ValidateRequest(req{Question: "q", Pct: 0.5}))

	err := ValidateRequest(req{Pct: 2})
	var fe *fiber.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fiber.StatusBadRequest, fe.Code)
	assert.Contains(t, fe.Message, "Question is required")
	assert.Contains(t, fe.Message, "Pct must be at most 1")
}

func TestJwtMiddleware(t *testing.T) {
	const secret = "s3cret"
	app := fiber.New()
	app.Get("/open", JwtMiddleware(""), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })
	app.Get("/closed", JwtMiddleware(secret), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals("subject").(string))
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/open", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/closed", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	bad, err := MintServiceToken("other", "bridge", time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest("GET", "/closed", nil)
	req.Header.Set("Authorization", "Bearer "+bad)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	good, err := MintServiceToken(secret, "bridge", time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest("GET", "/closed", nil)
	req.Header.Set("Authorization", "Bearer "+good)
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "bridge", string(body))
}
