package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cause := errors.New("connection reset")

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"validation", Validation("Incomplete Address", "pincode"), http.StatusBadRequest},
		{"unauthenticated", ErrUnauthenticated, http.StatusUnauthorized},
		{"wrapped unauthenticated", fmt.Errorf("create order: %w", ErrUnauthenticated), http.StatusUnauthorized},
		{"forbidden", ErrForbidden, http.StatusForbidden},
		{"not found", ErrNotFound, http.StatusNotFound},
		{"conflict", fmt.Errorf("order delivered: %w", ErrConflict), http.StatusConflict},
		{"persistence", Persistence("insert order", cause), http.StatusBadGateway},
		{"unknown", cause, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := Validation("Incomplete Address", "phone", "pincode")
	assert.Equal(t, "Incomplete Address: missing or invalid phone, pincode", err.Error())
	assert.Equal(t, "Incomplete Address", Validation("Incomplete Address").Error())
}

func TestPersistenceUnwrapsAndDoesNotDoubleWrap(t *testing.T) {
	cause := errors.New("deadlock detected")
	err := Persistence("insert order items", cause)

	assert.True(t, errors.Is(err, cause))
	assert.Same(t, err, Persistence("create order", err))
	assert.Nil(t, Persistence("noop", nil))
}
