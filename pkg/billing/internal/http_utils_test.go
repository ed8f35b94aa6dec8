package internal

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadBodyStrict(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"ok":true}`))
	body, err := ReadBodyStrict(w, req, 1024)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(body))
}

func TestReadBodyStrict_Empty(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	_, err := ReadBodyStrict(w, req, 1024)
	assert.ErrorIs(t, err, ErrEmptyBody)
}

func TestReadBodyStrict_TooLarge(t *testing.T) {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 2048)))
	_, err := ReadBodyStrict(w, req, 1024)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	require.NoError(t, WriteJSON(w, http.StatusAccepted, map[string]string{"message": "ok"}))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"message":"ok"}`, w.Body.String())
}
