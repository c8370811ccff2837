package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	BadRequest(rec, "bad waypoint")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "bad waypoint", resp["error"])
}

func TestWriteJSONOK(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSONOK(rec, map[string]int{"cycles": 3})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cycles":3}`, rec.Body.String())
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	type body struct {
		Speed float64 `json:"speed"`
	}
	tests := []struct {
		in      string
		wantErr bool
	}{
		{`{"speed":0.3}`, false},
		{`{"speed":0.3}  `, false},
		{`{"speed":"fast"}`, true},
		{`{"speed":0.3,"turbo":true}`, true},
		{`{"speed":0.3}{}`, true},
		{``, true},
	}
	for _, tt := range tests {
		var got body
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.in))
		err := DecodeJSON(req, &got)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, 0.3, got.Speed)
	}
}

func TestMockHTTPClient(t *testing.T) {
	t.Parallel()

	m := NewMockHTTPClient().
		AddResponse(http.StatusCreated, `{"ok":true}`).
		AddErrorResponse(errors.New("refused"))

	req := httptest.NewRequest(http.MethodPost, "http://robot/api/reference", strings.NewReader(`{"speed":1}`))
	resp, err := m.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	_, err = m.Do(httptest.NewRequest(http.MethodGet, "http://robot/api/estimate", nil))
	assert.EqualError(t, err, "refused")

	resp, err = m.Do(httptest.NewRequest(http.MethodGet, "http://robot/api/stats", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 3, m.RequestCount())
	first, body := m.Request(0)
	assert.Equal(t, "/api/reference", first.URL.Path)
	assert.Equal(t, `{"speed":1}`, body)
	missing, _ := m.Request(7)
	assert.Nil(t, missing)
}
