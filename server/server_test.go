package server

import (
	"encoding/json"
	"go/types"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHumanPayload(t *testing.T) {
	w := httptest.NewRecorder()
	HumanPayload{T: types.Float64, Float: 2.5}.EncodeAndRespond(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var f FloatT
	require.NoError(t, json.NewDecoder(w.Body).Decode(&f))
	assert.Equal(t, 2.5, f.F64)

	w = httptest.NewRecorder()
	HumanPayload{T: types.Complex128}.EncodeAndRespond(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRouteTable(t *testing.T) {
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) }
	rt := RouteTable{
		{http.MethodPost, "/run"}:     ok,
		{http.MethodGet, "/run/last"}: ok,
		{http.MethodGet, "/lock"}:     ok,
		{http.MethodPost, "/lock"}:    ok,
	}
	assert.Equal(t, []string{"GET /lock", "POST /lock", "POST /run", "GET /run/last"}, rt.Endpoints())

	r := chi.NewRouter()
	rt.Bind(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/run/last", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/run", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestSubMuxSanitize(t *testing.T) {
	for _, in := range []string{"lab/seq", "/lab/seq", "/lab/seq/", "lab/seq/*"} {
		assert.Equal(t, "/lab/seq", SubMuxSanitize(in))
	}
}
