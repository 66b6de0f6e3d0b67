package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"vless-manager/internal/manager"
	"vless-manager/internal/share"
)

type Response struct {
	Code int         `json:"code"`
	Msg  string      `json:"msg"`
	Data interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func OK(data interface{}) Response {
	return Response{Code: 0, Msg: "success", Data: data}
}

func Err(msg string) Response {
	return Response{Code: 1, Msg: msg}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrNotInitialized):
		writeJSON(w, http.StatusConflict, Err(err.Error()))
	case errors.Is(err, manager.ErrDuplicateUser), errors.Is(err, share.ErrUnsupportedProtocol):
		writeJSON(w, http.StatusBadRequest, Err(err.Error()))
	case errors.Is(err, manager.ErrUserNotFound):
		writeJSON(w, http.StatusNotFound, Err(err.Error()))
	default:
		writeJSON(w, http.StatusInternalServerError, Err(err.Error()))
	}
}
