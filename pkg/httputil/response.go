package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cwrk-planet/match-service/pkg/errs"
)

type envelope map[string]any

func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write json response failed", slog.Any("err", err))
	}
}

// OK writes data wrapped as {"data": ...}.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, envelope{"data": data})
}

// Error writes {"error": {"message": msg}} with the status errs maps err to.
func Error(w http.ResponseWriter, err error, msg string) {
	if msg == "" {
		msg = err.Error()
	}
	JSON(w, errs.ToHTTP(err), envelope{
		"error": envelope{"message": msg},
	})
}
