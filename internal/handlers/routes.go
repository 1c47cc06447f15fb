package handlers

import (
	"errors"
	"net/http"

	"github.com/Brownie44l1/fer-ig/internal/attribution"
	"github.com/Brownie44l1/fer-ig/internal/model"
	"github.com/Brownie44l1/fer-ig/internal/preprocess"
)

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", enableCORS(h.Health))
	mux.HandleFunc("/predict", enableCORS(h.Predict))
	mux.HandleFunc("/predict/image", enableCORS(h.PredictFromImage))
	mux.HandleFunc("/explain/image", enableCORS(h.ExplainFromImage))
	mux.HandleFunc("/runs", enableCORS(h.Runs))
	return mux
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidClass),
		errors.Is(err, model.ErrInvalidInput),
		errors.Is(err, attribution.ErrInvalidSteps),
		errors.Is(err, preprocess.ErrEmptyImage):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
