package monitor

import (
	"encoding/json"
	"net/http"
)

// StatsHandler serves the recorder snapshot as JSON.
func StatsHandler(recorder *Recorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(recorder.Stats())
	}
}

// AlertsHandler serves the currently firing alerts as JSON.
func AlertsHandler(alerter *Alerter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"alerts": alerter.ActiveAlerts(),
		})
	}
}
