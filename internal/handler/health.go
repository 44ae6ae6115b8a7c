package handler

import "net/http"

// ConnCounter — число открытых соединений (ws.Hub).
type ConnCounter interface {
	Len() int
}

// Health отвечает 200, пока процесс жив; в теле — число соединений.
func Health(hub ConnCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connections": hub.Len()})
	}
}
