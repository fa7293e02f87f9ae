package api

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(h *Handlers) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.HandleReady(w, r)
	})
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			h.HandleCreateSession(w, r)
		case http.MethodGet:
			h.HandleListSessions(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/sessions/", func(w http.ResponseWriter, r *http.Request) {
		// /sessions/{id} | /conversation | /voice | /messages | /events | /state | /close
		path := strings.TrimSuffix(r.URL.Path, "/")
		const prefix = "/sessions/"
		if !strings.HasPrefix(path, prefix) {
			http.NotFound(w, r)
			return
		}
		rest := strings.TrimPrefix(path, prefix)
		parts := strings.Split(rest, "/")
		if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
			http.NotFound(w, r)
			return
		}
		id := parts[0]
		tail := ""
		if len(parts) > 1 {
			tail = parts[1]
		}

		method := http.MethodPost
		var handle func(http.ResponseWriter, *http.Request, string)
		switch tail {
		case "":
			method, handle = http.MethodGet, h.HandleGetSession
		case "conversation":
			handle = h.HandleConversation
		case "voice":
			handle = h.HandleVoice
		case "messages":
			handle = h.HandleMessage
		case "close":
			handle = h.HandleCloseSession
		case "events":
			method, handle = http.MethodGet, h.HandleListEvents
		case "state":
			method, handle = http.MethodGet, h.HandleState
		default:
			http.NotFound(w, r)
			return
		}
		if r.Method != method {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handle(w, r, id)
	})

	return mux
}
