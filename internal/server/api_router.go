package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/cbeuw/mplex/internal/server/usage"
	gmux "github.com/gorilla/mux"
)

type APIRouter struct {
	*gmux.Router
	sta *State
}

func APIRouterOf(sta *State) *APIRouter {
	ret := &APIRouter{
		sta: sta,
	}
	ret.registerMux()
	return ret
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (ar *APIRouter) registerMux() {
	ar.Router = gmux.NewRouter()
	ar.HandleFunc("/admin/sessions", ar.listSessionsHlr).Methods("GET")
	ar.HandleFunc("/admin/sessions/{ID}", ar.getSessionHlr).Methods("GET")
	ar.HandleFunc("/admin/sessions/{ID}", ar.closeSessionHlr).Methods("DELETE")
	ar.HandleFunc("/admin/records", ar.listRecordsHlr).Methods("GET")
	ar.HandleFunc("/admin/records/{Seq}", ar.getRecordHlr).Methods("GET")
	ar.HandleFunc("/admin/records/{Seq}", ar.deleteRecordHlr).Methods("DELETE")
	ar.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", "GET,DELETE,OPTIONS")
	})
	ar.Use(corsMiddleware)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	resp, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

func (ar *APIRouter) listSessionsHlr(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ar.sta.ListSessions())
}

func sessionIDOf(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	id, err := strconv.ParseUint(gmux.Vars(r)["ID"], 10, 32)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return uint32(id), true
}

func (ar *APIRouter) getSessionHlr(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDOf(w, r)
	if !ok {
		return
	}
	info, err := ar.sta.GetSession(id)
	if err == ErrSessionNotFound {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, info)
}

func (ar *APIRouter) closeSessionHlr(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionIDOf(w, r)
	if !ok {
		return
	}
	err := ar.sta.CloseSession(id, "closed by admin")
	if err == ErrSessionNotFound {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (ar *APIRouter) listRecordsHlr(w http.ResponseWriter, r *http.Request) {
	records, err := ar.sta.Recorder.ListRecords()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, records)
}

func recordSeqOf(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	seq, err := strconv.ParseUint(gmux.Vars(r)["Seq"], 10, 64)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return seq, true
}

func recordErrStatus(err error) int {
	switch err {
	case usage.ErrRecordNotFound:
		return http.StatusNotFound
	case usage.ErrRecordingDisabled:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (ar *APIRouter) getRecordHlr(w http.ResponseWriter, r *http.Request) {
	seq, ok := recordSeqOf(w, r)
	if !ok {
		return
	}
	record, err := ar.sta.Recorder.GetRecord(seq)
	if err != nil {
		http.Error(w, err.Error(), recordErrStatus(err))
		return
	}
	writeJSON(w, record)
}

func (ar *APIRouter) deleteRecordHlr(w http.ResponseWriter, r *http.Request) {
	seq, ok := recordSeqOf(w, r)
	if !ok {
		return
	}
	if err := ar.sta.Recorder.DeleteRecord(seq); err != nil {
		http.Error(w, err.Error(), recordErrStatus(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}
