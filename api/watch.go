/*
watch.go - Realtime listeners exposed as server-sent events

Each endpoint attaches a docstore subscription and streams committed
snapshots to the client until it disconnects. Presentation reads only: the
engines never make decisions from this data.
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tillpoint/stock-engine/docstore"
	"github.com/tillpoint/stock-engine/ledger"
)

func (h *Handler) WatchItems(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	sub, err := v.Engine.WatchItems(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.streamSnapshots(w, r, sub, func(docs []docstore.Document) any {
		out := make([]ItemDTO, 0, len(docs))
		for _, d := range docs {
			out = append(out, itemDTO(ledger.DecodeItem(d.ID, d.Fields)))
		}
		return out
	})
}

func (h *Handler) WatchItemLogs(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	sub, err := v.Engine.WatchLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.streamSnapshots(w, r, sub, func(docs []docstore.Document) any {
		out := make([]LogDTO, 0, len(docs))
		for _, d := range docs {
			out = append(out, logDTO(ledger.DecodeLog(d.ID, d.Fields)))
		}
		return out
	})
}

func (h *Handler) WatchSales(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	sub, err := v.Sales.WatchSales(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.streamSnapshots(w, r, sub, nil)
}

func (h *Handler) WatchTransactions(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	sub, err := v.Accumulator.WatchTransactions(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.streamSnapshots(w, r, sub, nil)
}

func (h *Handler) WatchSummary(w http.ResponseWriter, r *http.Request) {
	v := h.vertical(w, r)
	if v == nil {
		return
	}
	sub, err := v.Accumulator.WatchSummary(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	h.streamSnapshots(w, r, sub, nil)
}

// streamSnapshots writes each snapshot as one SSE data frame. transform may
// be nil, in which case the raw documents are sent.
func (h *Handler) streamSnapshots(w http.ResponseWriter, r *http.Request, sub *docstore.Subscription, transform func([]docstore.Document) any) {
	defer sub.Cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, r, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, open := <-sub.C:
			if !open {
				return
			}
			var payload any = snap.Docs
			if transform != nil {
				payload = transform(snap.Docs)
			}
			body, err := json.Marshal(payload)
			if err != nil {
				h.log.WithError(err).Warn("encode snapshot")
				continue
			}
			if _, err := w.Write([]byte("data: " + string(body) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
