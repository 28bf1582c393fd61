package http

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/nacsos/meta-cache/internal/domain"
)

// Store is the slice of the persistence layer the API needs.
type Store interface {
	QueueRequests(ctx context.Context, refs []domain.Reference, sources domain.SourceList, onConflict domain.OnConflict) (int, error)
	LookupRequests(ctx context.Context, refs []domain.Reference, limit int) ([]domain.Request, error)
}

// Notifier wakes workers after an enqueue. Optional; nil means workers poll.
type Notifier interface {
	Wake(ctx context.Context, tags []domain.SourceTag) error
}

type Handler struct {
	store    Store
	notifier Notifier
	log      *zap.SugaredLogger
}

func NewHandler(store Store, notifier Notifier, log *zap.SugaredLogger) *Handler {
	return &Handler{store: store, notifier: notifier, log: log}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

type enqueueRequest struct {
	References []domain.Reference `json:"references"`
	Sources    domain.SourceList  `json:"sources,omitempty"`
	OnConflict *int               `json:"on_conflict,omitempty"`
}

type enqueueResponse struct {
	Queued int `json:"queued"`
}

// Enqueue adds references to the fetch queue. Omitting sources leaves the
// default source order to the worker; on_conflict defaults to do-nothing.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.References) == 0 {
		writeError(w, http.StatusBadRequest, "references are required")
		return
	}

	onConflict := domain.ConflictDoNothing
	if req.OnConflict != nil {
		oc := domain.OnConflict(*req.OnConflict)
		switch oc {
		case domain.ConflictForce, domain.ConflictDoNothing, domain.ConflictRetryAbstract, domain.ConflictRetryRaw:
			onConflict = oc
		default:
			writeError(w, http.StatusBadRequest, "unknown on_conflict strategy")
			return
		}
	}

	queued, err := h.store.QueueRequests(r.Context(), req.References, req.Sources, onConflict)
	if err != nil {
		h.log.Errorw("enqueue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue references")
		return
	}

	if h.notifier != nil && queued > 0 {
		tags := make([]domain.SourceTag, 0, len(req.Sources))
		if req.Sources != nil {
			for _, step := range req.Sources {
				tags = append(tags, step.Source)
			}
		} else {
			for _, step := range domain.DefaultSources() {
				tags = append(tags, step.Source)
			}
		}
		if err := h.notifier.Wake(r.Context(), tags); err != nil {
			// Workers poll as a fallback; a dead bus only delays them.
			h.log.Warnw("failed to wake workers", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, enqueueResponse{Queued: queued})
}

type lookupRequest struct {
	References []domain.Reference `json:"references"`
	Limit      int                `json:"limit,omitempty"`
}

type lookupRecord struct {
	domain.Reference
	Wrapper     string          `json:"wrapper"`
	Title       string          `json:"title,omitempty"`
	Abstract    string          `json:"abstract,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"`
	TimeCreated string          `json:"time_created"`
}

type lookupResponse struct {
	Records []lookupRecord `json:"records"`
}

// Lookup returns cached response records matching any identifier of the
// given references. It never triggers a provider call.
func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	var req lookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.References) == 0 {
		writeError(w, http.StatusBadRequest, "references are required")
		return
	}

	records, err := h.store.LookupRequests(r.Context(), req.References, req.Limit)
	if err != nil {
		h.log.Errorw("lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to look up references")
		return
	}

	out := lookupResponse{Records: make([]lookupRecord, 0, len(records))}
	for i := range records {
		out.Records = append(out.Records, lookupRecord{
			Reference:   records[i].Reference,
			Wrapper:     string(records[i].Wrapper),
			Title:       records[i].Title,
			Abstract:    records[i].Abstract,
			Raw:         records[i].Raw,
			TimeCreated: records[i].TimeCreated.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	writeJSON(w, http.StatusOK, out)
}
