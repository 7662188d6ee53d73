package handler

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"plantcare/internal/auth"
	"plantcare/internal/diagnosis"
	"plantcare/internal/plant"
)

const maxImageBytes = 10 << 20

type PlantHandler struct {
	Svc       *plant.Service
	Diagnosis *diagnosis.Service
	Log       *slog.Logger
}

const dateLayout = "2006-01-02"

type plantDTO struct {
	ID                    uint64    `json:"id"`
	Name                  string    `json:"name"`
	Species               string    `json:"species"`
	Description           string    `json:"description"`
	ImagePath             string    `json:"image_path"`
	WateringFrequencyDays int       `json:"watering_frequency_days"`
	LastWateredDate       *string   `json:"last_watered_date"`
	NextWateringDate      *string   `json:"next_watering_date"`
	IsActive              bool      `json:"is_active"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(dateLayout)
	return &s
}

func toPlantDTO(p *plant.Plant) plantDTO {
	return plantDTO{
		ID:                    p.ID,
		Name:                  p.Name,
		Species:               p.Species,
		Description:           p.Description,
		ImagePath:             p.ImagePath,
		WateringFrequencyDays: p.WateringFrequencyDays,
		LastWateredDate:       formatDate(p.LastWateredDate),
		NextWateringDate:      formatDate(p.NextWateringDate),
		IsActive:              p.IsActive,
		CreatedAt:             p.CreatedAt,
		UpdatedAt:             p.UpdatedAt,
	}
}

type createPlantReq struct {
	Name                  string  `json:"name" validate:"required,max=100"`
	Species               string  `json:"species" validate:"max=100"`
	Description           string  `json:"description"`
	WateringFrequencyDays *int    `json:"watering_frequency_days" validate:"omitempty,gt=0,lte=365"`
	LastWateredDate       *string `json:"last_watered_date" validate:"omitempty,datetime=2006-01-02"`
}

func (h *PlantHandler) Create(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	var req createPlantReq
	if !decode(w, r, &req) {
		return
	}

	in := plant.CreateInput{
		Name:                  req.Name,
		Species:               req.Species,
		Description:           req.Description,
		WateringFrequencyDays: plant.DefaultWateringFrequencyDays,
	}
	if req.WateringFrequencyDays != nil {
		in.WateringFrequencyDays = *req.WateringFrequencyDays
	}
	if req.LastWateredDate != nil {
		d, err := time.Parse(dateLayout, *req.LastWateredDate)
		if err != nil {
			http.Error(w, "invalid last_watered_date (YYYY-MM-DD)", http.StatusBadRequest)
			return
		}
		in.LastWateredDate = &d
	}

	p, err := h.Svc.Create(r.Context(), uid, in)
	if err != nil {
		fail(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPlantDTO(p))
}

func (h *PlantHandler) List(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())

	plants, err := h.Svc.List(r.Context(), uid, r.URL.Query().Get("include_inactive") == "true")
	if err != nil {
		fail(w, h.Log, err)
		return
	}
	out := make([]plantDTO, 0, len(plants))
	for i := range plants {
		out = append(out, toPlantDTO(&plants[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *PlantHandler) Get(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	p, err := h.Svc.Get(r.Context(), uid, id)
	if err != nil {
		fail(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlantDTO(p))
}

type updatePlantReq struct {
	Name                  *string `json:"name" validate:"omitempty,min=1,max=100"`
	Species               *string `json:"species" validate:"omitempty,max=100"`
	Description           *string `json:"description"`
	WateringFrequencyDays *int    `json:"watering_frequency_days" validate:"omitempty,gt=0,lte=365"`
}

func (h *PlantHandler) Update(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	var req updatePlantReq
	if !decode(w, r, &req) {
		return
	}

	p, err := h.Svc.Update(r.Context(), uid, id, plant.UpdateInput{
		Name:                  req.Name,
		Species:               req.Species,
		Description:           req.Description,
		WateringFrequencyDays: req.WateringFrequencyDays,
	})
	if err != nil {
		fail(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlantDTO(p))
}

func (h *PlantHandler) Delete(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.Svc.Deactivate(r.Context(), uid, id); err != nil {
		fail(w, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type waterReq struct {
	Note string `json:"note" validate:"max=500"`
}

func (h *PlantHandler) Water(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	var req waterReq
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}

	log, err := h.Svc.MarkWateredToday(r.Context(), uid, id, req.Note)
	if err != nil {
		fail(w, h.Log, err)
		return
	}
	p, err := h.Svc.Get(r.Context(), uid, id)
	if err != nil {
		fail(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"log": log, "plant": toPlantDTO(p)})
}

func (h *PlantHandler) Logs(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	logs, err := h.Svc.Logs(r.Context(), uid, id)
	if err != nil {
		fail(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": logs})
}

func (h *PlantHandler) Diagnoses(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}

	out, err := h.Svc.Diagnoses(r.Context(), uid, id)
	if err != nil {
		fail(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

// Diagnose accepts a multipart upload with the photo in the "image" field.
func (h *PlantHandler) Diagnose(w http.ResponseWriter, r *http.Request) {
	uid, _ := auth.UserIDFromContext(r.Context())
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if h.Diagnosis == nil {
		http.Error(w, "diagnosis not configured", http.StatusServiceUnavailable)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes+1<<20)
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		http.Error(w, "invalid upload", http.StatusBadRequest)
		return
	}
	f, hdr, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "image is required", http.StatusBadRequest)
		return
	}
	defer f.Close()

	img, err := io.ReadAll(io.LimitReader(f, maxImageBytes+1))
	if err != nil {
		http.Error(w, "invalid upload", http.StatusBadRequest)
		return
	}
	if len(img) > maxImageBytes {
		http.Error(w, "image too large", http.StatusRequestEntityTooLarge)
		return
	}

	d, err := h.Diagnosis.Diagnose(r.Context(), uid, id, img, hdr.Filename)
	if err != nil {
		fail(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}
