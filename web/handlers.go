package web

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"locator-go/fusion"
	"locator-go/server"
	"locator-go/venue"
)

type deviceRequest struct {
	MAC  *string `json:"mac_address"`
	Name *string `json:"name"`
}

type placeRequest struct {
	Name              *string  `json:"name"`
	Width             *float64 `json:"width"`
	Height            *float64 `json:"height"`
	OneMeterRSSI      *float64 `json:"one_meter_rssi"`
	PropagationFactor *float64 `json:"propagation_factor"`
	Anchors           any      `json:"esp_positions"`
}

type placeResponse struct {
	ID                string                  `json:"id"`
	Name              string                  `json:"name"`
	Width             float64                 `json:"width"`
	Height            float64                 `json:"height"`
	OneMeterRSSI      float64                 `json:"one_meter_rssi"`
	PropagationFactor float64                 `json:"propagation_factor"`
	Anchors           map[string]fusion.Point `json:"esp_positions"`
}

type currentLocationRequest struct {
	MAC   string `json:"macAddress"`
	Place string `json:"placeName"`
}

func toPlace(v fusion.Venue) placeResponse {
	return placeResponse{
		ID:                v.ID,
		Name:              v.Name,
		Width:             v.Width,
		Height:            v.Height,
		OneMeterRSSI:      v.Calibration.OneMeterRSSI,
		PropagationFactor: v.Calibration.PropagationFactor,
		Anchors:           v.Anchors,
	}
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &server.ValidationError{Msg: "invalid request body: " + err.Error(), Err: err}
	}
	return nil
}

func required(field string) error {
	return &server.ValidationError{Field: field, Msg: "is required"}
}

// pathParam returns the unescaped chi parameter; MACs arrive percent-encoded.
func pathParam(r *http.Request, key string) string {
	raw := chi.URLParam(r, key)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

// Devices

func (s *Server) createDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.MAC == nil {
		s.writeError(w, r, required("mac_address"))
		return
	}
	if req.Name == nil {
		s.writeError(w, r, required("name"))
		return
	}
	d, err := s.svc.CreateDevice(r.Context(), *req.MAC, *req.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	ds, err := s.svc.ListDevices(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.GetDevice(r.Context(), pathParam(r, "mac"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) updateDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.svc.UpdateDevice(r.Context(), pathParam(r, "mac"), server.DevicePatch{MAC: req.MAC, Name: req.Name})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteDevice(r.Context(), pathParam(r, "mac")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Places

func (s *Server) createPlace(w http.ResponseWriter, r *http.Request) {
	var req placeRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	switch {
	case req.Name == nil:
		s.writeError(w, r, required("name"))
		return
	case req.Width == nil:
		s.writeError(w, r, required("width"))
		return
	case req.Height == nil:
		s.writeError(w, r, required("height"))
		return
	case req.OneMeterRSSI == nil:
		s.writeError(w, r, required("one_meter_rssi"))
		return
	case req.PropagationFactor == nil:
		s.writeError(w, r, required("propagation_factor"))
		return
	}
	v, err := s.svc.CreateVenue(r.Context(), venue.Spec{
		Name:              *req.Name,
		Width:             *req.Width,
		Height:            *req.Height,
		OneMeterRSSI:      *req.OneMeterRSSI,
		PropagationFactor: *req.PropagationFactor,
		Anchors:           req.Anchors,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPlace(v))
}

func (s *Server) listPlaces(w http.ResponseWriter, r *http.Request) {
	vs, err := s.svc.ListVenues(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]placeResponse, len(vs))
	for i, v := range vs {
		out[i] = toPlace(v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getPlace(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.GetVenue(r.Context(), pathParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlace(v))
}

func (s *Server) updatePlace(w http.ResponseWriter, r *http.Request) {
	var patch server.VenuePatch
	if err := decode(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}
	v, err := s.svc.UpdateVenue(r.Context(), pathParam(r, "name"), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlace(v))
}

func (s *Server) deletePlace(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteVenue(r.Context(), pathParam(r, "name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Readings and locations

func (s *Server) createReading(w http.ResponseWriter, r *http.Request) {
	var in server.ReadingInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.svc.IngestReading(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) currentLocation(w http.ResponseWriter, r *http.Request) {
	var req currentLocationRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	loc, err := s.svc.CurrentLocation(r.Context(), req.MAC, req.Place)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Server) latestLocations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Hub.Latest())
}

func (s *Server) historicLocation(w http.ResponseWriter, r *http.Request) {
	hist, err := s.svc.History(r.Context(), pathParam(r, "mac"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}
