package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locator-go/fusion"
	"locator-go/logging"
	"locator-go/server"
	"locator-go/store"
)

const mac = "AA:BB:CC:DD:EE:FF"

type testEnv struct {
	srv    *Server
	ts     *httptest.Server
	cancel context.CancelFunc
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := logging.NewNop()
	loc, err := fusion.NewLocator(fusion.DefaultLocatorConfig())
	require.NoError(t, err)

	hub := NewHub(log)
	metrics := NewMetrics()
	metrics.RegisterHubGauge(hub)
	svc := server.NewService(store.NewMemory(0), loc,
		server.WithLogger(log),
		server.WithPublisher(hub),
		server.WithObserver(metrics),
	)
	srv := NewServer(svc, hub, metrics, log, Options{AllowedOrigins: []string{"http://localhost:5173"}})

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return &testEnv{srv: srv, ts: ts, cancel: cancel}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			rd = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e *testEnv) seed(t *testing.T) placeResponse {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/places", map[string]any{
		"name": "Office", "width": 20, "height": 10, "one_meter_rssi": -45.5, "propagation_factor": 2.1,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var place placeResponse
	require.NoError(t, json.Unmarshal(body, &place))

	resp, body = e.do(t, http.MethodPost, "/devices", map[string]string{"mac_address": mac, "name": "badge"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	return place
}

func (e *testEnv) postReadings(t *testing.T, placeID string, pairs ...any) {
	t.Helper()
	base := time.Date(2025, 3, 14, 14, 0, 0, 0, time.UTC)
	for i := 0; i < len(pairs); i += 2 {
		resp, body := e.do(t, http.MethodPost, "/readings", map[string]string{
			"m": mac, "r": pairs[i+1].(string), "espID": pairs[i].(string), "placeID": placeID,
			"t": base.Add(time.Duration(i/2) * time.Second).Format(time.RFC3339),
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	}
}

func errorOf(t *testing.T, body []byte) string {
	t.Helper()
	var e errorBody
	require.NoError(t, json.Unmarshal(body, &e), string(body))
	return e.Error
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestDevicesAPI(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodPost, "/devices", map[string]string{"mac_address": mac, "name": "badge"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var d store.Device
	require.NoError(t, json.Unmarshal(body, &d))
	assert.Equal(t, mac, d.MAC)

	resp, body = e.do(t, http.MethodPost, "/devices", map[string]string{"mac_address": mac, "name": "again"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorOf(t, body), "already exists")

	resp, _ = e.do(t, http.MethodPost, "/devices", map[string]string{"mac_address": "11:22"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/devices", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/devices", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ds []store.Device
	require.NoError(t, json.Unmarshal(body, &ds))
	assert.Len(t, ds, 1)

	resp, _ = e.do(t, http.MethodGet, "/devices/"+mac, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/devices/00:00", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = e.do(t, http.MethodPatch, "/devices/"+mac, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorOf(t, body), "at least one field")

	resp, body = e.do(t, http.MethodPatch, "/devices/"+mac, map[string]string{"name": "visitor"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &d))
	assert.Equal(t, "visitor", d.Name)

	resp, _ = e.do(t, http.MethodDelete, "/devices/"+mac, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = e.do(t, http.MethodDelete, "/devices/"+mac, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPlacesAPI(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodPost, "/places", map[string]any{"name": "Office", "width": 20, "height": 10, "one_meter_rssi": -45.5})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorOf(t, body), "propagation_factor")

	resp, body = e.do(t, http.MethodPost, "/places", map[string]any{
		"name": "Broken", "width": 20, "height": 10, "one_meter_rssi": -45.5, "propagation_factor": 0,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorOf(t, body), "propagation factor")

	place := e.seed(t)
	assert.NotEmpty(t, place.ID)
	assert.Equal(t, fusion.Point{X: 0, Y: 5}, place.Anchors["ESP32_1"])
	assert.Equal(t, fusion.Point{X: 10, Y: 0}, place.Anchors["ESP32_4"])

	resp, _ = e.do(t, http.MethodPost, "/places", map[string]any{
		"name": "Office", "width": 5, "height": 5, "one_meter_rssi": -45.5, "propagation_factor": 2,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = e.do(t, http.MethodPost, "/places", map[string]any{
		"name": "Lab", "width": 8, "height": 6, "one_meter_rssi": -50, "propagation_factor": 2.4,
		"esp_positions": `{"A": {"x": 0, "y": 0}, "B": {"x": 8, "y": 0}, "C": {"x": 4, "y": 6}}`,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var lab placeResponse
	require.NoError(t, json.Unmarshal(body, &lab))
	assert.Equal(t, fusion.Point{X: 4, Y: 6}, lab.Anchors["C"])

	resp, body = e.do(t, http.MethodGet, "/places", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []placeResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, []string{"Lab", "Office"}, []string{list[0].Name, list[1].Name})

	resp, body = e.do(t, http.MethodPatch, "/places/Office", map[string]any{"name": "HQ", "one_meter_rssi": -50})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var hq placeResponse
	require.NoError(t, json.Unmarshal(body, &hq))
	assert.Equal(t, "HQ", hq.Name)
	assert.Equal(t, -50.0, hq.OneMeterRSSI)
	assert.Equal(t, place.ID, hq.ID)

	resp, _ = e.do(t, http.MethodGet, "/places/Office", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/places/HQ", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodDelete, "/places/HQ", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPatch, "/places/HQ", map[string]any{"name": "X"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReadingsAndLocations(t *testing.T) {
	e := newTestEnv(t)
	place := e.seed(t)

	resp, body := e.do(t, http.MethodPost, "/readings", map[string]string{"m": mac, "r": "loud", "espID": "ESP32_1", "placeID": place.ID})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, errorOf(t, body), "invalid RSSI value")
	resp, _ = e.do(t, http.MethodPost, "/readings", map[string]string{"m": "00:00", "r": "-1", "espID": "ESP32_1", "placeID": place.ID})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	e.postReadings(t, place.ID, "ESP32_1", "-60", "ESP32_2", "-65")
	resp, body = e.do(t, http.MethodPost, "/locations/current", map[string]string{"macAddress": mac, "placeName": "Office"})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, errorOf(t, body), "2 active anchors")

	e.postReadings(t, "Office", "ESP32_1", "-80", "ESP32_4", "-55", "ESP32_3", "-70", "ESP32_2", "-65", "ESP32_1", "-60")
	resp, body = e.do(t, http.MethodPost, "/locations/current", map[string]string{"macAddress": mac, "placeName": "Office"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var loc struct {
		MAC         string              `json:"mac_address"`
		X           float64             `json:"x"`
		Y           float64             `json:"y"`
		UsedSensors []fusion.UsedAnchor `json:"used_sensors"`
		State       string              `json:"state"`
	}
	require.NoError(t, json.Unmarshal(body, &loc))
	assert.Equal(t, mac, loc.MAC)
	assert.InDelta(t, 7.43, loc.X, 0.05)
	assert.InDelta(t, -0.05, loc.Y, 0.05)
	assert.Len(t, loc.UsedSensors, 4)
	assert.Equal(t, "converged", loc.State)

	resp, _ = e.do(t, http.MethodPost, "/locations/current", map[string]string{"macAddress": mac, "placeName": "Nowhere"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/locations/current", map[string]string{"placeName": "Office"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/locations/historic/"+mac, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hist []map[string]any
	require.NoError(t, json.Unmarshal(body, &hist))
	require.Len(t, hist, 1)
	assert.Equal(t, mac, hist[0]["devicesMac_address"])
	assert.Len(t, hist[0]["calculation_inputs"], 4)

	resp, _ = e.do(t, http.MethodGet, "/locations/historic/00:00", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/locations/latest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var latest []server.Location
	require.NoError(t, json.Unmarshal(body, &latest))
	require.Len(t, latest, 1)
	assert.InDelta(t, loc.X, latest[0].X, 1e-9)

	resp, body = e.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	text := string(body)
	assert.Contains(t, text, `locator_locates_total{result="ok"} 1`)
	assert.Contains(t, text, `locator_locates_total{result="insufficient_anchors"} 1`)
	assert.Contains(t, text, `locator_readings_ingested_total{result="ok"} 7`)
	assert.Contains(t, text, `locator_readings_ingested_total{result="invalid"} 1`)
	assert.Contains(t, text, `locator_readings_ingested_total{result="not_found"} 1`)
	assert.Contains(t, text, "locator_ws_clients 0")
}

func TestCORS(t *testing.T) {
	e := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, e.ts.URL+"/devices", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err = http.NewRequest(http.MethodGet, e.ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebsocketPushesLocations(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t)
	e.postReadings(t, "Office", "ESP32_4", "-55", "ESP32_3", "-70", "ESP32_2", "-65", "ESP32_1", "-60")

	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return e.srv.Hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	resp, body := e.do(t, http.MethodPost, "/locations/current", map[string]string{"macAddress": mac, "placeName": "Office"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	first.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := first.ReadMessage()
	require.NoError(t, err)
	var pushed server.Location
	require.NoError(t, json.Unmarshal(msg, &pushed))
	assert.Equal(t, mac, pushed.MAC)
	assert.Equal(t, "Office", pushed.Venue)

	// A late subscriber receives the last known fix on connect.
	second, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err = second.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg, &pushed))
	assert.Equal(t, mac, pushed.MAC)
}

func TestWebsocketRejectsForeignOrigin(t *testing.T) {
	e := newTestEnv(t)
	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&server.ValidationError{Msg: "x"}, http.StatusBadRequest},
		{&server.ValidationError{Msg: "x", Err: &fusion.ConfigurationError{Field: "f"}}, http.StatusBadRequest},
		{errors.Wrap(store.ErrNotFound, "device"), http.StatusNotFound},
		{errors.Wrap(store.ErrAlreadyExists, "device"), http.StatusBadRequest},
		{errors.Wrap(&fusion.InsufficientAnchorsError{Found: 1, Required: 3}, "locate"), http.StatusUnprocessableEntity},
		{&fusion.ConfigurationError{Field: "f"}, http.StatusUnprocessableEntity},
		{&fusion.NumericDivergenceError{}, http.StatusInternalServerError},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
