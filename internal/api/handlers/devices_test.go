package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/deqlabs/deq/internal/executor"
	"github.com/deqlabs/deq/internal/models"
	"github.com/deqlabs/deq/internal/statuscache"
)

func devicesRouter(st *memStore) (*chi.Mux, *statuscache.Cache) {
	cache := statuscache.New(stubFetcher{online: true}, nil, nil, testLogger())
	h := NewDevicesHandler(st, cache, executor.NewSystem(testLogger()), testAudit(), testLogger())

	r := chi.NewRouter()
	r.Get("/api/devices", h.List)
	r.Post("/api/devices", h.Create)
	r.Get("/api/devices/{deviceID}", h.Get)
	r.Put("/api/devices/{deviceID}", h.Update)
	r.Delete("/api/devices/{deviceID}", h.Delete)
	r.Get("/api/devices/{deviceID}/status", h.Status)
	r.Post("/api/devices/{deviceID}/refresh", h.Refresh)
	r.Get("/api/devices/{deviceID}/history", h.History)
	return r, cache
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

func TestDevicesList(t *testing.T) {
	st := newMemStore()
	router, _ := devicesRouter(st)

	rec := doJSON(t, router, http.MethodGet, "/api/devices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var resp struct {
		Devices []models.Device `json:"devices"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Devices) != 1 || !resp.Devices[0].IsHost {
		t.Errorf("devices = %+v", resp.Devices)
	}
}

func TestDevicesCreate(t *testing.T) {
	st := newMemStore()
	router, _ := devicesRouter(st)

	rec := doJSON(t, router, http.MethodPost, "/api/devices",
		`{"name":"NAS","ip":"192.168.1.50","ssh":{"user":"admin"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("code = %d, body %s", rec.Code, rec.Body.String())
	}
	var created models.Device
	decodeBody(t, rec, &created)
	if created.ID == "" {
		t.Error("server did not assign an ID")
	}
	if created.Name != "NAS" {
		t.Errorf("name = %q", created.Name)
	}
}

func TestDevicesCreateValidation(t *testing.T) {
	st := newMemStore()
	router, _ := devicesRouter(st)

	tests := []struct {
		name string
		body string
	}{
		{"no name", `{"ip":"192.168.1.50"}`},
		{"no ip", `{"name":"NAS"}`},
		{"bad container name", `{"name":"NAS","ip":"192.168.1.50","containers":["plex;rm -rf /"]}`},
		{"malformed json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/api/devices", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("code = %d, want 400", rec.Code)
			}
		})
	}
}

func TestDevicesCreateConflict(t *testing.T) {
	st := newMemStore()
	router, _ := devicesRouter(st)

	rec := doJSON(t, router, http.MethodPost, "/api/devices",
		`{"id":"host","name":"Impostor","ip":"192.168.1.99"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("code = %d, want 409", rec.Code)
	}
}

func TestDevicesGetNotFound(t *testing.T) {
	st := newMemStore()
	router, _ := devicesRouter(st)

	rec := doJSON(t, router, http.MethodGet, "/api/devices/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", rec.Code)
	}
}

func TestDevicesUpdatePreservesIdentity(t *testing.T) {
	st := newMemStore()
	router, _ := devicesRouter(st)

	// Attempt to re-ID the host and strip its host flag.
	rec := doJSON(t, router, http.MethodPut, "/api/devices/host",
		`{"id":"evil","name":"Renamed","ip":"10.0.0.1","is_host":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, body %s", rec.Code, rec.Body.String())
	}

	var updated models.Device
	decodeBody(t, rec, &updated)
	if updated.ID != "host" || !updated.IsHost {
		t.Errorf("identity changed: %+v", updated)
	}
	if updated.Name != "Renamed" {
		t.Errorf("name = %q", updated.Name)
	}
}

func TestDevicesDeleteHostRejected(t *testing.T) {
	st := newMemStore()
	router, _ := devicesRouter(st)

	rec := doJSON(t, router, http.MethodDelete, "/api/devices/host", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400", rec.Code)
	}
}

func TestDevicesDelete(t *testing.T) {
	st := newMemStore()
	st.devices["nas"] = &models.Device{ID: "nas", Name: "NAS", IP: "192.168.1.50"}
	router, _ := devicesRouter(st)

	rec := doJSON(t, router, http.MethodDelete, "/api/devices/nas", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodGet, "/api/devices/nas", ""); rec.Code != http.StatusNotFound {
		t.Errorf("device still present after delete")
	}
}

func TestDevicesStatusTriggersRefresh(t *testing.T) {
	st := newMemStore()
	st.devices["nas"] = &models.Device{
		ID: "nas", Name: "NAS", IP: "192.168.1.50",
		SSH: &models.SSHConfig{User: "admin"},
	}
	router, cache := devicesRouter(st)

	// First call: nothing cached yet, refresh kicked off in the background.
	rec := doJSON(t, router, http.MethodGet, "/api/devices/nas/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var first struct {
		Status *models.DeviceStatus `json:"status"`
	}
	decodeBody(t, rec, &first)
	if first.Status != nil {
		t.Errorf("status = %+v, want null before first refresh", first.Status)
	}

	waitCached(t, cache, "nas")

	rec = doJSON(t, router, http.MethodGet, "/api/devices/nas/status", "")
	var second struct {
		Status *models.DeviceStatus `json:"status"`
	}
	decodeBody(t, rec, &second)
	if second.Status == nil || second.Status.Online != models.Online {
		t.Errorf("status = %+v, want online", second.Status)
	}
}

func TestDevicesRefreshAccepted(t *testing.T) {
	st := newMemStore()
	st.devices["nas"] = &models.Device{ID: "nas", Name: "NAS", IP: "192.168.1.50"}
	router, _ := devicesRouter(st)

	rec := doJSON(t, router, http.MethodPost, "/api/devices/nas/refresh", "")
	if rec.Code != http.StatusAccepted {
		t.Errorf("code = %d, want 202", rec.Code)
	}
}

func TestDevicesHistory(t *testing.T) {
	st := newMemStore()
	st.devices["nas"] = &models.Device{ID: "nas", Name: "NAS", IP: "192.168.1.50"}
	st.History().Record(context.Background(), "nas", 40, nil)
	router, _ := devicesRouter(st)

	rec := doJSON(t, router, http.MethodGet, "/api/devices/nas/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var resp struct {
		History map[string]json.RawMessage `json:"history"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.History) != 1 {
		t.Errorf("history days = %d, want 1", len(resp.History))
	}
}

// waitCached polls until the cache holds a status for the device.
func waitCached(t *testing.T, cache *statuscache.Cache, deviceID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := cache.Get(deviceID); ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no cached status for %s", deviceID)
}
