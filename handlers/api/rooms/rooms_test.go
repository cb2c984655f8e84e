package rooms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sketchboard-server/core"
	roomsvc "sketchboard-server/rooms"
	"sketchboard-server/stores/memory"

	"github.com/go-chi/chi/v5"
)

func testRouter(t *testing.T) (*chi.Mux, *roomsvc.Registry) {
	t.Helper()

	registry := roomsvc.NewRegistry(roomsvc.Options{
		Store:        memory.NewBlobStore(),
		SaveInterval: time.Hour,
		IdleTimeout:  time.Hour,
	})
	t.Cleanup(registry.Close)

	r := chi.NewRouter()
	r.Route("/api/rooms", func(r chi.Router) {
		r.Post("/", HandleCreateRoom(registry))
		r.Get("/", HandleListRooms(registry))
		r.Route("/{roomId}", func(r chi.Router) {
			r.Post("/edits", HandleAppendEdits(registry))
			r.Get("/edits", HandleGetUpdates(registry))
			r.Get("/snapshot", HandleGetSnapshot(registry))
			r.Put("/snapshot", HandlePutSnapshot(registry))
		})
	})
	return r, registry
}

func postEdits(t *testing.T, router http.Handler, roomID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/rooms/"+roomID+"/edits", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleAppendEdits_Success(t *testing.T) {
	router, _ := testRouter(t)

	rec := postEdits(t, router, "alpha", `["e1","e2"]`)
	if rec.Code != http.StatusOK {
		t.Fatalf("Status code: got %d, want %d (%s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	var resp AppendEditsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.LogicalTime != 2 {
		t.Errorf("Logical time: got %d, want 2", resp.LogicalTime)
	}

	// A second batch continues the same clock.
	rec = postEdits(t, router, "alpha", `["e3"]`)
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.LogicalTime != 3 {
		t.Errorf("Logical time after second batch: got %d, want 3", resp.LogicalTime)
	}
}

func TestHandleAppendEdits_EmptyBatch(t *testing.T) {
	router, _ := testRouter(t)

	rec := postEdits(t, router, "alpha", `[]`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status code for empty batch: got %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleAppendEdits_InvalidBody(t *testing.T) {
	router, _ := testRouter(t)

	rec := postEdits(t, router, "alpha", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status code for invalid body: got %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleGetUpdates_Success(t *testing.T) {
	router, _ := testRouter(t)

	postEdits(t, router, "alpha", `["e1","e2","e3"]`)

	req := httptest.NewRequest(http.MethodGet, "/api/rooms/alpha/edits?from=1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Status code: got %d, want %d (%s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	var edits []core.Edit
	if err := json.NewDecoder(rec.Body).Decode(&edits); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(edits) != 2 {
		t.Errorf("Edits returned: got %d, want 2", len(edits))
	}
}

func TestHandleGetUpdates_BadFrom(t *testing.T) {
	router, _ := testRouter(t)

	for _, query := range []string{"", "?from=abc", "?from=-1"} {
		req := httptest.NewRequest(http.MethodGet, "/api/rooms/alpha/edits"+query, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("Status code for %q: got %d, want %d", query, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestHandleGetUpdates_BehindSnapshot(t *testing.T) {
	router, _ := testRouter(t)

	postEdits(t, router, "alpha", `["e1","e2","e3"]`)

	put := httptest.NewRequest(http.MethodPut, "/api/rooms/alpha/snapshot",
		strings.NewReader(`{"logicalTime":2,"image":"aW1nQQ=="}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, put)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Snapshot PUT status: got %d, want %d", rec.Code, http.StatusNoContent)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/rooms/alpha/edits?from=1", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("Status code behind snapshot: got %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestHandleGetUpdates_LongPollWakesOnAppend(t *testing.T) {
	router, _ := testRouter(t)

	postEdits(t, router, "alpha", `["e1"]`)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodGet, "/api/rooms/alpha/edits?from=1", nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		done <- rec
	}()

	// Give the poller time to park before appending.
	time.Sleep(50 * time.Millisecond)
	postEdits(t, router, "alpha", `["e2"]`)

	select {
	case rec := <-done:
		if rec.Code != http.StatusOK {
			t.Fatalf("Status code: got %d, want %d", rec.Code, http.StatusOK)
		}
		var edits []core.Edit
		if err := json.NewDecoder(rec.Body).Decode(&edits); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if len(edits) != 1 {
			t.Errorf("Edits after wake: got %d, want 1", len(edits))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Long-poll never woke after append")
	}
}

func TestHandleGetSnapshot_NotAvailable(t *testing.T) {
	router, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/rooms/alpha/snapshot", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("Status code without snapshot: got %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandleSnapshot_PutThenGet(t *testing.T) {
	router, _ := testRouter(t)

	postEdits(t, router, "alpha", `["e1","e2"]`)

	put := httptest.NewRequest(http.MethodPut, "/api/rooms/alpha/snapshot",
		strings.NewReader(`{"logicalTime":2,"image":"aW1nQQ=="}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, put)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Snapshot PUT status: got %d, want %d", rec.Code, http.StatusNoContent)
	}

	get := httptest.NewRequest(http.MethodGet, "/api/rooms/alpha/snapshot", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, get)
	if rec.Code != http.StatusOK {
		t.Fatalf("Snapshot GET status: got %d, want %d", rec.Code, http.StatusOK)
	}

	var resp SnapshotPayload
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.LogicalTime != 2 {
		t.Errorf("Snapshot logical time: got %d, want 2", resp.LogicalTime)
	}
	if string(resp.Image) != "imgA" {
		t.Errorf("Snapshot image: got %q, want %q", resp.Image, "imgA")
	}
}

func TestHandleSnapshot_StalePutIgnored(t *testing.T) {
	router, _ := testRouter(t)

	postEdits(t, router, "alpha", `["e1","e2"]`)

	for _, body := range []string{
		`{"logicalTime":2,"image":"aW1nQQ=="}`,
		`{"logicalTime":1,"image":"c3RhbGU="}`,
	} {
		put := httptest.NewRequest(http.MethodPut, "/api/rooms/alpha/snapshot", strings.NewReader(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, put)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("Snapshot PUT status: got %d, want %d", rec.Code, http.StatusNoContent)
		}
	}

	get := httptest.NewRequest(http.MethodGet, "/api/rooms/alpha/snapshot", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, get)

	var resp SnapshotPayload
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if string(resp.Image) != "imgA" {
		t.Errorf("Stale PUT replaced the image: got %q", resp.Image)
	}
}

func TestHandleCreateRoom(t *testing.T) {
	router, registry := testRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/rooms/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("Status code: got %d, want %d", rec.Code, http.StatusCreated)
	}

	var resp CreateRoomResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.ID) != 26 {
		t.Errorf("Room id length: got %d, want 26 (ULID)", len(resp.ID))
	}

	if _, err := registry.Get(context.Background(), resp.ID); err != nil {
		t.Errorf("Created room not resident: %v", err)
	}
}

func TestHandleListRooms(t *testing.T) {
	router, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/rooms/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Status code: got %d, want %d", rec.Code, http.StatusOK)
	}

	var list []roomsvc.RoomInfo
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("Fresh server lists %d rooms, want 0", len(list))
	}

	postEdits(t, router, "alpha", `["e1"]`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/", nil))
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(list) != 1 || list[0].ID != "alpha" || list[0].LogicalTime != 1 {
		t.Errorf("Room listing: got %+v", list)
	}
}
