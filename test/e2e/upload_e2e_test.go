// End-to-end test driving the full stack: disk store, upload engine and
// HTTP handler wired together the way cmd/chuted assembles them.
package e2e_test

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chutehq/chute/internal/api"
	"github.com/chutehq/chute/internal/storage"
	"github.com/chutehq/chute/internal/upload"
)

func setupServer(t *testing.T) *httptest.Server {
	t.Helper()

	store, err := storage.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatal("Failed to create disk store:", err)
	}

	engine := upload.NewEngine(store, upload.NewDispatcher(), upload.Config{
		MaxSize: 1 << 20,
		Expiry:  time.Hour,
	})

	gin.SetMode(gin.TestMode)
	router := gin.New()
	api.NewHandler(engine, "/files/", 1<<20).Register(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server
}

func TestResumableUploadWorkflow(t *testing.T) {
	server := setupServer(t)
	client := server.Client()

	// Random payload, uploaded in three chunks with a status probe between
	// them, the way a real client resumes after an interruption.
	payload := make([]byte, 48*1024)
	if _, err := rand.Read(payload); err != nil {
		t.Fatal("Failed to generate payload:", err)
	}
	wantSum := sha256.Sum256(payload)

	t.Log("1. Creating the upload...")

	req, _ := http.NewRequest(http.MethodPost, server.URL+"/files", nil)
	req.Header.Set("Tus-Resumable", "1.0.0")
	req.Header.Set("Upload-Length", strconv.Itoa(len(payload)))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal("Create request failed:", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatal("Expected 201 Created, got:", resp.Status)
	}

	location, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatal("Invalid Location header:", err)
	}
	uploadURL := server.URL + location.Path

	t.Log("2. Uploading chunks with a resume in between...")

	offset := 0
	for _, chunkSize := range []int{16 * 1024, 16 * 1024, 16 * 1024} {
		// Ask the server where to resume instead of trusting local state.
		headReq, _ := http.NewRequest(http.MethodHead, uploadURL, nil)
		headReq.Header.Set("Tus-Resumable", "1.0.0")
		headResp, err := client.Do(headReq)
		if err != nil {
			t.Fatal("Status request failed:", err)
		}
		headResp.Body.Close()

		serverOffset, err := strconv.Atoi(headResp.Header.Get("Upload-Offset"))
		if err != nil {
			t.Fatal("Invalid Upload-Offset header:", err)
		}
		if serverOffset != offset {
			t.Fatalf("Server offset %d does not match local offset %d", serverOffset, offset)
		}

		chunk := payload[offset : offset+chunkSize]
		patchReq, _ := http.NewRequest(http.MethodPatch, uploadURL, bytes.NewReader(chunk))
		patchReq.Header.Set("Tus-Resumable", "1.0.0")
		patchReq.Header.Set("Content-Type", "application/offset+octet-stream")
		patchReq.Header.Set("Upload-Offset", strconv.Itoa(offset))
		patchResp, err := client.Do(patchReq)
		if err != nil {
			t.Fatal("Chunk request failed:", err)
		}
		patchResp.Body.Close()
		if patchResp.StatusCode != http.StatusNoContent {
			t.Fatal("Expected 204 No Content, got:", patchResp.Status)
		}

		offset, err = strconv.Atoi(patchResp.Header.Get("Upload-Offset"))
		if err != nil {
			t.Fatal("Invalid Upload-Offset header:", err)
		}
	}

	if offset != len(payload) {
		t.Fatalf("Upload incomplete: offset %d of %d", offset, len(payload))
	}

	t.Log("3. Retrying the last chunk must conflict...")

	staleReq, _ := http.NewRequest(http.MethodPatch, uploadURL, bytes.NewReader(payload[32*1024:]))
	staleReq.Header.Set("Tus-Resumable", "1.0.0")
	staleReq.Header.Set("Content-Type", "application/offset+octet-stream")
	staleReq.Header.Set("Upload-Offset", strconv.Itoa(32*1024))
	staleResp, err := client.Do(staleReq)
	if err != nil {
		t.Fatal("Stale chunk request failed:", err)
	}
	staleResp.Body.Close()
	if staleResp.StatusCode != http.StatusConflict {
		t.Fatal("Expected 409 Conflict for stale retry, got:", staleResp.Status)
	}

	t.Log("4. Downloading and verifying the payload...")

	getResp, err := client.Get(uploadURL)
	if err != nil {
		t.Fatal("Download request failed:", err)
	}
	defer getResp.Body.Close()

	downloaded, err := io.ReadAll(getResp.Body)
	if err != nil {
		t.Fatal("Failed to read downloaded payload:", err)
	}
	gotSum := sha256.Sum256(downloaded)
	if gotSum != wantSum {
		t.Fatalf("Payload corrupted: got %s, want %s",
			hex.EncodeToString(gotSum[:]), hex.EncodeToString(wantSum[:]))
	}

	t.Log("5. Terminating the upload...")

	delReq, _ := http.NewRequest(http.MethodDelete, uploadURL, nil)
	delReq.Header.Set("Tus-Resumable", "1.0.0")
	delResp, err := client.Do(delReq)
	if err != nil {
		t.Fatal("Terminate request failed:", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Fatal("Expected 204 No Content, got:", delResp.Status)
	}

	headReq, _ := http.NewRequest(http.MethodHead, uploadURL, nil)
	headReq.Header.Set("Tus-Resumable", "1.0.0")
	headResp, err := client.Do(headReq)
	if err != nil {
		t.Fatal("Status request failed:", err)
	}
	headResp.Body.Close()
	if headResp.StatusCode != http.StatusGone {
		t.Fatal("Expected 410 Gone after termination, got:", headResp.Status)
	}
}
