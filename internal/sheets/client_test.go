package sheets

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"google.golang.org/api/googleapi"
)

type driveStub struct {
	mu     sync.Mutex
	copies []map[string]any
	shares []map[string]any
	status int
}

func (d *driveStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(d.status)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"File not found"}}`))
		return
	}
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/copy"):
		body["_path"] = r.URL.Path
		d.copies = append(d.copies, body)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "copy-" + body["name"].(string)})
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/permissions"):
		body["_path"] = r.URL.Path
		body["_notify"] = r.URL.Query().Get("sendNotificationEmail")
		d.shares = append(d.shares, body)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "perm-1"})
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, stub *driveStub) *Client {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	client, err := New(context.Background(), Credentials{}, Options{Endpoint: srv.URL + "/", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestDuplicateCopiesTemplateWithTitle(t *testing.T) {
	stub := &driveStub{}
	client := newTestClient(t, stub)

	id, err := client.Duplicate(context.Background(), "tmpl-a", "User_u1_DocumentA")
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if id != "copy-User_u1_DocumentA" {
		t.Fatalf("unexpected id %q", id)
	}
	if len(stub.copies) != 1 || !strings.Contains(stub.copies[0]["_path"].(string), "/files/tmpl-a/copy") {
		t.Fatalf("unexpected copy calls %v", stub.copies)
	}
}

func TestShareGrantsWriter(t *testing.T) {
	stub := &driveStub{}
	client := newTestClient(t, stub)

	if err := client.Share(context.Background(), "sheet-1", "one@example.com"); err != nil {
		t.Fatalf("share: %v", err)
	}
	if len(stub.shares) != 1 {
		t.Fatalf("expected one share call, got %d", len(stub.shares))
	}
	got := stub.shares[0]
	if got["type"] != "user" || got["role"] != "writer" || got["emailAddress"] != "one@example.com" {
		t.Fatalf("unexpected permission body %v", got)
	}
	if got["_notify"] != "false" {
		t.Fatalf("expected notifications suppressed, got %v", got["_notify"])
	}
}

func TestProviderErrorsAreWrapped(t *testing.T) {
	stub := &driveStub{status: http.StatusNotFound}
	client := newTestClient(t, stub)

	_, err := client.Duplicate(context.Background(), "missing", "title")
	var gErr *googleapi.Error
	if !errors.As(err, &gErr) || gErr.Code != http.StatusNotFound {
		t.Fatalf("expected wrapped provider 404, got %v", err)
	}
	if err := client.Share(context.Background(), "sheet", ""); err == nil {
		t.Fatalf("expected empty address to be rejected")
	}
}

func TestCredentialsJSON(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte(`{"type":"service_account"}`))
	raw, err := Credentials{Base64: encoded}.JSON()
	if err != nil || !strings.Contains(string(raw), "service_account") {
		t.Fatalf("unexpected decode result %q, %v", raw, err)
	}
	if _, err := (Credentials{Base64: "%%%"}).JSON(); err == nil {
		t.Fatalf("expected invalid base64 to fail")
	}
	if _, err := (Credentials{}).JSON(); err == nil {
		t.Fatalf("expected missing credentials to fail")
	}
}
