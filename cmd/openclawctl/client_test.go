package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestControlClientSendsToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Control-Plane-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{"code": "UNAUTHORIZED", "message": "invalid control-plane token"},
			})
			return
		}
		if r.URL.Path != "/internal/v1/tenants" {
			t.Errorf("path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"tenants": []map[string]any{{"tenantId": "acme"}},
		})
	}))
	defer ts.Close()

	tenants, err := newControlClient(ts.URL, "secret").ListTenants(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tenants) != 1 || tenants[0]["tenantId"] != "acme" {
		t.Fatalf("tenants: %v", tenants)
	}

	_, err = newControlClient(ts.URL, "wrong").ListTenants(context.Background())
	if err == nil {
		t.Fatalf("bad token accepted")
	}
	if got := err.Error(); got != "invalid control-plane token (UNAUTHORIZED)" {
		t.Fatalf("error message: %q", got)
	}
}

func TestControlClientCreateAndRemove(t *testing.T) {
	var sawDelete string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["displayName"] != "Acme Corp" {
				t.Errorf("displayName: %v", body)
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{
				"tenant": map[string]any{"tenantId": "acme"},
				"token":  "tok-123",
			})
		case http.MethodDelete:
			sawDelete = r.URL.Path + "?" + r.URL.RawQuery
			json.NewEncoder(w).Encode(map[string]any{"removed": true})
		}
	}))
	defer ts.Close()

	c := newControlClient(ts.URL, "secret")
	out, err := c.CreateTenant(context.Background(), "acme", "Acme Corp")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if out["token"] != "tok-123" {
		t.Fatalf("create response: %v", out)
	}
	if err := c.RemoveTenant(context.Background(), "acme", true); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if sawDelete != "/internal/v1/tenants/acme?deleteData=true" {
		t.Fatalf("delete request: %s", sawDelete)
	}
}
