package ota

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIsNewerVersion(t *testing.T) {
	tests := []struct {
		candidate string
		current   string
		want      bool
	}{
		{"v2.0.0", "v1.0.0", true},
		{"v1.0.0", "v2.0.0", false},
		{"v1.0.0", "v1.0.0", false},
		{"1.2.3", "v1.2.2", true},
		{"v1.10.0", "v1.9.0", true},
		{"v1.2.3-5-gabcdef", "v1.2.3", false}, // pre-release sorts before release
		{"v1.2.4", "v1.2.3-5-gabcdef", true},
		// Unparseable versions: any difference counts as newer.
		{"nightly-0812", "nightly-0811", true},
		{"nightly-0812", "nightly-0812", false},
		{"vnightly", "nightly", false},
	}
	for _, tt := range tests {
		if got := IsNewerVersion(tt.candidate, tt.current); got != tt.want {
			t.Errorf("IsNewerVersion(%q, %q) = %v, want %v",
				tt.candidate, tt.current, got, tt.want)
		}
	}
}

func TestFirmwareURL(t *testing.T) {
	got, err := FirmwareURL("https://updates.example.com/clockd/version.json", "v2.1.0")
	if err != nil {
		t.Fatalf("FirmwareURL: %v", err)
	}
	want := "https://updates.example.com/clockd/firmware-v2.1.0.bin"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestFetch_ValidManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"version":"v2.0.0","build_date":"2025-08-01","size_bytes":4096,` +
			`"sha256":"aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"}`))
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{URLs: []string{srv.URL + "/version.json"}}, testLogger())
	manifest, manifestURL, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if manifest.Version != "v2.0.0" || manifest.SizeBytes != 4096 {
		t.Errorf("unexpected manifest: %+v", manifest)
	}
	if manifestURL != srv.URL+"/version.json" {
		t.Errorf("unexpected source URL %s", manifestURL)
	}
}

func TestFetch_FailoverToSecondURL(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"version":"v2.0.0","build_date":"2025-08-01","size_bytes":10,` +
			`"sha256":"bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"}`))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer bad.Close()

	f := NewFetcher(FetcherConfig{URLs: []string{bad.URL, good.URL}}, testLogger())
	manifest, manifestURL, err := f.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if manifest.Version != "v2.0.0" {
		t.Errorf("unexpected manifest: %+v", manifest)
	}
	if manifestURL != good.URL {
		t.Errorf("expected manifest from failover URL, got %s", manifestURL)
	}
}

func TestFetch_RejectsInvalidManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"version":"v2.0.0","size_bytes":0,"sha256":"tooshort"}`))
	}))
	defer srv.Close()

	f := NewFetcher(FetcherConfig{URLs: []string{srv.URL}}, testLogger())
	if _, _, err := f.Fetch(context.Background()); err == nil {
		t.Fatal("expected error for invalid manifest")
	}
}
