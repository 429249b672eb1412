package preflight

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"intake/internal/config"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckTracker_OK(t *testing.T) {
	result := CheckTracker("file:" + t.TempDir())
	if !result.Passed {
		t.Fatalf("expected pass for file tracker, got: %s", result.Detail)
	}
}

func TestCheckTracker_BadScheme(t *testing.T) {
	result := CheckTracker("bogus://somewhere")
	if result.Passed {
		t.Fatal("expected failure for unsupported scheme")
	}
}

func TestCheckDMS_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/login":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"token":"tok"}`))
		case "/api/v2/ping":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.DMS.BaseURL = srv.URL
	cfg.DMS.Username = "svc"
	cfg.DMS.Password = "secret"

	result := CheckDMS(context.Background(), &cfg)
	if !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
}

func TestCheckDMS_RejectedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.DMS.BaseURL = srv.URL
	cfg.DMS.Username = "svc"
	cfg.DMS.Password = "wrong"

	result := CheckDMS(context.Background(), &cfg)
	if result.Passed {
		t.Fatal("expected failure for rejected credentials")
	}
}

func TestCheckDMS_MissingEndpoint(t *testing.T) {
	cfg := config.Default()
	cfg.DMS.BaseURL = ""
	cfg.DMS.LegacyURL = ""

	result := CheckDMS(context.Background(), &cfg)
	if result.Passed {
		t.Fatal("expected failure for missing endpoint")
	}
}

func TestCheckNotifications_MissingHost(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.SMTPHost = ""

	result := CheckNotifications(&cfg)
	if result.Passed {
		t.Fatal("expected failure for missing host")
	}
}

func TestCheckNotifications_Reachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	cfg := config.Default()
	cfg.Notifications.SMTPHost = "127.0.0.1"
	cfg.Notifications.SMTPPort = ln.Addr().(*net.TCPAddr).Port
	cfg.Notifications.From = "intake@example.org"
	cfg.Notifications.Recipients = []string{"ops@example.org"}

	result := CheckNotifications(&cfg)
	if !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	results := RunAll(context.Background(), nil)
	if results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunAll_DirectoryAndTrackerChecks(t *testing.T) {
	cfg := config.Default()
	cfg.Paths.ClinicalIncomingDir = t.TempDir()
	cfg.Paths.DICOMIncomingDir = t.TempDir()
	cfg.Paths.BIDSRootDir = t.TempDir()
	cfg.Paths.ArchiveDir = t.TempDir()
	cfg.Paths.ReidOutputDir = t.TempDir()
	cfg.Paths.StateDir = t.TempDir()
	cfg.Notifications.Enabled = false

	results := RunAll(context.Background(), &cfg)
	// Six directory checks, tracker, DMS.
	if len(results) != 8 {
		t.Fatalf("expected 8 results, got %d", len(results))
	}
	for _, r := range results[:7] {
		if !r.Passed {
			t.Errorf("check %q failed: %s", r.Name, r.Detail)
		}
	}
	if results[7].Name != "Data management service" {
		t.Fatalf("expected DMS check last, got %q", results[7].Name)
	}
}

func TestAllPassed(t *testing.T) {
	passing := []Result{{Name: "a", Passed: true}, {Name: "b", Passed: true}}
	if !AllPassed(passing) {
		t.Fatal("expected all passed")
	}
	mixed := []Result{{Name: "a", Passed: true}, {Name: "b"}}
	if AllPassed(mixed) {
		t.Fatal("expected failure to propagate")
	}
}
