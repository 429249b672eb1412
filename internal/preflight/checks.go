package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"intake/internal/config"
	"intake/internal/dms"
	"intake/internal/logging"
	"intake/internal/services"
	"intake/internal/tracker"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckTracker verifies that the processed tracker backend can be opened.
func CheckTracker(dsn string) Result {
	const name = "Processed tracker"

	store, err := tracker.BuildTracker(dsn, "preflight", logging.NewNop())
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", dsn, err)}
	}
	if err := store.Close(); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: close: %v)", dsn, err)}
	}
	return Result{Name: name, Passed: true, Detail: dsn}
}

// CheckDMS verifies data management service connectivity and authentication.
// It uses a 30-second timeout and accepts degraded legacy-only operation.
func CheckDMS(ctx context.Context, cfg *config.Config) Result {
	const name = "Data management service"

	if cfg.DMS.BaseURL == "" && cfg.DMS.LegacyURL == "" {
		return Result{Name: name, Detail: "no endpoint configured"}
	}
	if cfg.DMS.Username == "" || cfg.DMS.Password == "" {
		return Result{Name: name, Detail: "credentials missing"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	client, err := dms.FromConfig(cfg, logging.NewNop())
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	if err := client.Authenticate(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeDMSError(err)}
	}
	if err := client.Probe(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeDMSError(err)}
	}
	return Result{Name: name, Passed: true, Detail: "reachable, credentials accepted"}
}

// CheckNotifications verifies that the SMTP relay is configured and reachable.
func CheckNotifications(cfg *config.Config) Result {
	const name = "Notifications"

	host := strings.TrimSpace(cfg.Notifications.SMTPHost)
	if host == "" {
		return Result{Name: name, Detail: "smtp host missing"}
	}
	if strings.TrimSpace(cfg.Notifications.From) == "" {
		return Result{Name: name, Detail: "sender address missing"}
	}
	if len(cfg.Notifications.Recipients) == 0 {
		return Result{Name: name, Detail: "no recipients configured"}
	}

	addr := net.JoinHostPort(host, strconv.Itoa(cfg.Notifications.SMTPPort))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", addr, err)}
	}
	conn.Close()
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s reachable", addr)}
}

// summarizeDMSError produces a human-readable summary for DMS check failures.
func summarizeDMSError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "check timed out (service unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "check timed out (service unreachable)"
	}
	if errors.Is(err, services.ErrAuth) {
		return "auth failed (credentials rejected)"
	}
	return err.Error()
}
