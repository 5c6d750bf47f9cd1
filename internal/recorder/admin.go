package recorder

import (
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/aimlink/internal/monitoring"
)

// AttachAdminRoutes mounts tailsql over the recording database and a backup
// download under /debug/.
func (r *Recorder) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(r.path), r.db, &tailsql.DBOptions{
		Label: "Flight recorder",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.KVFunc("Recorder session", func() any {
		return fmt.Sprintf("%s written=%d dropped=%d", r.session, r.Written(), r.Dropped())
	})

	debug.Handle("recorder-backup", "Create and download a backup of the flight recorder now", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("aimlink-backup-%d.db", time.Now().UnixNano()))
		if _, err := r.db.ExecContext(req.Context(), "VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			if err := os.Remove(backupPath); err != nil {
				monitoring.Logf("recorder: failed to remove backup file: %v", err)
			}
		}()

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer backupFile.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
		w.Header().Set("Content-Type", "application/gzip")

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			monitoring.Logf("recorder: backup stream failed: %v", err)
		}
	}))
	return nil
}
