package api

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// localFileServer serves screenshots from the local screenshot directory.
// References are paths relative to that root.
type localFileServer struct {
	log  logrus.FieldLogger
	root string
}

func newLocalFileServer(log logrus.FieldLogger, dir string) *localFileServer {
	root, err := filepath.Abs(dir)
	if err != nil {
		root = filepath.Clean(dir)
	}

	return &localFileServer{
		log:  log.WithField("component", "local-file-server"),
		root: root,
	}
}

// ServeFile serves ref from under the root. Returns an error when the path
// is disallowed or missing.
func (l *localFileServer) ServeFile(
	w http.ResponseWriter,
	r *http.Request,
	ref string,
) error {
	if !isAllowedPath(ref) {
		return fmt.Errorf("path %q is not allowed", ref)
	}

	full := filepath.Join(l.root, filepath.FromSlash(ref))

	if !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes the screenshot dir", ref)
	}

	if _, err := os.Stat(full); err != nil {
		return fmt.Errorf("screenshot %q not found", ref)
	}

	l.log.WithField("ref", ref).Debug("Serving screenshot")

	w.Header().Set("Content-Type", "image/png")
	http.ServeFile(w, r, full)

	return nil
}

// isAllowedPath rejects empty, absolute, unclean, or traversal paths.
func isAllowedPath(p string) bool {
	if p == "" {
		return false
	}

	if strings.Contains(p, "..") {
		return false
	}

	if strings.HasPrefix(p, "/") || filepath.IsAbs(p) {
		return false
	}

	return path.Clean(p) == p
}
