package portal

import (
	"fmt"
	"mime"
	"net/http"
	"path"

	"github.com/procurehq/vmp/pkg/api"
	"github.com/procurehq/vmp/pkg/objstore"
)

// handleBlob redeems a locally signed evidence URL. The route is public;
// authorization lives entirely in the token, which binds the exact storage
// key and an expiry. Only the fs blob store routes reads through here, so
// both deps stay nil on s3 and gcs deployments and the route 404s.
func (s *Server) handleBlob(w http.ResponseWriter, r *http.Request) {
	if s.deps.Blobs == nil || s.deps.BlobTokens == nil {
		api.WriteNotFound(w, "Blob redemption is not enabled")
		return
	}

	key := r.PathValue("key")
	if err := objstore.ValidateKey(key); err != nil {
		api.WriteProblem(w, r, fmt.Errorf("%w: malformed blob key", api.ErrValidation))
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		api.WriteProblem(w, r, fmt.Errorf("%w: missing blob token", api.ErrForbidden))
		return
	}
	if err := s.deps.BlobTokens.Verify(token, key); err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	data, err := s.deps.Blobs.Get(r.Context(), key)
	if err != nil {
		api.WriteProblem(w, r, err)
		return
	}

	ct := mime.TypeByExtension(path.Ext(key))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	w.Header().Set("Cache-Control", "private, no-store")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	_, _ = w.Write(data)
}
