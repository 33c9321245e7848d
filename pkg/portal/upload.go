package portal

import (
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/procurehq/vmp/pkg/api"
)

const (
	// csvUploadLimit caps statement and ledger CSV uploads.
	csvUploadLimit = 20 << 20
	// multipartMemory is the in-memory threshold before parts spill to disk.
	multipartMemory = 8 << 20
	// formOverhead covers multipart boundaries and form fields on top of
	// the payload cap.
	formOverhead = 1 << 20
)

// multipartFile parses a multipart form capped at limit bytes and returns
// the "file" part together with the remaining form fields. Oversized bodies
// and missing parts are validation errors, not server errors.
func (s *Server) multipartFile(w http.ResponseWriter, r *http.Request, limit int64) (multipart.File, *multipart.FileHeader, url.Values, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit+formOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, nil, nil, fmt.Errorf("%w: upload exceeds %d bytes", api.ErrValidation, limit)
		}
		return nil, nil, nil, fmt.Errorf("%w: malformed multipart form: %v", api.ErrValidation, err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: missing file part", api.ErrValidation)
	}
	return file, header, url.Values(r.MultipartForm.Value), nil
}
