package requestapi

import (
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// multipartMemory is how much of an upload is buffered before spilling to disk.
const multipartMemory = 1 << 20

func (a *API) handleProcessEmail(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.opts.MaxUploadBytes)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			a.writeError(w, r, maxErr)
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "No file provided"})
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "No file provided"})
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "could not read uploaded file"})
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("loandesk.upload.filename", hdr.Filename),
		attribute.Int("loandesk.upload.bytes", len(raw)),
	)

	out, err := a.svc.ProcessEmail(r.Context(), hdr.Filename, raw)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
