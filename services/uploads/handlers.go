package uploads

import (
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/relabs-tech/docrest/core"
	"github.com/relabs-tech/docrest/core/access"
	"github.com/relabs-tech/docrest/core/backend"
	"github.com/relabs-tech/docrest/core/entity"
	"github.com/relabs-tech/docrest/core/logger"
)

// MaxUploadSize is the maximum size of an uploaded file
const MaxUploadSize = 10 << 20

// contentURLValidity is the validity of the redirect to the content of a file
const contentURLValidity = 15 * time.Minute

// ErrNoStorage is returned when files are uploaded or read without a key storage
var ErrNoStorage = errors.New("no key storage configured")

const resourceName = "uploadedFiles"

func (s *Service) handleRoutes() {
	router := s.backend.Router()
	s.log.Debugln("  handle routes: /uploadedFiles/upload POST")
	s.log.Debugln("  handle routes: /uploadedFiles/{id}/content GET")

	router.HandleFunc("/uploadedFiles/upload", s.upload).Methods(http.MethodOptions, http.MethodPost)
	router.HandleFunc("/uploadedFiles/"+backend.IDPattern+"/content", s.content).Methods(http.MethodOptions, http.MethodGet)
}

// upload stores the multipart field "file" and creates its uploaded file document. The
// optional form fields documentType, linkedEntityType and linkedEntityId describe the file.
func (s *Service) upload(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context(), s.log)
	rlog.Debugln("called route for", r.URL, r.Method)
	if !s.backend.Authorized(w, r, resourceName, core.OperationCreate) {
		return
	}
	if s.kss == nil {
		s.backend.WriteError(w, r, "Error 4781", "uploadedFile", ErrNoStorage)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize+1<<16)
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		s.backend.WriteError(w, r, "Error 4781", "uploadedFile", entity.Invalid("file", "cannot parse multipart form: "+err.Error()))
		return
	}
	defer r.MultipartForm.RemoveAll()
	file, header, err := r.FormFile("file")
	if err != nil {
		s.backend.WriteError(w, r, "Error 4781", "uploadedFile", entity.Invalid("file", "file is required"))
		return
	}
	defer file.Close()
	if header.Size > MaxUploadSize {
		s.backend.WriteError(w, r, "Error 4781", "uploadedFile", entity.Invalid("file", "file is too large"))
		return
	}

	sniff := make([]byte, 512)
	n, _ := file.Read(sniff)
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(sniff[:n])
	}
	if _, err := file.Seek(0, 0); err != nil {
		s.backend.WriteError(w, r, "Error 4781", "uploadedFile", err)
		return
	}

	documentType := r.FormValue("documentType")
	if documentType == "" {
		documentType = strings.SplitN(contentType, "/", 2)[0]
	}
	doc := map[string]interface{}{
		"documentType": documentType,
		"originalName": path.Base(header.Filename),
		"metadata": map[string]interface{}{
			"size":        header.Size,
			"contentType": contentType,
		},
	}
	if auth := access.AuthorizationFromContext(r.Context()); auth != nil && auth.UserID != uuid.Nil {
		doc["uploaderId"] = auth.UserID.String()
	}
	if linkedType, linkedID := r.FormValue("linkedEntityType"), r.FormValue("linkedEntityId"); linkedType != "" || linkedID != "" {
		doc["linkedEntity"] = map[string]string{"linkedEntityType": linkedType, "linkedEntityId": linkedID}
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		s.backend.WriteError(w, r, "Error 4781", "uploadedFile", err)
		return
	}
	created, err := s.Files.Create(r.Context(), payload)
	if err != nil {
		s.backend.WriteError(w, r, "Error 4781", "uploadedFile", err)
		return
	}

	key := "uploads/" + created.ID.String() + strings.ToLower(path.Ext(header.Filename))
	if err := s.kss.Put(r.Context(), key, contentType, file); err != nil {
		if delErr := s.Files.DeletePermanently(r.Context(), created.ID); delErr != nil {
			rlog.WithError(delErr).Errorf("Error 4782: cannot delete uploaded file %s after failed upload", created.ID)
		}
		s.backend.WriteError(w, r, "Error 4782", "uploadedFile", err)
		return
	}
	stored, err := s.Files.Modify(r.Context(), created.ID, func(f *UploadedFile) error {
		f.Full = key
		return nil
	})
	if err != nil {
		s.backend.WriteError(w, r, "Error 4782", "uploadedFile", err)
		return
	}
	rlog.Infof("uploaded %s as %s", stored.OriginalName, key)
	s.backend.WriteJSON(w, r, http.StatusCreated, stored)
}

// content redirects to a short lived URL of the file content
func (s *Service) content(w http.ResponseWriter, r *http.Request) {
	logger.FromContext(r.Context(), s.log).Debugln("called route for", r.URL, r.Method)
	if !s.backend.Authorized(w, r, resourceName, core.OperationRead) {
		return
	}
	id, _ := uuid.Parse(mux.Vars(r)["id"])
	file, err := s.Files.Get(r.Context(), id)
	if err != nil {
		s.backend.WriteError(w, r, "Error 4783", "uploadedFile", err)
		return
	}
	if file.Full == "" || s.kss == nil {
		s.backend.WriteJSON(w, r, http.StatusNotFound, struct {
			Message string `json:"message"`
		}{Message: "uploadedFile has no content"})
		return
	}
	url, err := s.kss.GetURL(r.Context(), file.Full, contentURLValidity)
	if err != nil {
		s.backend.WriteError(w, r, "Error 4783", "uploadedFile", err)
		return
	}
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}
