package backend

import (
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/docrest/core/logger"
)

// MaxBodySize is the maximum size of a JSON request body
const MaxBodySize = 1 << 20

// WriteJSON writes v as JSON with the given status code
func (b *Backend) WriteJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	jsonData, err := json.MarshalWithOption(v, json.DisableHTMLEscape())
	if err != nil {
		logger.FromContext(r.Context(), b.log).WithError(err).Errorln("Error 4708: cannot marshal response")
		http.Error(w, "Error 4708", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(jsonData)
}

// writeCacheable writes a 200 JSON response with an Etag, or 304 if the client already has it
func (b *Backend) writeCacheable(w http.ResponseWriter, r *http.Request, v interface{}, salt int) {
	jsonData, err := json.MarshalWithOption(v, json.DisableHTMLEscape())
	if err != nil {
		logger.FromContext(r.Context(), b.log).WithError(err).Errorln("Error 4708: cannot marshal response")
		http.Error(w, "Error 4708", http.StatusInternalServerError)
		return
	}
	etag := bytesPlusTotalCountToEtag(jsonData, salt)
	w.Header().Set("Etag", etag)
	if ifNoneMatchFound(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(jsonData)
}

// bytesPlusTotalCountToEtag returns a quoted etag for a response body and its total count
func bytesPlusTotalCountToEtag(data []byte, totalCount int) string {
	hash := md5.New()
	hash.Write(data)
	hash.Write([]byte(strconv.Itoa(totalCount)))
	return "\"" + hex.EncodeToString(hash.Sum(nil)) + "\""
}

// ifNoneMatchFound returns true if etag is found in ifNoneMatch. The format of ifNoneMatch is one
// of the following:
// If-None-Match: "<etag_value>"
// If-None-Match: "<etag_value>", "<etag_value>", …
// If-None-Match: *
func ifNoneMatchFound(ifNoneMatch, etag string) bool {
	ifNoneMatch = strings.Trim(ifNoneMatch, " ")
	if len(ifNoneMatch) == 0 {
		return false
	}
	if ifNoneMatch == "*" {
		return true
	}
	t := strings.Trim(etag, " \"")
	for _, s := range strings.Split(ifNoneMatch, ",") {
		s = strings.TrimPrefix(strings.Trim(s, " "), "W/")
		if strings.Trim(s, "\"") == t {
			return true
		}
	}
	return false
}
