package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/hostrd/internal/knowledge"
)

const maxImportBodySize = 10 << 20 // 10MB
const maxURLFetchSize = 5 << 20    // 5MB

// ImportRequest carries a document as plain text, a base64 file (the name's
// extension picks the parser) or a URL to fetch.
type ImportRequest struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Content string `json:"content"`
	URL     string `json:"url"`
}

func handleImportKnowledge(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxImportBodySize)
		defer r.Body.Close()

		var req ImportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "name is required")
			return
		}
		if req.Content == "" && req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one of content or url is required")
			return
		}
		if req.Type == "" {
			req.Type = "text"
		}

		var text string
		switch {
		case req.Type == "url" && req.URL != "":
			body, status, err := fetchURL(r.Context(), deps.HTTPClient, req.URL)
			if err != nil {
				httpError(w, status, "api_error", "%v", err)
				return
			}
			text = string(body)

		case req.Type == "file":
			decoded, err := base64.StdEncoding.DecodeString(req.Content)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid base64 content")
				return
			}
			text, err = knowledge.ExtractText(req.Name, decoded)
			if errors.Is(err, knowledge.ErrUnsupportedFormat) {
				httpError(w, http.StatusUnsupportedMediaType, "invalid_request_error", "%v", err)
				return
			}
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}

		default:
			text = req.Content
		}

		res, err := deps.Knowledge.ImportText(r.Context(), chi.URLParam(r, "tenant"), req.Name, text)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to import document: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func fetchURL(ctx context.Context, client *http.Client, url string) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, http.StatusBadRequest, errors.New("invalid url: " + err.Error())
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, http.StatusBadGateway, errors.New("failed to fetch url: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, http.StatusBadGateway, errors.New("url returned status " + resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxURLFetchSize))
	if err != nil {
		return nil, http.StatusBadGateway, errors.New("failed to read url response: " + err.Error())
	}
	return body, http.StatusOK, nil
}
