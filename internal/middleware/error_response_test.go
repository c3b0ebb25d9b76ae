package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/recipebox/internal/model"
)

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) ErrorResponseBody {
	t.Helper()
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return body
}

func TestWriteErrorResponse(t *testing.T) {
	tests := []struct {
		name   string
		status int
		apiErr *model.APIError
	}{
		{name: "レシピ未検出", status: http.StatusNotFound, apiErr: model.NewRecipeNotFoundError("r1")},
		{name: "入力値エラー", status: http.StatusBadRequest, apiErr: model.NewValidationError("titleは必須です。")},
		{name: "レート制限", status: http.StatusTooManyRequests, apiErr: model.NewRateLimitError()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteErrorResponse(w, tt.status, tt.apiErr)

			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
			if cc := w.Header().Get("Cache-Control"); cc != "no-store" {
				t.Errorf("Cache-Control = %q, want no-store", cc)
			}

			body := decodeErrorBody(t, w)
			want := ErrorResponseBody{
				Code:     tt.apiErr.Code,
				Message:  tt.apiErr.Message,
				Category: tt.apiErr.Category,
				Action:   tt.apiErr.Action,
			}
			if body != want {
				t.Errorf("body = %+v, want %+v", body, want)
			}
		})
	}
}

func TestWriteInternalServerError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteInternalServerError(w)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	body := decodeErrorBody(t, w)
	if body.Code != model.ErrCodeInternal || body.Category != "system" {
		t.Errorf("body = %+v, want INTERNAL_ERROR/system", body)
	}
	if body.Action == "" {
		t.Error("action should not be empty")
	}
}
