package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/recipebox/internal/model"
)

// mockUserService はUserServiceInterfaceのモック実装。
type mockUserService struct {
	registerFn func(ctx context.Context, username string) (*model.User, error)
	getFn      func(ctx context.Context, userID string) (*model.User, error)
}

func (m *mockUserService) Register(ctx context.Context, username string) (*model.User, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, username)
	}
	return &model.User{ID: "u1", Username: username}, nil
}

func (m *mockUserService) Get(ctx context.Context, userID string) (*model.User, error) {
	if m.getFn != nil {
		return m.getFn(ctx, userID)
	}
	return nil, model.NewUserNotFoundError(userID)
}

func TestUserHandler_Register(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		svcErr     error
		wantStatus int
		wantCode   string
	}{
		{name: "登録成功", body: `{"username":"alice"}`, wantStatus: http.StatusCreated},
		{name: "ユーザー名が使用済み", body: `{"username":"alice"}`, svcErr: model.NewUsernameTakenError("alice"), wantStatus: http.StatusConflict, wantCode: model.ErrCodeUsernameTaken},
		{name: "ユーザー名なし", body: `{}`, wantStatus: http.StatusBadRequest, wantCode: model.ErrCodeValidation},
		{name: "JSONが壊れている", body: `username=alice`, wantStatus: http.StatusBadRequest, wantCode: model.ErrCodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockUserService{
				registerFn: func(ctx context.Context, username string) (*model.User, error) {
					if tt.svcErr != nil {
						return nil, tt.svcErr
					}
					return &model.User{ID: "u1", Username: username}, nil
				},
			}
			w := httptest.NewRecorder()
			NewUserHandler(svc).Register(w, newJSONRequest(http.MethodPost, "/api/users", tt.body))

			if tt.wantCode != "" {
				assertErrorCode(t, w, tt.wantStatus, tt.wantCode)
				return
			}
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			var resp map[string]any
			json.NewDecoder(w.Body).Decode(&resp)
			if resp["_id"] != "u1" || resp["username"] != "alice" {
				t.Errorf("unexpected response: %v", resp)
			}
			if saved, ok := resp["savedRecipes"].([]any); !ok || len(saved) != 0 {
				t.Errorf("savedRecipes = %v, want empty array", resp["savedRecipes"])
			}
		})
	}
}

func TestUserHandler_GetUser(t *testing.T) {
	t.Run("存在するユーザー", func(t *testing.T) {
		svc := &mockUserService{
			getFn: func(ctx context.Context, userID string) (*model.User, error) {
				return &model.User{ID: userID, Username: "bob", SavedRecipes: []string{"r1"}}, nil
			},
		}
		req := withChiURLParams(httptest.NewRequest(http.MethodGet, "/api/users/u2", nil), "userID", "u2")
		w := httptest.NewRecorder()
		NewUserHandler(svc).GetUser(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		var resp userResponse
		json.NewDecoder(w.Body).Decode(&resp)
		if resp.ID != "u2" || len(resp.SavedRecipes) != 1 {
			t.Errorf("unexpected response: %+v", resp)
		}
	})

	t.Run("存在しないユーザー", func(t *testing.T) {
		req := withChiURLParams(httptest.NewRequest(http.MethodGet, "/api/users/none", nil), "userID", "none")
		w := httptest.NewRecorder()
		NewUserHandler(&mockUserService{}).GetUser(w, req)
		assertErrorCode(t, w, http.StatusNotFound, model.ErrCodeUserNotFound)
	})
}
