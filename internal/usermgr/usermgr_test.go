package usermgr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rakunlabs/gatehouse/internal/store"
)

// fakeUserStore is an in-memory store.UserStorer for handler tests.
type fakeUserStore struct {
	users []store.User
}

func (f *fakeUserStore) ListUsers(ctx context.Context) ([]store.User, error) {
	return f.users, nil
}
func (f *fakeUserStore) GetUser(ctx context.Context, id string) (*store.User, error) {
	for i := range f.users {
		if f.users[i].ID == id {
			return &f.users[i], nil
		}
	}
	return nil, nil
}
func (f *fakeUserStore) GetUserByKeyPrefix(ctx context.Context, prefix string) (*store.User, error) {
	return nil, nil
}
func (f *fakeUserStore) CreateUser(ctx context.Context, u store.User, keyHash string) (*store.User, error) {
	return &u, nil
}
func (f *fakeUserStore) UpdateUser(ctx context.Context, id string, u store.User) (*store.User, error) {
	return &u, nil
}
func (f *fakeUserStore) DeleteUser(ctx context.Context, id string) error { return nil }
func (f *fakeUserStore) RotateUserKey(ctx context.Context, id string, keyHash, keyPrefix string) error {
	return nil
}
func (f *fakeUserStore) ResetUserUsage(ctx context.Context, id string) error { return nil }
func (f *fakeUserStore) TouchUserLastUsed(ctx context.Context, id string) error { return nil }
func (f *fakeUserStore) IncrementUsedTokens(ctx context.Context, id string, delta int64) error {
	return nil
}

func makeUsers(n int) []store.User {
	users := make([]store.User, n)
	for i := range users {
		users[i] = store.User{ID: string(rune('a' + i)), Name: "user", CreatedAt: time.Now()}
	}
	return users
}

func TestParsePositiveInt(t *testing.T) {
	tests := []struct {
		in       string
		fallback int
		want     int
	}{
		{"", 5, 5},
		{"3", 5, 3},
		{"0", 5, 5},
		{"-1", 5, 5},
		{"abc", 5, 5},
		{"10", 1, 10},
	}

	for _, tt := range tests {
		if got := parsePositiveInt(tt.in, tt.fallback); got != tt.want {
			t.Errorf("parsePositiveInt(%q, %d) = %d, want %d", tt.in, tt.fallback, got, tt.want)
		}
	}
}

func TestListAPIUnpaginated(t *testing.T) {
	mgr := New(&fakeUserStore{users: makeUsers(3)})

	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	rec := httptest.NewRecorder()

	mgr.ListAPI(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Users []store.User `json:"users"`
		Total int          `json:"total"`
		Page  int          `json:"page"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if body.Total != 3 || len(body.Users) != 3 || body.Page != 1 {
		t.Fatalf("unexpected response: %+v", body)
	}
}

func TestListAPIPagination(t *testing.T) {
	mgr := New(&fakeUserStore{users: makeUsers(5)})

	req := httptest.NewRequest(http.MethodGet, "/api/users?page=2&limit=2", nil)
	rec := httptest.NewRecorder()

	mgr.ListAPI(rec, req)

	var body struct {
		Users []store.User `json:"users"`
		Total int          `json:"total"`
		Page  int          `json:"page"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if body.Total != 5 {
		t.Fatalf("total = %d, want 5", body.Total)
	}
	if body.Page != 2 {
		t.Fatalf("page = %d, want 2", body.Page)
	}
	if len(body.Users) != 2 {
		t.Fatalf("len(users) = %d, want 2", len(body.Users))
	}
	if body.Users[0].ID != "c" {
		t.Fatalf("users[0].ID = %q, want %q", body.Users[0].ID, "c")
	}
}

func TestListAPIPaginationPastEnd(t *testing.T) {
	mgr := New(&fakeUserStore{users: makeUsers(3)})

	req := httptest.NewRequest(http.MethodGet, "/api/users?page=10&limit=2", nil)
	rec := httptest.NewRecorder()

	mgr.ListAPI(rec, req)

	var body struct {
		Users []store.User `json:"users"`
		Total int          `json:"total"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if len(body.Users) != 0 {
		t.Fatalf("len(users) = %d, want 0 past the end", len(body.Users))
	}
	if body.Total != 3 {
		t.Fatalf("total = %d, want 3", body.Total)
	}
}
