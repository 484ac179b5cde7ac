package files

import (
	"context"
	"errors"
	"testing"
	"time"

	"e2ee-sessions/internal/domain"
	"e2ee-sessions/internal/store"
	"e2ee-sessions/internal/tokens"
)

func newTestAuthorizer(t *testing.T, cfg Config) (*Authorizer, *store.MemoryStore, *MemoryObjectStore, *tokens.Signer) {
	t.Helper()
	st := store.NewMemoryStore()
	objects := NewMemoryObjectStore()
	signer, err := tokens.NewFromBase64("", "kid-test", "sessions-test")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return NewAuthorizer(st, signer, objects, cfg, nil), st, objects, signer
}

func putActiveRoom(t *testing.T, st *store.MemoryStore, id string, expiresAt time.Time) {
	t.Helper()
	err := st.Put(context.Background(), domain.Room{
		ID:        id,
		CreatedAt: expiresAt.Add(-15 * time.Minute),
		ExpiresAt: expiresAt,
		Status:    domain.RoomActive,
	}, 15*time.Minute)
	if err != nil {
		t.Fatalf("put room: %v", err)
	}
}

func TestAuthorizeUploadIssuesScopedToken(t *testing.T) {
	a, st, objects, signer := newTestAuthorizer(t, Config{})
	ctx := context.Background()
	putActiveRoom(t, st, "room1", time.Now().UTC().Add(time.Hour))

	auth, err := a.AuthorizeUpload(ctx, "room1", "report.pdf", 1024, "application/pdf")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if auth.FileID == "" || auth.UploadToken == "" {
		t.Fatalf("incomplete authorization: %+v", auth)
	}
	if !auth.ExpiresAt.After(time.Now()) {
		t.Fatalf("token already expired: %v", auth.ExpiresAt)
	}

	claims, err := signer.Verify(auth.UploadToken)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.RoomID != "room1" || claims.FileID != auth.FileID || claims.Op != tokens.OpUpload {
		t.Fatalf("claims: %+v", claims)
	}

	recorded := objects.RoomFiles("room1")
	if len(recorded) != 1 || recorded[0].FileID != auth.FileID {
		t.Fatalf("object registration: %+v", recorded)
	}
}

func TestUploadTokenCappedByRoomLifetime(t *testing.T) {
	a, st, _, _ := newTestAuthorizer(t, Config{TokenTTL: 24 * time.Hour})
	ctx := context.Background()
	roomExpiry := time.Now().UTC().Add(5 * time.Minute)
	putActiveRoom(t, st, "room1", roomExpiry)

	auth, err := a.AuthorizeUpload(ctx, "room1", "a.png", 10, "image/png")
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if !auth.ExpiresAt.Equal(roomExpiry) {
		t.Fatalf("token must not outlive the room: got %v want %v", auth.ExpiresAt, roomExpiry)
	}
}

func TestUploadPolicyGates(t *testing.T) {
	a, st, _, _ := newTestAuthorizer(t, Config{MaxFileSize: 1000})
	ctx := context.Background()
	putActiveRoom(t, st, "room1", time.Now().UTC().Add(time.Hour))

	if _, err := a.AuthorizeUpload(ctx, "room1", "big.png", 1001, "image/png"); !errors.Is(err, domain.ErrFileRejected) {
		t.Fatalf("oversize: %v", err)
	}
	if _, err := a.AuthorizeUpload(ctx, "room1", "zero.png", 0, "image/png"); !errors.Is(err, domain.ErrFileRejected) {
		t.Fatalf("zero size: %v", err)
	}
	if _, err := a.AuthorizeUpload(ctx, "room1", "run.exe", 10, "application/x-msdownload"); !errors.Is(err, domain.ErrFileRejected) {
		t.Fatalf("disallowed type: %v", err)
	}
	if _, err := a.AuthorizeUpload(ctx, "room1", "", 10, "image/png"); !errors.Is(err, domain.ErrFileRejected) {
		t.Fatalf("empty name: %v", err)
	}
}

func TestUploadRequiresLiveRoom(t *testing.T) {
	a, st, _, _ := newTestAuthorizer(t, Config{})
	ctx := context.Background()

	if _, err := a.AuthorizeUpload(ctx, "ghost", "a.png", 10, "image/png"); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("absent room: %v", err)
	}

	err := st.Put(ctx, domain.Room{ID: "done", Status: domain.RoomEnded, ExpiresAt: time.Now().Add(time.Hour)}, time.Hour)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := a.AuthorizeUpload(ctx, "done", "a.png", 10, "image/png"); !errors.Is(err, domain.ErrRoomTerminal) {
		t.Fatalf("terminal room: %v", err)
	}
}

func TestAuthorizeDownload(t *testing.T) {
	a, st, _, signer := newTestAuthorizer(t, Config{})
	ctx := context.Background()
	putActiveRoom(t, st, "room1", time.Now().UTC().Add(time.Hour))

	auth, err := a.AuthorizeDownload(ctx, "room1", "file1", "report.pdf")
	if err != nil {
		t.Fatalf("authorize download: %v", err)
	}
	claims, err := signer.Verify(auth.DownloadToken)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Op != tokens.OpDownload || claims.FileID != "file1" {
		t.Fatalf("claims: %+v", claims)
	}

	if _, err := a.AuthorizeDownload(ctx, "room1", "", "x"); !errors.Is(err, domain.ErrFileRejected) {
		t.Fatalf("missing file id: %v", err)
	}
}

func TestPurgeRoomDropsRegistrations(t *testing.T) {
	a, st, objects, _ := newTestAuthorizer(t, Config{})
	ctx := context.Background()
	putActiveRoom(t, st, "room1", time.Now().UTC().Add(time.Hour))

	if _, err := a.AuthorizeUpload(ctx, "room1", "a.png", 10, "image/png"); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if err := objects.PurgeRoom(ctx, "room1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if got := objects.RoomFiles("room1"); len(got) != 0 {
		t.Fatalf("registrations survived purge: %+v", got)
	}
}

func TestSanitizeFileName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", ".._.._etc_passwd"},
		{"my file (1).png", "my_file_1_.png"},
		{"weird\x00name.txt", "weird_name.txt"},
		{"__already__safe__", "_already_safe_"},
		{"ünïcödé.txt", "_n_c_d_.txt"},
	}
	for _, tc := range cases {
		if got := SanitizeFileName(tc.in); got != tc.want {
			t.Fatalf("SanitizeFileName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
