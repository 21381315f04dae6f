package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"shelfmark/internal/authz"
	"shelfmark/pkg/domain"
	"shelfmark/pkg/store"
)

const testPassword = "Str0ng!Passw0rd"

// fakeObjectStore keeps blobs in memory and can be told to fail.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	deletes []string
	putErr  error
	delErr  error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeObjectStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[key]; !ok {
		return "", fmt.Errorf("no object %s", key)
	}
	return "https://objects.test/" + key, nil
}

func (f *fakeObjectStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, key)
	if f.delErr != nil {
		return f.delErr
	}
	delete(f.objects, key)
	return nil
}

func (f *fakeObjectStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

// flakyStore wraps a real store with injectable failures and call counters.
type flakyStore struct {
	store.Store
	saveBookErr   error
	deleteBookErr error
	unreadCalls   int
}

func (s *flakyStore) SaveBook(b domain.Book) error {
	if s.saveBookErr != nil {
		return s.saveBookErr
	}
	return s.Store.SaveBook(b)
}

func (s *flakyStore) DeleteBook(id string) error {
	if s.deleteBookErr != nil {
		return s.deleteBookErr
	}
	return s.Store.DeleteBook(id)
}

func (s *flakyStore) CountUnreadMessages(userID string) (int, error) {
	s.unreadCalls++
	return s.Store.CountUnreadMessages(userID)
}

func newTestApp(t *testing.T, mutate func(*Config)) (*App, *fakeObjectStore) {
	t.Helper()
	objects := newFakeObjectStore()
	cfg := Config{
		JWTSecret: "0123456789abcdef0123456789abcdef",
		Store:     store.NewMemoryStore(),
		Objects:   objects,
		Unread:    store.NewMemoryUnreadCache(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return a, objects
}

func signUp(t *testing.T, a *App, email, role string) (Session, string) {
	t.Helper()
	session, token, err := a.SignUp(SignUpInput{
		Email:    email,
		Password: testPassword,
		FullName: "Test User",
		Role:     role,
	})
	if err != nil {
		t.Fatalf("SignUp(%s) error: %v", email, err)
	}
	return session, token
}

func actorOf(s Session) domain.Actor {
	return domain.Actor{ID: s.User.ID, Role: s.Role}
}

func uploadInput(title string) UploadBookInput {
	return UploadBookInput{
		Title:    title,
		Author:   "Author",
		Category: "math",
		Filename: "notes.txt",
		Data:     []byte("chapter one"),
	}
}

func TestSignUpFirstAccountBecomesAdmin(t *testing.T) {
	a, _ := newTestApp(t, nil)

	first, token := signUp(t, a, "root@example.com", "student")
	if first.Role != domain.RoleAdmin {
		t.Fatalf("first account role = %s, want admin", first.Role)
	}
	if token == "" {
		t.Fatal("expected a session token")
	}

	second, _ := signUp(t, a, "kim@example.com", "student")
	if second.Role != domain.RoleStudent {
		t.Fatalf("second account role = %s, want student", second.Role)
	}
}

func TestSignUpRejectsAdminRole(t *testing.T) {
	a, _ := newTestApp(t, nil)
	signUp(t, a, "root@example.com", "")

	_, _, err := a.SignUp(SignUpInput{
		Email:    "mallory@example.com",
		Password: testPassword,
		FullName: "Mallory",
		Role:     "admin",
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("SignUp(role=admin) error = %v, want validation error", err)
	}
}

func TestSignUpNormalizesEmailAndRejectsDuplicate(t *testing.T) {
	a, _ := newTestApp(t, nil)
	signUp(t, a, "Kim@Example.com", "student")

	_, _, err := a.SignUp(SignUpInput{
		Email:    "kim@example.com",
		Password: testPassword,
		FullName: "Kim Again",
	})
	if !errors.Is(err, ErrEmailAlreadyExists) {
		t.Fatalf("duplicate signup error = %v, want ErrEmailAlreadyExists", err)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	a, _ := newTestApp(t, nil)
	signUp(t, a, "kim@example.com", "student")

	if _, _, err := a.Login("kim@example.com", "WrongPass1!x"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password error = %v, want ErrInvalidCredentials", err)
	}
	if _, _, err := a.Login("nobody@example.com", testPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email error = %v, want ErrInvalidCredentials", err)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	a, _ := newTestApp(t, nil)
	_, token := signUp(t, a, "kim@example.com", "student")

	if _, ok := a.ActorFromToken(token); !ok {
		t.Fatal("fresh token did not resolve")
	}
	if err := a.Logout(token); err != nil {
		t.Fatalf("Logout() error: %v", err)
	}
	if _, ok := a.ActorFromToken(token); ok {
		t.Fatal("token still resolves after logout")
	}
}

func TestUploadBookStoresBlobAndRow(t *testing.T) {
	a, objects := newTestApp(t, nil)
	session, _ := signUp(t, a, "kim@example.com", "student")
	actor := actorOf(session)

	book, err := a.UploadBook(context.Background(), actor, uploadInput("Algebra"))
	if err != nil {
		t.Fatalf("UploadBook() error: %v", err)
	}
	if book.UploadedBy != actor.ID {
		t.Fatalf("UploadedBy = %s, want %s", book.UploadedBy, actor.ID)
	}
	if objects.count() != 1 {
		t.Fatalf("object count = %d, want 1", objects.count())
	}
	entry, err := a.GetBookEntry(actor, book.ID)
	if err != nil {
		t.Fatalf("GetBookEntry() error: %v", err)
	}
	if !entry.CanDelete {
		t.Fatal("uploader should be able to delete their own book")
	}
}

func TestUploadBookRejectsUnsupportedExtension(t *testing.T) {
	a, objects := newTestApp(t, nil)
	session, _ := signUp(t, a, "kim@example.com", "student")

	in := uploadInput("Malware")
	in.Filename = "payload.exe"
	_, err := a.UploadBook(context.Background(), actorOf(session), in)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("upload .exe error = %v, want validation error", err)
	}
	if objects.count() != 0 {
		t.Fatal("rejected upload must not reach object storage")
	}
}

func TestUploadBookBlobFailureWritesNoRow(t *testing.T) {
	a, objects := newTestApp(t, nil)
	session, _ := signUp(t, a, "kim@example.com", "student")
	actor := actorOf(session)

	objects.putErr = errors.New("storage down")
	_, err := a.UploadBook(context.Background(), actor, uploadInput("Algebra"))
	if err == nil {
		t.Fatal("expected upload to fail")
	}
	var pf *PartialFailureError
	if errors.As(err, &pf) {
		t.Fatalf("aborted upload should not be partial: %v", err)
	}
	entries, err := a.ListBooks(actor, CatalogFilter{})
	if err != nil {
		t.Fatalf("ListBooks() error: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("catalog has %d entries after failed blob put, want 0", len(entries))
	}
}

func TestUploadBookCompensatesOnInsertFailure(t *testing.T) {
	flaky := &flakyStore{Store: store.NewMemoryStore()}
	a, objects := newTestApp(t, func(cfg *Config) { cfg.Store = flaky })
	session, _ := signUp(t, a, "kim@example.com", "student")

	flaky.saveBookErr = errors.New("insert blew up")
	_, err := a.UploadBook(context.Background(), actorOf(session), uploadInput("Algebra"))
	if err == nil {
		t.Fatal("expected upload to fail")
	}
	var pf *PartialFailureError
	if errors.As(err, &pf) {
		t.Fatalf("compensated failure should not be partial: %v", err)
	}
	if objects.count() != 0 {
		t.Fatalf("blob not cleaned up, %d objects remain", objects.count())
	}
	if len(objects.deletes) != 1 {
		t.Fatalf("compensating delete count = %d, want 1", len(objects.deletes))
	}
}

func TestUploadBookPartialFailureWhenCompensationFails(t *testing.T) {
	flaky := &flakyStore{Store: store.NewMemoryStore()}
	a, objects := newTestApp(t, func(cfg *Config) { cfg.Store = flaky })
	session, _ := signUp(t, a, "kim@example.com", "student")

	flaky.saveBookErr = errors.New("insert blew up")
	objects.delErr = errors.New("delete blew up")
	_, err := a.UploadBook(context.Background(), actorOf(session), uploadInput("Algebra"))
	var pf *PartialFailureError
	if !errors.As(err, &pf) {
		t.Fatalf("error = %v, want partial failure", err)
	}
	if pf.Op != "book.upload" {
		t.Fatalf("partial failure op = %s, want book.upload", pf.Op)
	}
	if objects.count() != 1 {
		t.Fatal("orphaned blob should remain for operator cleanup")
	}
}

func TestDeleteBookBlobFailureKeepsRow(t *testing.T) {
	a, objects := newTestApp(t, nil)
	session, _ := signUp(t, a, "kim@example.com", "student")
	actor := actorOf(session)

	book, err := a.UploadBook(context.Background(), actor, uploadInput("Algebra"))
	if err != nil {
		t.Fatalf("UploadBook() error: %v", err)
	}

	objects.delErr = errors.New("storage down")
	err = a.DeleteBook(context.Background(), actor, book.ID)
	if err == nil {
		t.Fatal("expected delete to fail")
	}
	var pf *PartialFailureError
	if errors.As(err, &pf) {
		t.Fatalf("aborted delete should not be partial: %v", err)
	}
	if _, err := a.GetBookEntry(actor, book.ID); err != nil {
		t.Fatalf("book row should survive a failed blob delete: %v", err)
	}
}

func TestDeleteBookRowFailureIsPartial(t *testing.T) {
	flaky := &flakyStore{Store: store.NewMemoryStore()}
	a, objects := newTestApp(t, func(cfg *Config) { cfg.Store = flaky })
	session, _ := signUp(t, a, "kim@example.com", "student")
	actor := actorOf(session)

	book, err := a.UploadBook(context.Background(), actor, uploadInput("Algebra"))
	if err != nil {
		t.Fatalf("UploadBook() error: %v", err)
	}

	flaky.deleteBookErr = errors.New("row delete blew up")
	err = a.DeleteBook(context.Background(), actor, book.ID)
	var pf *PartialFailureError
	if !errors.As(err, &pf) {
		t.Fatalf("error = %v, want partial failure", err)
	}
	if pf.Op != "book.delete" {
		t.Fatalf("partial failure op = %s, want book.delete", pf.Op)
	}
	if objects.count() != 0 {
		t.Fatal("blob should be gone after the first step")
	}
}

func TestDeleteBookPolicy(t *testing.T) {
	a, _ := newTestApp(t, nil)
	admin, _ := signUp(t, a, "root@example.com", "")
	owner, _ := signUp(t, a, "kim@example.com", "student")
	other, _ := signUp(t, a, "lee@example.com", "student")

	book, err := a.UploadBook(context.Background(), actorOf(owner), uploadInput("Algebra"))
	if err != nil {
		t.Fatalf("UploadBook() error: %v", err)
	}

	err = a.DeleteBook(context.Background(), actorOf(other), book.ID)
	var denied *authz.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("stranger delete error = %v, want denial", err)
	}

	if err := a.DeleteBook(context.Background(), actorOf(admin), book.ID); err != nil {
		t.Fatalf("admin delete error: %v", err)
	}

	events, err := a.AuditTrail(actorOf(admin), 10)
	if err != nil {
		t.Fatalf("AuditTrail() error: %v", err)
	}
	var found bool
	for _, e := range events {
		if e.Action == "book.delete" && e.ObjectID == book.ID {
			found = true
			if e.ActorID != admin.User.ID {
				t.Fatalf("audit actor = %s, want %s", e.ActorID, admin.User.ID)
			}
		}
	}
	if !found {
		t.Fatal("admin deletion of another user's book must be audited")
	}
}

func TestAddReviewRatingBounds(t *testing.T) {
	a, _ := newTestApp(t, nil)
	session, _ := signUp(t, a, "kim@example.com", "student")
	actor := actorOf(session)

	book, err := a.UploadBook(context.Background(), actor, uploadInput("Algebra"))
	if err != nil {
		t.Fatalf("UploadBook() error: %v", err)
	}

	for _, rating := range []int{0, 6, -1} {
		_, err := a.AddReview(actor, book.ID, rating, "nope")
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("AddReview(rating=%d) error = %v, want validation error", rating, err)
		}
	}
	for _, rating := range []int{1, 5} {
		if _, err := a.AddReview(actor, book.ID, rating, "fine"); err != nil {
			t.Fatalf("AddReview(rating=%d) error: %v", rating, err)
		}
	}
}

func TestCatalogAggregatesReviews(t *testing.T) {
	a, _ := newTestApp(t, nil)
	admin, _ := signUp(t, a, "root@example.com", "")
	kim, _ := signUp(t, a, "kim@example.com", "student")
	lee, _ := signUp(t, a, "lee@example.com", "student")

	book, err := a.UploadBook(context.Background(), actorOf(kim), uploadInput("Algebra"))
	if err != nil {
		t.Fatalf("UploadBook() error: %v", err)
	}
	if _, err := a.AddReview(actorOf(kim), book.ID, 3, "ok"); err != nil {
		t.Fatalf("AddReview() error: %v", err)
	}
	if _, err := a.AddReview(actorOf(lee), book.ID, 4, "good"); err != nil {
		t.Fatalf("AddReview() error: %v", err)
	}

	entries, err := a.ListBooks(actorOf(admin), CatalogFilter{})
	if err != nil {
		t.Fatalf("ListBooks() error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("catalog size = %d, want 1", len(entries))
	}
	got := entries[0]
	if got.ReviewCount != 2 {
		t.Fatalf("ReviewCount = %d, want 2", got.ReviewCount)
	}
	if got.AverageRating != 3.5 {
		t.Fatalf("AverageRating = %v, want 3.5", got.AverageRating)
	}
	if !got.CanDelete {
		t.Fatal("admin should see CanDelete on every book")
	}

	studentView, err := a.ListBooks(actorOf(lee), CatalogFilter{})
	if err != nil {
		t.Fatalf("ListBooks() error: %v", err)
	}
	if studentView[0].CanDelete {
		t.Fatal("non-owner student should not see CanDelete")
	}
}

func TestDeleteReviewAuthorOnly(t *testing.T) {
	a, _ := newTestApp(t, nil)
	admin, _ := signUp(t, a, "root@example.com", "")
	kim, _ := signUp(t, a, "kim@example.com", "student")

	book, err := a.UploadBook(context.Background(), actorOf(kim), uploadInput("Algebra"))
	if err != nil {
		t.Fatalf("UploadBook() error: %v", err)
	}
	review, err := a.AddReview(actorOf(kim), book.ID, 4, "good")
	if err != nil {
		t.Fatalf("AddReview() error: %v", err)
	}

	err = a.DeleteReview(actorOf(admin), review.ID)
	var denied *authz.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("admin review delete error = %v, want denial", err)
	}
	if err := a.DeleteReview(actorOf(kim), review.ID); err != nil {
		t.Fatalf("author review delete error: %v", err)
	}
}

func TestReassignRole(t *testing.T) {
	a, _ := newTestApp(t, nil)
	admin, _ := signUp(t, a, "root@example.com", "")
	kim, _ := signUp(t, a, "kim@example.com", "student")

	assignment, err := a.ReassignRole(actorOf(admin), kim.User.ID, domain.RoleTeacher)
	if err != nil {
		t.Fatalf("ReassignRole() error: %v", err)
	}
	if assignment.Role != domain.RoleTeacher {
		t.Fatalf("assignment role = %s, want teacher", assignment.Role)
	}
	if assignment.AssignedBy != admin.User.ID {
		t.Fatalf("AssignedBy = %s, want %s", assignment.AssignedBy, admin.User.ID)
	}

	session, err := a.CurrentSession(domain.Actor{ID: kim.User.ID, Role: domain.RoleStudent})
	if err != nil {
		t.Fatalf("CurrentSession() error: %v", err)
	}
	if session.Role != domain.RoleTeacher {
		t.Fatalf("resolved role = %s, want teacher", session.Role)
	}

	events, err := a.AuditTrail(actorOf(admin), 5)
	if err != nil {
		t.Fatalf("AuditTrail() error: %v", err)
	}
	if len(events) == 0 || events[0].Action != "role.reassign" {
		t.Fatalf("latest audit event = %+v, want role.reassign", events)
	}
	if events[0].Detail["role"] != "teacher" {
		t.Fatalf("audit detail = %v, want role=teacher", events[0].Detail)
	}
}

func TestReassignRoleDeniedForSelfAndNonAdmins(t *testing.T) {
	a, _ := newTestApp(t, nil)
	admin, _ := signUp(t, a, "root@example.com", "")
	kim, _ := signUp(t, a, "kim@example.com", "student")

	var denied *authz.DeniedError
	_, err := a.ReassignRole(actorOf(admin), admin.User.ID, domain.RoleStudent)
	if !errors.As(err, &denied) {
		t.Fatalf("self reassign error = %v, want denial", err)
	}
	_, err = a.ReassignRole(actorOf(kim), kim.User.ID, domain.RoleAdmin)
	if !errors.As(err, &denied) {
		t.Fatalf("student reassign error = %v, want denial", err)
	}

	// The failed attempts must leave the role store untouched.
	session, err := a.CurrentSession(actorOf(admin))
	if err != nil {
		t.Fatalf("CurrentSession() error: %v", err)
	}
	if session.Role != domain.RoleAdmin {
		t.Fatalf("admin role after denied reassigns = %s, want admin", session.Role)
	}
}

func TestMessageVisibility(t *testing.T) {
	a, _ := newTestApp(t, nil)
	signUp(t, a, "root@example.com", "")
	kim, _ := signUp(t, a, "kim@example.com", "student")
	lee, _ := signUp(t, a, "lee@example.com", "student")
	eve, _ := signUp(t, a, "eve@example.com", "student")

	msg, err := a.SendMessage(actorOf(kim), SendMessageInput{
		RecipientID: lee.User.ID,
		Subject:     "Ch. 3 question",
		Content:     "Did you understand the proof on p.42?",
	})
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}

	if _, err := a.GetMessage(actorOf(kim), msg.ID); err != nil {
		t.Fatalf("sender GetMessage() error: %v", err)
	}
	if _, err := a.GetMessage(actorOf(lee), msg.ID); err != nil {
		t.Fatalf("recipient GetMessage() error: %v", err)
	}
	_, err = a.GetMessage(actorOf(eve), msg.ID)
	var denied *authz.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("third party GetMessage() error = %v, want denial", err)
	}

	// Only the recipient may flip the read flag.
	_, err = a.MarkMessageRead(actorOf(kim), msg.ID)
	if !errors.As(err, &denied) {
		t.Fatalf("sender MarkMessageRead() error = %v, want denial", err)
	}
	read, err := a.MarkMessageRead(actorOf(lee), msg.ID)
	if err != nil {
		t.Fatalf("recipient MarkMessageRead() error: %v", err)
	}
	if !read.IsRead {
		t.Fatal("message should be read after marking")
	}
	// Marking twice is a no-op.
	if _, err := a.MarkMessageRead(actorOf(lee), msg.ID); err != nil {
		t.Fatalf("second MarkMessageRead() error: %v", err)
	}
}

func TestUnreadCountUsesCache(t *testing.T) {
	flaky := &flakyStore{Store: store.NewMemoryStore()}
	a, _ := newTestApp(t, func(cfg *Config) { cfg.Store = flaky })
	signUp(t, a, "root@example.com", "")
	kim, _ := signUp(t, a, "kim@example.com", "student")
	lee, _ := signUp(t, a, "lee@example.com", "student")

	send := func() domain.Message {
		msg, err := a.SendMessage(actorOf(kim), SendMessageInput{
			RecipientID: lee.User.ID,
			Subject:     "hello",
			Content:     "hi",
		})
		if err != nil {
			t.Fatalf("SendMessage() error: %v", err)
		}
		return msg
	}

	send()
	if n, err := a.UnreadCount(actorOf(lee)); err != nil || n != 1 {
		t.Fatalf("UnreadCount() = %d, %v; want 1", n, err)
	}
	if n, err := a.UnreadCount(actorOf(lee)); err != nil || n != 1 {
		t.Fatalf("cached UnreadCount() = %d, %v; want 1", n, err)
	}
	if flaky.unreadCalls != 1 {
		t.Fatalf("store unread calls = %d, want 1 (second read served from cache)", flaky.unreadCalls)
	}

	// A new message drops the cache.
	msg := send()
	if n, _ := a.UnreadCount(actorOf(lee)); n != 2 {
		t.Fatalf("UnreadCount() after send = %d, want 2", n)
	}
	if flaky.unreadCalls != 2 {
		t.Fatalf("store unread calls = %d, want 2", flaky.unreadCalls)
	}

	// Reading a message drops it again.
	if _, err := a.MarkMessageRead(actorOf(lee), msg.ID); err != nil {
		t.Fatalf("MarkMessageRead() error: %v", err)
	}
	if n, _ := a.UnreadCount(actorOf(lee)); n != 1 {
		t.Fatalf("UnreadCount() after read = %d, want 1", n)
	}
}

func TestListProfilesRoleGate(t *testing.T) {
	a, _ := newTestApp(t, nil)
	admin, _ := signUp(t, a, "root@example.com", "")
	teacher, _ := signUp(t, a, "prof@example.com", "teacher")
	student, _ := signUp(t, a, "kim@example.com", "student")

	if _, err := a.ListProfiles(actorOf(admin)); err != nil {
		t.Fatalf("admin ListProfiles() error: %v", err)
	}
	if _, err := a.ListProfiles(actorOf(teacher)); err != nil {
		t.Fatalf("teacher ListProfiles() error: %v", err)
	}
	_, err := a.ListProfiles(actorOf(student))
	var denied *authz.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("student ListProfiles() error = %v, want denial", err)
	}
}

func TestUpdateProfileOwnerOnly(t *testing.T) {
	a, _ := newTestApp(t, nil)
	admin, _ := signUp(t, a, "root@example.com", "")
	kim, _ := signUp(t, a, "kim@example.com", "student")

	name := "Kim Chen"
	updated, err := a.UpdateProfile(actorOf(kim), kim.User.ID, ProfileUpdate{FullName: &name})
	if err != nil {
		t.Fatalf("UpdateProfile() error: %v", err)
	}
	if updated.FullName != "Kim Chen" {
		t.Fatalf("FullName = %s, want Kim Chen", updated.FullName)
	}

	_, err = a.UpdateProfile(actorOf(admin), kim.User.ID, ProfileUpdate{FullName: &name})
	var denied *authz.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("admin UpdateProfile(other) error = %v, want denial", err)
	}
}

func TestStatsAdminOnly(t *testing.T) {
	a, _ := newTestApp(t, nil)
	admin, _ := signUp(t, a, "root@example.com", "")
	kim, _ := signUp(t, a, "kim@example.com", "student")

	if _, err := a.UploadBook(context.Background(), actorOf(kim), uploadInput("Algebra")); err != nil {
		t.Fatalf("UploadBook() error: %v", err)
	}

	stats, err := a.Stats(context.Background(), actorOf(admin))
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if stats.Users != 2 || stats.Books != 1 {
		t.Fatalf("Stats() = %+v, want 2 users / 1 book", stats)
	}

	_, err = a.Stats(context.Background(), actorOf(kim))
	var denied *authz.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("student Stats() error = %v, want denial", err)
	}
}

func TestGetDownloadURL(t *testing.T) {
	a, _ := newTestApp(t, nil)
	kim, _ := signUp(t, a, "kim@example.com", "student")
	lee, _ := signUp(t, a, "lee@example.com", "student")

	book, err := a.UploadBook(context.Background(), actorOf(kim), uploadInput("Algebra"))
	if err != nil {
		t.Fatalf("UploadBook() error: %v", err)
	}

	// Catalog reads are shared, so any authenticated user can download.
	url, filename, err := a.GetDownloadURL(context.Background(), actorOf(lee), book.ID)
	if err != nil {
		t.Fatalf("GetDownloadURL() error: %v", err)
	}
	if url == "" || filename != "notes.txt" {
		t.Fatalf("GetDownloadURL() = %q, %q; want url and notes.txt", url, filename)
	}

	if _, _, err := a.GetDownloadURL(context.Background(), actorOf(lee), "missing"); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("missing book error = %v, want ErrBookNotFound", err)
	}
}
