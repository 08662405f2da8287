package store

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/AlekSi/pointer"
	"github.com/lobikohealth/LobikoPipe/internal/models"
)

func testPatient(phone string) *models.Patient {
	return &models.Patient{
		Phone:         phone,
		WhatsAppID:    phone,
		LastName:      "Mbuyi",
		MiddleName:    "Kabasele",
		GivenName:     "Grace",
		Sex:           "F",
		BirthDate:     time.Date(1990, 4, 12, 0, 0, 0, 0, time.UTC),
		MaritalStatus: "Célibataire",
		District:      "Gombe",
		Neighborhood:  pointer.ToString("Haut-Commandement"),
		Languages:     models.LanguageList{"fr", "ln"},
	}
}

func mustCreatePatient(t *testing.T, s Store, phone string) *models.Patient {
	t.Helper()
	p := testPatient(phone)
	if err := s.CreatePatient(context.Background(), p); err != nil {
		t.Fatalf("CreatePatient failed: %v", err)
	}
	return p
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":      "postgres",
		"postgresql://localhost/db":        "postgres",
		"host=localhost dbname=lobiko":     "postgres",
		"/var/lib/lobiko/lobiko.db":        "sqlite3",
		"file:/tmp/lobiko.db?_journal=WAL": "sqlite3",
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q): expected %s, got %s", dsn, want, got)
		}
	}
}

func TestWithSQLiteDefaults(t *testing.T) {
	if got := withSQLiteDefaults("/tmp/a.db"); got != "/tmp/a.db?"+sqliteDefaultParams {
		t.Errorf("unexpected DSN %q", got)
	}
	if got := withSQLiteDefaults("file:/tmp/a.db?cache=shared"); got != "file:/tmp/a.db?cache=shared&"+sqliteDefaultParams {
		t.Errorf("unexpected DSN %q", got)
	}
	if got := sqliteFilePath("file:/tmp/a.db?cache=shared"); got != "/tmp/a.db" {
		t.Errorf("unexpected path %q", got)
	}
}

func TestSQLiteStore_Patients(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	p := mustCreatePatient(t, s, "243810000001")
	if p.ID == 0 {
		t.Fatal("Expected patient ID to be set")
	}

	got, err := s.GetPatientByPhone(ctx, "243810000001")
	if err != nil {
		t.Fatalf("GetPatientByPhone failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected patient, got nil")
	}
	if got.GivenName != "Grace" || got.District != "Gombe" {
		t.Errorf("Unexpected patient %+v", got)
	}
	if len(got.Languages) != 2 || got.Languages[1] != "ln" {
		t.Errorf("Expected languages [fr ln], got %v", got.Languages)
	}
	if pointer.GetString(got.Neighborhood) != "Haut-Commandement" {
		t.Errorf("Expected neighborhood preserved, got %v", got.Neighborhood)
	}
	if got.Street != nil {
		t.Errorf("Expected nil street, got %q", *got.Street)
	}
	if !got.BirthDate.Equal(p.BirthDate) {
		t.Errorf("Expected birth date %v, got %v", p.BirthDate, got.BirthDate)
	}

	byID, err := s.GetPatient(ctx, p.ID)
	if err != nil || byID == nil || byID.Phone != p.Phone {
		t.Fatalf("GetPatient failed: %v %+v", err, byID)
	}

	missing, err := s.GetPatientByPhone(ctx, "000")
	if err != nil {
		t.Fatalf("GetPatientByPhone missing failed: %v", err)
	}
	if missing != nil {
		t.Error("Expected nil for unknown phone")
	}

	err = s.CreatePatient(ctx, testPatient("243810000001"))
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Expected ErrDuplicate, got %v", err)
	}
}

func TestSQLiteStore_SessionLifecycle(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	p := mustCreatePatient(t, s, "243810000002")

	open, err := s.GetOpenSession(ctx, p.ID)
	if err != nil || open != nil {
		t.Fatalf("Expected no open session, got %+v, %v", open, err)
	}

	cs, created, err := s.CreateSessionIfAbsent(ctx, p.ID)
	if err != nil {
		t.Fatalf("CreateSessionIfAbsent failed: %v", err)
	}
	if !created {
		t.Fatal("Expected a new session")
	}
	if cs.Status() != models.SessionStatusPending {
		t.Errorf("Expected PENDING, got %s", cs.Status())
	}

	again, created, err := s.CreateSessionIfAbsent(ctx, p.ID)
	if err != nil {
		t.Fatalf("second CreateSessionIfAbsent failed: %v", err)
	}
	if created || again.ID != cs.ID {
		t.Errorf("Expected existing session %d, got %d (created=%v)", cs.ID, again.ID, created)
	}

	doc := &models.Physician{Name: "Dr Ilunga"}
	if err := s.CreatePhysician(ctx, doc); err != nil {
		t.Fatalf("CreatePhysician failed: %v", err)
	}
	ok, err := s.AssignPhysician(ctx, cs.ID, doc.ID)
	if err != nil || !ok {
		t.Fatalf("AssignPhysician failed: %v (ok=%v)", err, ok)
	}
	ok, _ = s.AssignPhysician(ctx, cs.ID, doc.ID)
	if ok {
		t.Error("Expected second assignment to be rejected")
	}

	got, _ := s.GetSession(ctx, cs.ID)
	if got.Status() != models.SessionStatusInProgress {
		t.Errorf("Expected IN_PROGRESS, got %s", got.Status())
	}

	closed, err := s.CloseSession(ctx, cs.ID, time.Now(), false)
	if err != nil || !closed {
		t.Fatalf("CloseSession failed: %v (closed=%v)", err, closed)
	}
	closed, _ = s.CloseSession(ctx, cs.ID, time.Now(), false)
	if closed {
		t.Error("Expected closing a closed session to report false")
	}
	got, _ = s.GetSession(ctx, cs.ID)
	if got.Status() != models.SessionStatusClosed {
		t.Errorf("Expected CLOSED, got %s", got.Status())
	}

	next, created, err := s.CreateSessionIfAbsent(ctx, p.ID)
	if err != nil || !created || next.ID == cs.ID {
		t.Fatalf("Expected a fresh session after close, got %+v created=%v err=%v", next, created, err)
	}
	if _, err := s.CloseSession(ctx, next.ID, time.Now(), true); err != nil {
		t.Fatalf("CloseSession cancelled failed: %v", err)
	}
	got, _ = s.GetSession(ctx, next.ID)
	if got.Status() != models.SessionStatusCancelled {
		t.Errorf("Expected CANCELLED, got %s", got.Status())
	}
}

func TestSQLiteStore_ListOpenSessions(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	waiting := mustCreatePatient(t, s, "243810000011")
	taken := mustCreatePatient(t, s, "243810000012")
	elsewhere := mustCreatePatient(t, s, "243810000013")
	done := mustCreatePatient(t, s, "243810000014")

	doc := &models.Physician{Name: "Dr Ilunga"}
	other := &models.Physician{Name: "Dr Kalala"}
	for _, p := range []*models.Physician{doc, other} {
		if err := s.CreatePhysician(ctx, p); err != nil {
			t.Fatalf("CreatePhysician failed: %v", err)
		}
	}

	open := func(p *models.Patient) *models.ConsultationSession {
		cs, _, err := s.CreateSessionIfAbsent(ctx, p.ID)
		if err != nil {
			t.Fatalf("CreateSessionIfAbsent failed: %v", err)
		}
		return cs
	}
	pending := open(waiting)
	mine := open(taken)
	theirs := open(elsewhere)
	closed := open(done)
	if ok, err := s.AssignPhysician(ctx, mine.ID, doc.ID); err != nil || !ok {
		t.Fatalf("AssignPhysician failed: %v (ok=%v)", err, ok)
	}
	if ok, err := s.AssignPhysician(ctx, theirs.ID, other.ID); err != nil || !ok {
		t.Fatalf("AssignPhysician failed: %v (ok=%v)", err, ok)
	}
	if _, err := s.CloseSession(ctx, closed.ID, time.Now(), false); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}

	ids := func(filter models.SessionQueueFilter) []int64 {
		t.Helper()
		list, err := s.ListOpenSessions(ctx, filter)
		if err != nil {
			t.Fatalf("ListOpenSessions(%+v) failed: %v", filter, err)
		}
		out := make([]int64, 0, len(list))
		for _, item := range list {
			out = append(out, item.Session.ID)
		}
		return out
	}
	same := func(got []int64, want ...int64) bool {
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}

	if got := ids(models.SessionQueueFilter{Pending: true}); !same(got, pending.ID) {
		t.Errorf("Expected pending queue [%d], got %v", pending.ID, got)
	}
	if got := ids(models.SessionQueueFilter{PhysicianID: doc.ID}); !same(got, mine.ID) {
		t.Errorf("Expected physician queue [%d], got %v", mine.ID, got)
	}
	if got := ids(models.SessionQueueFilter{Pending: true, PhysicianID: doc.ID}); !same(got, pending.ID, mine.ID) {
		t.Errorf("Expected dashboard [%d %d], got %v", pending.ID, mine.ID, got)
	}
	if got := ids(models.SessionQueueFilter{}); !same(got, pending.ID, mine.ID, theirs.ID) {
		t.Errorf("Expected every open session, got %v", got)
	}

	list, err := s.ListOpenSessions(ctx, models.SessionQueueFilter{PhysicianID: doc.ID})
	if err != nil || len(list) != 1 {
		t.Fatalf("Expected one summary, got %v (err=%v)", list, err)
	}
	if list[0].Status != models.SessionStatusInProgress || list[0].PatientGivenName != "Grace" || list[0].PatientLastName != "Mbuyi" {
		t.Errorf("Unexpected summary %+v", list[0])
	}
}

func TestSQLiteStore_CreateSessionIfAbsentConcurrent(t *testing.T) {
	s := newTestSQLiteStore(t)
	p := mustCreatePatient(t, s, "243810000003")

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[int64]bool{}
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cs, ok, err := s.CreateSessionIfAbsent(context.Background(), p.ID)
			if err != nil {
				t.Errorf("CreateSessionIfAbsent failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			ids[cs.ID] = true
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("Expected exactly 1 created session, got %d", created)
	}
	if len(ids) != 1 {
		t.Errorf("Expected every caller to see the same session, got %v", ids)
	}
}

func TestSQLiteStore_Transcript(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	p := mustCreatePatient(t, s, "243810000004")
	cs, _, _ := s.CreateSessionIfAbsent(ctx, p.ID)

	msgs := []*models.Message{
		{SessionID: cs.ID, Sender: models.BotSender(), Content: "Votre demande a été enregistrée."},
		{SessionID: cs.ID, Sender: models.PatientSender(p.ID), Content: "J'ai de la fièvre"},
	}
	for _, m := range msgs {
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}
	if err := s.AppendMessage(ctx, &models.Message{SessionID: cs.ID, Sender: models.Sender{Kind: models.SenderPatient}, Content: "x"}); err == nil {
		t.Error("Expected invalid sender to be rejected")
	}

	media := &models.MediaMessage{
		SessionID: cs.ID,
		Sender:    models.PatientSender(p.ID),
		MediaType: models.MediaTypeImage,
		MediaRef:  "media-123",
		MimeType:  "image/jpeg",
		Caption:   "ordonnance",
	}
	if err := s.AppendMedia(ctx, media); err != nil {
		t.Fatalf("AppendMedia failed: %v", err)
	}

	listed, err := s.ListMessages(ctx, cs.ID)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(listed))
	}
	if listed[0].Sender.Kind != models.SenderBot || listed[1].Sender.ID != p.ID {
		t.Errorf("Unexpected senders %+v %+v", listed[0].Sender, listed[1].Sender)
	}

	listedMedia, err := s.ListMedia(ctx, cs.ID)
	if err != nil {
		t.Fatalf("ListMedia failed: %v", err)
	}
	if len(listedMedia) != 1 || listedMedia[0].MediaRef != "media-123" || listedMedia[0].MediaType != models.MediaTypeImage {
		t.Errorf("Unexpected media %+v", listedMedia)
	}
}

func TestSQLiteStore_ConversationStates(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	ts := time.Now().UTC()

	rec := ConversationRecord{
		UserID:    "243810000005",
		Step:      "AWAITING_NAME",
		Fields:    map[string]string{},
		Version:   1,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	ok, err := s.InsertConversationState(ctx, rec)
	if err != nil || !ok {
		t.Fatalf("InsertConversationState failed: %v (ok=%v)", err, ok)
	}
	ok, _ = s.InsertConversationState(ctx, rec)
	if ok {
		t.Error("Expected duplicate insert to report false")
	}

	rec.Step = "AWAITING_MIDDLE_NAME"
	rec.Fields = map[string]string{"last_name": "Mbuyi"}
	rec.Version = 2
	ok, err = s.UpdateConversationState(ctx, rec, 1)
	if err != nil || !ok {
		t.Fatalf("UpdateConversationState failed: %v (ok=%v)", err, ok)
	}
	ok, _ = s.UpdateConversationState(ctx, rec, 1)
	if ok {
		t.Error("Expected stale version update to be rejected")
	}

	got, err := s.GetConversationState(ctx, rec.UserID)
	if err != nil || got == nil {
		t.Fatalf("GetConversationState failed: %v", err)
	}
	if got.Step != "AWAITING_MIDDLE_NAME" || got.Fields["last_name"] != "Mbuyi" || got.Version != 2 {
		t.Errorf("Unexpected record %+v", got)
	}

	all, err := s.ListConversationStates(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListConversationStates: expected 1, got %d (%v)", len(all), err)
	}

	ok, _ = s.DeleteConversationStateIfVersion(ctx, rec.UserID, 1)
	if ok {
		t.Error("Expected delete at stale version to be rejected")
	}
	ok, err = s.DeleteConversationStateIfVersion(ctx, rec.UserID, 2)
	if err != nil || !ok {
		t.Fatalf("DeleteConversationStateIfVersion failed: %v (ok=%v)", err, ok)
	}
	if err := s.DeleteConversationState(ctx, rec.UserID); err != nil {
		t.Fatalf("DeleteConversationState on missing row failed: %v", err)
	}
	got, _ = s.GetConversationState(ctx, rec.UserID)
	if got != nil {
		t.Errorf("Expected state removed, got %+v", got)
	}
}

func TestPostgresStore(t *testing.T) {
	// Requires a running PostgreSQL instance; set DATABASE_URL.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()
	ctx := context.Background()

	phone := "pgtest-" + time.Now().Format("150405.000000")
	p := testPatient(phone)
	if err := pgStore.CreatePatient(ctx, p); err != nil {
		t.Fatalf("CreatePatient failed: %v", err)
	}
	defer pgStore.db.Exec("DELETE FROM patients WHERE id = $1", p.ID)

	if err := pgStore.CreatePatient(ctx, testPatient(phone)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Expected ErrDuplicate, got %v", err)
	}

	cs, created, err := pgStore.CreateSessionIfAbsent(ctx, p.ID)
	if err != nil || !created {
		t.Fatalf("CreateSessionIfAbsent failed: %v (created=%v)", err, created)
	}
	again, created, err := pgStore.CreateSessionIfAbsent(ctx, p.ID)
	if err != nil || created || again.ID != cs.ID {
		t.Fatalf("Expected existing session, got %+v created=%v err=%v", again, created, err)
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
