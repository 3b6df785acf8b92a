package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stenoworks/steno/internal/fault"
	"github.com/stenoworks/steno/internal/generation"
	"github.com/stenoworks/steno/internal/models"
	"github.com/stenoworks/steno/internal/queue"
	"github.com/stenoworks/steno/internal/scope"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testScope = scope.Scope{Family: "dev", Host: "test"}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeGen struct {
	transcript    string
	transcribeErr error
	category      string
	categorizeErr error
	tasks         []string
	tasksErr      error
}

func (f *fakeGen) Transcribe(ctx context.Context, path string) (string, error) {
	return f.transcript, f.transcribeErr
}

func (f *fakeGen) Categorize(ctx context.Context, text string) (string, error) {
	return f.category, f.categorizeErr
}

func (f *fakeGen) ExtractTasks(ctx context.Context, texts []string) ([]string, error) {
	return f.tasks, f.tasksErr
}

func quotaErr() error {
	return fault.New(fault.RetryableUpstream, "insufficient_quota")
}

type enqueueCall struct {
	Queue    string
	DedupKey string
}

type enqueueRecorder struct {
	mu    sync.Mutex
	calls []enqueueCall
}

func (r *enqueueRecorder) fn() Enqueuer {
	return func(queueName string, payload interface{}, dedupKey string) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, enqueueCall{Queue: queueName, DedupKey: dedupKey})
		return nil
	}
}

func (r *enqueueRecorder) all() []enqueueCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]enqueueCall, len(r.calls))
	copy(cp, r.calls)
	return cp
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []string
	chats []string
	err   error
}

func (n *fakeNotifier) Notify(ctx context.Context, chatID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.chats = append(n.chats, chatID)
	n.sent = append(n.sent, text)
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func openPipelineTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.Session{}, &models.Message{}, &models.DeferredReview{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func newTestPipeline(t *testing.T, db *gorm.DB, gen *fakeGen, rec *enqueueRecorder, notifier Notifier) *Pipeline {
	t.Helper()
	var g generation.Client
	if gen != nil {
		g = gen
	}
	p, err := New(Opts{
		DB:          db,
		Scope:       testScope,
		Generation:  g,
		Enqueue:     rec.fn(),
		Notifier:    notifier,
		RetryBase:   30 * time.Second,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func seedSession(t *testing.T, db *gorm.DB, id string) *models.Session {
	t.Helper()
	sess := models.Session{ID: id, OwnerID: "o1", ChatID: "chat-1", Runtime: testScope.Tag(), IsActive: true}
	if err := db.Create(&sess).Error; err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return &sess
}

func seedMessage(t *testing.T, db *gorm.DB, id, sessionID, text, voicePath string) *models.Message {
	t.Helper()
	msg := models.Message{
		ID: id, SessionID: sessionID, Runtime: testScope.Tag(),
		Text: text, VoicePath: voicePath, ToTranscribe: true,
	}
	if err := db.Create(&msg).Error; err != nil {
		t.Fatalf("seed message: %v", err)
	}
	return &msg
}

// ---------------------------------------------------------------------------
// Transcribe
// ---------------------------------------------------------------------------

func TestTranscribeNotFound(t *testing.T) {
	db := openPipelineTestDB(t)
	rec := &enqueueRecorder{}
	p := newTestPipeline(t, db, &fakeGen{}, rec, nil)

	res, err := p.Transcribe(context.Background(), TranscribePayload{MessageID: "nope"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Code != CodeNotFound {
		t.Errorf("code = %q, want not_found", res.Code)
	}
	if len(rec.all()) != 0 {
		t.Errorf("not_found must not enqueue")
	}
}

func TestTranscribeTextFallback(t *testing.T) {
	db := openPipelineTestDB(t)
	seedSession(t, db, "s1")
	seedMessage(t, db, "m1", "s1", "buy milk", "")
	rec := &enqueueRecorder{}
	p := newTestPipeline(t, db, &fakeGen{}, rec, nil)

	res, err := p.Transcribe(context.Background(), TranscribePayload{MessageID: "m1"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Code != CodeOK {
		t.Fatalf("code = %q, want ok", res.Code)
	}

	var msg models.Message
	db.First(&msg, "id = ?", "m1")
	if !msg.IsTranscribed {
		t.Errorf("is_transcribed = false")
	}
	if msg.TranscribeMethod != MethodTextFallback {
		t.Errorf("method = %q, want text_fallback", msg.TranscribeMethod)
	}
	if msg.Transcript != "buy milk" {
		t.Errorf("transcript = %q", msg.Transcript)
	}

	calls := rec.all()
	if len(calls) != 1 || calls[0].Queue != queue.Categorize {
		t.Fatalf("enqueues = %v, want one categorize", calls)
	}
	if want := queue.UnitStageKey("s1", "m1", queue.Categorize); calls[0].DedupKey != want {
		t.Errorf("dedup key = %q, want %q", calls[0].DedupKey, want)
	}
}

func TestTranscribeVoiceSuccess(t *testing.T) {
	db := openPipelineTestDB(t)
	seedSession(t, db, "s1")
	seedMessage(t, db, "m1", "s1", "", "/data/voice/m1.ogg")
	rec := &enqueueRecorder{}
	p := newTestPipeline(t, db, &fakeGen{transcript: "hello there"}, rec, nil)

	res, err := p.Transcribe(context.Background(), TranscribePayload{MessageID: "m1"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Code != CodeOK {
		t.Fatalf("code = %q", res.Code)
	}

	var msg models.Message
	db.First(&msg, "id = ?", "m1")
	if msg.Transcript != "hello there" || msg.TranscribeMethod != MethodVoice {
		t.Errorf("transcript=%q method=%q", msg.Transcript, msg.TranscribeMethod)
	}

	// Single message session: transcription stage should be finished.
	var sess models.Session
	db.First(&sess, "id = ?", "s1")
	if !sess.StageMap()[models.StageTranscription].IsFinished {
		t.Errorf("transcription stage not finished")
	}
}

func TestTranscribeSkipWithoutContent(t *testing.T) {
	db := openPipelineTestDB(t)
	seedSession(t, db, "s1")
	seedMessage(t, db, "m1", "s1", "", "")
	rec := &enqueueRecorder{}
	p := newTestPipeline(t, db, &fakeGen{}, rec, nil)

	res, err := p.Transcribe(context.Background(), TranscribePayload{MessageID: "m1"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Code != CodeSkipped || res.Reason != "no_transcribable_content" {
		t.Errorf("result = %+v", res)
	}

	// Downstream must still progress.
	calls := rec.all()
	if len(calls) != 1 || calls[0].Queue != queue.Categorize {
		t.Errorf("skip must still enqueue categorize, got %v", calls)
	}
}

func TestTranscribeIdempotent(t *testing.T) {
	db := openPipelineTestDB(t)
	seedSession(t, db, "s1")
	msg := seedMessage(t, db, "m1", "s1", "note", "")
	db.Model(msg).Updates(map[string]interface{}{
		"is_transcribed": true, "transcribe_method": MethodTextFallback, "transcript": "note",
	})
	rec := &enqueueRecorder{}
	p := newTestPipeline(t, db, &fakeGen{transcript: "SHOULD NOT APPEAR"}, rec, nil)

	res, err := p.Transcribe(context.Background(), TranscribePayload{MessageID: "m1"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Code != CodeOK {
		t.Errorf("code = %q", res.Code)
	}

	var reloaded models.Message
	db.First(&reloaded, "id = ?", "m1")
	if reloaded.Transcript != "note" {
		t.Errorf("re-invocation changed persisted output: %q", reloaded.Transcript)
	}
	if len(rec.all()) != 0 {
		t.Errorf("re-invocation should not enqueue")
	}
}

func TestTranscribeQuotaRetry(t *testing.T) {
	db := openPipelineTestDB(t)
	seedSession(t, db, "s1")
	seedMessage(t, db, "m1", "s1", "", "/data/voice/m1.ogg")
	rec := &enqueueRecorder{}
	p := newTestPipeline(t, db, &fakeGen{transcribeErr: quotaErr()}, rec, nil)

	res, err := p.Transcribe(context.Background(), TranscribePayload{MessageID: "m1"})
	if err != nil {
		t.Fatalf("quota failure must not throw: %v", err)
	}
	if res.Code != CodeRetrying || res.Reason != ReasonQuota {
		t.Errorf("result = %+v", res)
	}

	var msg models.Message
	db.First(&msg, "id = ?", "m1")
	if msg.RetryReason != ReasonQuota {
		t.Errorf("retry_reason = %q", msg.RetryReason)
	}
	if msg.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", msg.Attempts)
	}
	if msg.NextAttemptAt == nil || !msg.NextAttemptAt.After(time.Now()) {
		t.Errorf("next_attempt_at not in the future: %v", msg.NextAttemptAt)
	}
	if len(rec.all()) != 0 {
		t.Errorf("retryable failure must not enqueue next stage")
	}
}

func TestTranscribeAttemptCeiling(t *testing.T) {
	db := openPipelineTestDB(t)
	seedSession(t, db, "s1")
	seedMessage(t, db, "m1", "s1", "", "/data/voice/m1.ogg")
	rec := &enqueueRecorder{}
	p := newTestPipeline(t, db, &fakeGen{transcribeErr: quotaErr()}, rec, nil)

	prev := 0
	for i := 0; i < 4; i++ {
		// Clear the backoff so the handler reprocesses immediately.
		db.Model(&models.Message{}).Where("id = ?", "m1").Update("next_attempt_at", nil)
		if _, err := p.Transcribe(context.Background(), TranscribePayload{MessageID: "m1"}); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		var msg models.Message
		db.First(&msg, "id = ?", "m1")
		if msg.Attempts < prev {
			t.Errorf("attempts decreased: %d -> %d", prev, msg.Attempts)
		}
		prev = msg.Attempts
	}

	var msg models.Message
	db.First(&msg, "id = ?", "m1")
	if msg.RetryReason != ReasonMaxAttempts {
		t.Errorf("retry_reason = %q, want max_attempts_exceeded", msg.RetryReason)
	}
	if msg.NextAttemptAt != nil {
		t.Errorf("terminal state must not schedule a retry")
	}
}

func TestTranscribeMissingGenerationClient(t *testing.T) {
	db := openPipelineTestDB(t)
	seedSession(t, db, "s1")
	seedMessage(t, db, "m1", "s1", "", "/data/voice/m1.ogg")
	rec := &enqueueRecorder{}
	p := newTestPipeline(t, db, nil, rec, nil)

	res, err := p.Transcribe(context.Background(), TranscribePayload{MessageID: "m1"})
	if err != nil {
		t.Fatalf("config failure must not throw: %v", err)
	}
	if res.Code != CodeTerminal || res.Reason != ReasonConfig {
		t.Errorf("result = %+v", res)
	}

	var msg models.Message
	db.First(&msg, "id = ?", "m1")
	if msg.RetryReason != ReasonConfig {
		t.Errorf("retry_reason = %q, want terminal_config", msg.RetryReason)
	}
}

// ---------------------------------------------------------------------------
// Categorize
// ---------------------------------------------------------------------------

func TestCategorizeQuotaFailure(t *testing.T) {
	db := openPipelineTestDB(t)
	seedSession(t, db, "s1")
	msg := seedMessage(t, db, "m1", "s1", "", "/v.ogg")
	db.Model(msg).Updates(map[string]interface{}{
		"is_transcribed": true, "transcript": "call the dentist",
	})
	rec := &enqueueRecorder{}
	p := newTestPipeline(t, db, &fakeGen{categorizeErr: quotaErr()}, rec, nil)

	res, err := p.Categorize(context.Background(), CategorizePayload{MessageID: "m1", SessionID: "s1"})
	if err != nil {
		t.Fatalf("quota failure must not throw: %v", err)
	}
	if res.Code != CodeRetrying || res.Reason != ReasonQuota {
		t.Errorf("result = %+v", res)
	}

	var reloaded models.Message
	db.First(&reloaded, "id = ?", "m1")
	if reloaded.CategorizeReason != ReasonQuota {
		t.Errorf("categorize_reason = %q, want insufficient_quota", reloaded.CategorizeReason)
	}
	if reloaded.NextCategorizeAt == nil || !reloaded.NextCategorizeAt.After(time.Now()) {
		t.Errorf("next_categorize_at not scheduled: %v", reloaded.NextCategorizeAt)
	}
	if len(rec.all()) != 0 {
		t.Errorf("retryable failure must not enqueue next stage")
	}
}

func TestCategorizeAdvancesSessionWhenAllDone(t *testing.T) {
	db := openPipelineTestDB(t)
	seedSession(t, db, "s1")
	m1 := seedMessage(t, db, "m1", "s1", "note one", "")
	m2 := seedMessage(t, db, "m2", "s1", "note two", "")
	db.Model(m1).Updates(map[string]interface{}{"is_transcribed": true, "transcript": "note one"})
	db.Model(m2).Updates(map[string]interface{}{"is_transcribed": true, "transcript": "note two"})
	rec := &enqueueRecorder{}
	p := newTestPipeline(t, db, &fakeGen{category: "task"}, rec, nil)

	if _, err := p.Categorize(context.Background(), CategorizePayload{MessageID: "m1", SessionID: "s1"}); err != nil {
		t.Fatalf("categorize m1: %v", err)
	}

	var sess models.Session
	db.First(&sess, "id = ?", "s1")
	if sess.IsMessagesProcessed {
		t.Fatalf("session flagged processed with one message pending")
	}
	if len(rec.all()) != 0 {
		t.Fatalf("tasks enqueued before all messages categorized")
	}

	if _, err := p.Categorize(context.Background(), CategorizePayload{MessageID: "m2", SessionID: "s1"}); err != nil {
		t.Fatalf("categorize m2: %v", err)
	}

	db.First(&sess, "id = ?", "s1")
	if !sess.IsMessagesProcessed {
		t.Errorf("is_messages_processed = false after all messages categorized")
	}
	if !sess.StageMap()[models.StageCategorization].IsFinished {
		t.Errorf("categorization stage not finished")
	}

	calls := rec.all()
	if len(calls) != 1 || calls[0].Queue != queue.Tasks {
		t.Fatalf("enqueues = %v, want one tasks job", calls)
	}
	if want := queue.SessionStageKey("s1", queue.Tasks); calls[0].DedupKey != want {
		t.Errorf("dedup key = %q, want %q", calls[0].DedupKey, want)
	}
}

// ---------------------------------------------------------------------------
// CreateTasks / Notify / Review
// ---------------------------------------------------------------------------

func TestCreateTasksSchedulesReviews(t *testing.T) {
	db := openPipelineTestDB(t)
	seedSession(t, db, "s1")
	msg := seedMessage(t, db, "m1", "s1", "", "/v.ogg")
	db.Model(msg).Updates(map[string]interface{}{
		"is_transcribed": true, "transcript": "call dentist and pay rent",
		"is_categorized": true, "category": "task",
	})
	rec := &enqueueRecorder{}
	p := newTestPipeline(t, db, &fakeGen{tasks: []string{"call dentist", "pay rent"}}, rec, nil)

	res, err := p.CreateTasks(context.Background(), TasksPayload{SessionID: "s1"})
	if err != nil {
		t.Fatalf("create tasks: %v", err)
	}
	if res.Code != CodeOK {
		t.Fatalf("code = %q", res.Code)
	}

	var reviews []models.DeferredReview
	db.Find(&reviews)
	if len(reviews) != 2 {
		t.Fatalf("deferred reviews = %d, want 2", len(reviews))
	}
	for _, r := range reviews {
		if !r.DueAt.After(time.Now()) {
			t.Errorf("review due_at not in the future")
		}
		if r.Runtime != testScope.Tag() {
			t.Errorf("review runtime = %q", r.Runtime)
		}
	}

	calls := rec.all()
	if len(calls) != 1 || calls[0].Queue != queue.Notify {
		t.Fatalf("enqueues = %v, want one notify", calls)
	}

	var sess models.Session
	db.First(&sess, "id = ?", "s1")
	if !sess.StageMap()[models.StageTasks].IsFinished {
		t.Errorf("tasks stage not finished")
	}

	// Redelivery is a no-op.
	res, err = p.CreateTasks(context.Background(), TasksPayload{SessionID: "s1"})
	if err != nil || res.Code != CodeOK {
		t.Fatalf("redelivery: res=%+v err=%v", res, err)
	}
	db.Find(&reviews)
	if len(reviews) != 2 {
		t.Errorf("redelivery created more reviews: %d", len(reviews))
	}
}

func TestNotifySendsSummaryAndFinishes(t *testing.T) {
	db := openPipelineTestDB(t)
	seedSession(t, db, "s1")
	notifier := &fakeNotifier{}
	rec := &enqueueRecorder{}
	p := newTestPipeline(t, db, &fakeGen{}, rec, notifier)

	res, err := p.Notify(context.Background(), NotifyPayload{SessionID: "s1", Event: "session_processed"})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if res.Code != CodeOK {
		t.Fatalf("code = %q", res.Code)
	}
	if len(notifier.sent) != 1 || notifier.chats[0] != "chat-1" {
		t.Fatalf("notifier calls = %v/%v", notifier.chats, notifier.sent)
	}
	if !strings.Contains(notifier.sent[0], "Session processed") {
		t.Errorf("summary = %q", notifier.sent[0])
	}

	var sess models.Session
	db.First(&sess, "id = ?", "s1")
	if !sess.StageMap()[models.StageNotification].IsFinished {
		t.Errorf("notification stage not finished")
	}
}

func TestNotifyWithoutTransportSkips(t *testing.T) {
	db := openPipelineTestDB(t)
	seedSession(t, db, "s1")
	rec := &enqueueRecorder{}
	p := newTestPipeline(t, db, &fakeGen{}, rec, nil)

	res, err := p.Notify(context.Background(), NotifyPayload{SessionID: "s1", Event: "session_processed"})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if res.Code != CodeSkipped || res.Reason != "no_chat_binding" {
		t.Errorf("result = %+v", res)
	}

	var sess models.Session
	db.First(&sess, "id = ?", "s1")
	st := sess.StageMap()[models.StageNotification]
	if !st.IsFinished || !st.Skipped {
		t.Errorf("stage = %+v, want finished-with-skip", st)
	}
}

func TestReviewMarksDone(t *testing.T) {
	db := openPipelineTestDB(t)
	review := models.DeferredReview{
		ID: "r1", SessionID: "s1", TaskID: "t1",
		Runtime: testScope.Tag(), Status: models.ReviewEnqueued,
		DueAt: time.Now().Add(-time.Hour),
	}
	if err := db.Create(&review).Error; err != nil {
		t.Fatalf("seed review: %v", err)
	}
	rec := &enqueueRecorder{}
	p := newTestPipeline(t, db, &fakeGen{}, rec, nil)

	res, err := p.Review(context.Background(), ReviewPayload{TaskID: "t1"})
	if err != nil || res.Code != CodeOK {
		t.Fatalf("review: res=%+v err=%v", res, err)
	}

	var reloaded models.DeferredReview
	db.First(&reloaded, "id = ?", "r1")
	if reloaded.Status != models.ReviewDone {
		t.Errorf("status = %q, want done", reloaded.Status)
	}

	res, err = p.Review(context.Background(), ReviewPayload{TaskID: "missing"})
	if err != nil || res.Code != CodeNotFound {
		t.Errorf("missing review: res=%+v err=%v", res, err)
	}
}
