package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"clinic-chat/config"
	"clinic-chat/models"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testStorageBase = "https://files.test"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := config.InitDB(config.Database{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// memStorage keeps objects in memory and builds URLs the way MinioStorage does.
type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	failPut error
}

func newMemStorage() *memStorage {
	return &memStorage{objects: map[string][]byte{}, types: map[string]string{}}
}

func (m *memStorage) Put(_ context.Context, key string, body []byte, contentType string, _ map[string]string) (string, error) {
	if m.failPut != nil {
		return "", m.failPut
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = body
	m.types[key] = contentType
	return objectURL(testStorageBase, "media", key), nil
}

func (m *memStorage) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such key %s", key)
	}
	return data, nil
}

func (m *memStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memStorage) SignURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("%s/media/%s?X-Amz-Expires=%d", testStorageBase, key, int(ttl.Seconds())), nil
}

func (m *memStorage) KeyFromURL(rawURL string) (string, bool) {
	return keyFromURL(testStorageBase, "media", rawURL)
}

func (m *memStorage) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}

type recordingSink struct {
	mu     sync.Mutex
	events []ConversationEvent
}

func (r *recordingSink) Publish(_ context.Context, ev ConversationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) byKind(kind EventKind) []ConversationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ConversationEvent
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []string
	data   []interface{}
}

func (r *recordingBroadcaster) Broadcast(event string, data interface{}) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.data = append(r.data, data)
	return 1
}

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	files []OutgoingFile
	types []string
	next  int
	err   error
}

func (f *fakeSender) SendText(_ context.Context, session, chatID, text string) (*SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.texts = append(f.texts, chatID+"|"+text)
	f.next++
	return &SendResult{ID: fmt.Sprintf("true_%s_OUT%d", chatID, f.next)}, nil
}

func (f *fakeSender) SendMedia(_ context.Context, session, chatID, messageType string, file OutgoingFile, caption string) (*SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.files = append(f.files, file)
	f.types = append(f.types, messageType)
	f.next++
	return &SendResult{ID: fmt.Sprintf("true_%s_OUT%d", chatID, f.next)}, nil
}

type pipeline struct {
	db            *gorm.DB
	storage       *memStorage
	sink          *recordingSink
	broadcaster   *recordingBroadcaster
	conversations *ConversationService
	messages      *MessageService
	media         *MediaService
	ingestor      *Ingestor
}

func newPipeline(t *testing.T, waha config.WAHA) *pipeline {
	t.Helper()
	p := &pipeline{
		db:          newTestDB(t),
		storage:     newMemStorage(),
		sink:        &recordingSink{},
		broadcaster: &recordingBroadcaster{},
	}
	p.conversations = NewConversationService(p.db)
	p.messages = NewMessageService(p.db)
	p.media = NewMediaService(p.storage, config.Media{
		MaxBytes:        1 << 20,
		DownloadTimeout: 2 * time.Second,
		SignedURLTTL:    time.Hour,
	}, waha)
	p.ingestor = NewIngestor(p.conversations, p.messages, p.media, p.sink, p.broadcaster)
	return p
}

func (p *pipeline) count(t *testing.T, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, p.db.Model(model).Count(&n).Error)
	return n
}
