package sessions

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/osacore/osa/pkg/models"
)

// JSONLStore is the file-per-session, append-only default persistence
// layer: one JSONL file per session. The session's own state lives in
// a sidecar "<id>.session.json" file that
// is rewritten on every Update; its message history lives in
// "<id>.messages.jsonl" and is only ever appended to, never rewritten,
// so a crash mid-write loses at most the last line.
//
// Grounded on internal/sessions/memory.go's MemoryStore: the same
// key->id index and message-count trimming, replacing the in-memory
// maps with one directory of files guarded by a single mutex (file
// writes are not safely concurrent the way map writes are made safe
// by sync.RWMutex, so JSONLStore does not attempt per-session
// locks — callers needing per-session serialization get it from
// internal/agentloop's session lock instead).
type JSONLStore struct {
	mu   sync.Mutex
	dir  string
	byID map[string]string // id -> key, to reverse GetByKey without a directory scan
}

// NewJSONLStore creates a store rooted at dir, creating it if absent.
func NewJSONLStore(dir string) (*JSONLStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	s := &JSONLStore{dir: dir, byID: make(map[string]string)}
	if err := s.reindex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *JSONLStore) reindex() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		const suffix = ".session.json"
		if e.IsDir() || len(e.Name()) <= len(suffix) || e.Name()[len(e.Name())-len(suffix):] != suffix {
			continue
		}
		id := e.Name()[:len(e.Name())-len(suffix)]
		sess, err := s.readSession(id)
		if err != nil {
			continue
		}
		if sess.Key != "" {
			s.byID[id] = sess.Key
		}
	}
	return nil
}

func (s *JSONLStore) sessionPath(id string) string  { return filepath.Join(s.dir, id+".session.json") }
func (s *JSONLStore) messagesPath(id string) string { return filepath.Join(s.dir, id+".messages.jsonl") }

func (s *JSONLStore) readSession(id string) (*models.Session, error) {
	data, err := os.ReadFile(s.sessionPath(id))
	if err != nil {
		return nil, err
	}
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *JSONLStore) writeSession(sess *models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	tmp := s.sessionPath(sess.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.sessionPath(sess.ID))
}

func (s *JSONLStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = session.CreatedAt

	if err := s.writeSession(session); err != nil {
		return err
	}
	if session.Key != "" {
		s.byID[session.ID] = session.Key
	}
	return nil
}

func (s *JSONLStore) Get(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.readSession(id)
	if err != nil {
		return nil, fmt.Errorf("session not found: %w", err)
	}
	return sess, nil
}

func (s *JSONLStore) Update(ctx context.Context, session *models.Session) error {
	if session == nil {
		return errors.New("session is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.readSession(session.ID)
	if err != nil {
		return fmt.Errorf("session not found: %w", err)
	}
	session.CreatedAt = existing.CreatedAt
	session.UpdatedAt = time.Now()
	if err := s.writeSession(session); err != nil {
		return err
	}
	if session.Key != "" {
		s.byID[session.ID] = session.Key
	}
	return nil
}

func (s *JSONLStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	_ = os.Remove(s.messagesPath(id))
	if err := os.Remove(s.sessionPath(id)); err != nil {
		return fmt.Errorf("session not found: %w", err)
	}
	return nil
}

func (s *JSONLStore) GetByKey(ctx context.Context, key string) (*models.Session, error) {
	s.mu.Lock()
	var id string
	for candidateID, candidateKey := range s.byID {
		if candidateKey == key {
			id = candidateID
			break
		}
	}
	s.mu.Unlock()
	if id == "" {
		return nil, errors.New("session not found")
	}
	return s.Get(ctx, id)
}

func (s *JSONLStore) GetOrCreate(ctx context.Context, key string, agentID string, channel models.ChannelType, channelID string) (*models.Session, error) {
	if sess, err := s.GetByKey(ctx, key); err == nil {
		return sess, nil
	}
	now := time.Now()
	sess := &models.Session{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Channel:   channel,
		ChannelID: channelID,
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *JSONLStore) List(ctx context.Context, agentID string, opts ListOptions) ([]*models.Session, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var out []*models.Session
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if agentID != "" && sess.AgentID != agentID {
			continue
		}
		if opts.Channel != "" && sess.Channel != opts.Channel {
			continue
		}
		out = append(out, sess)
	}

	start := opts.Offset
	if start < 0 {
		start = 0
	}
	end := len(out)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	if start > len(out) {
		return []*models.Session{}, nil
	}
	return out[start:end], nil
}

// AppendMessage appends msg as one JSON line. It never rewrites prior
// lines: a torn write to the last line is the only possible corruption,
// and GetHistory skips any line that fails to parse.
func (s *JSONLStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return errors.New("message is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.sessionPath(sessionID)); err != nil {
		return errors.New("session not found")
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	f, err := os.OpenFile(s.messagesPath(sessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

func (s *JSONLStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.messagesPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.Message{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var all []*models.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var msg models.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		all = append(all, &msg)
	}

	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}
