package service

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"tpsl_keeper/internal/models"
	"tpsl_keeper/pkg/logger"
)

const (
	documentVersion = 1
	pinSuffix       = ".norestore"
	backupSuffix    = ".bak"
	backupStamp     = "20060102T150405.000000000"
)

var (
	ErrCorrupt       = errors.New("store document is corrupt")
	ErrRestorePinned = errors.New("store document is corrupt and restore from backup is pinned off")
)

type Options struct {
	Path        string
	BackupDir   string
	KeepBackups int
}

// header — первая строка документа; за ней идут байты payload,
// по которым посчитан checksum.
type header struct {
	Version  int       `json:"version"`
	SavedAt  time.Time `json:"saved_at"`
	Checksum string    `json:"checksum"`
	Size     int       `json:"size"`
}

// Store — один документ со всеми мониторами, ключ — PositionKey.String().
// Запись сериализована mu; читатели видят последний закоммиченный снапшот.
type Store struct {
	opts Options
	now  func() time.Time

	mu sync.Mutex // писатели

	stateMu sync.RWMutex
	state   map[string]*models.PositionMonitor

	commits    atomic.Int64
	recoveries atomic.Int64
}

func New(opts Options) *Store {
	if opts.BackupDir == "" {
		opts.BackupDir = filepath.Join(filepath.Dir(opts.Path), "backups")
	}
	if opts.KeepBackups <= 0 {
		opts.KeepBackups = 20
	}
	return &Store{
		opts:  opts,
		now:   time.Now,
		state: make(map[string]*models.PositionMonitor),
	}
}

// Load поднимает состояние с диска. Нет файла — пустое состояние.
// Битый файл заменяется самым свежим валидным бэкапом, если рядом
// не лежит <path>.norestore.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.opts.Path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("[STORE] %s not found, starting empty", s.opts.Path)
		s.setState(make(map[string]*models.PositionMonitor))
		return nil
	}
	if err != nil {
		return fmt.Errorf("read store: %w", err)
	}

	state, derr := decodeDocument(data)
	if derr == nil {
		s.setState(state)
		logger.Info("[STORE] loaded %d monitors from %s", len(state), s.opts.Path)
		return nil
	}

	logger.Error("[STORE] %s: %v", s.opts.Path, derr)
	if _, err := os.Stat(s.opts.Path + pinSuffix); err == nil {
		return errors.Wrapf(ErrRestorePinned, "%s: %v", s.opts.Path, derr)
	}

	backups, err := s.backups()
	if err != nil {
		return fmt.Errorf("list backups: %w", err)
	}
	for i := len(backups) - 1; i >= 0; i-- {
		raw, err := os.ReadFile(backups[i])
		if err != nil {
			continue
		}
		state, err := decodeDocument(raw)
		if err != nil {
			logger.Warn("[STORE] backup %s unusable: %v", backups[i], err)
			continue
		}
		logger.Warn("[STORE] restored %d monitors from backup %s", len(state), backups[i])
		s.recoveries.Add(1)
		// переписываем живой документ, чтобы следующий старт не шёл через бэкап
		if err := s.commitLocked(state); err != nil {
			return fmt.Errorf("rewrite restored store: %w", err)
		}
		return nil
	}
	return errors.Wrapf(ErrCorrupt, "%s: no valid backup in %s", s.opts.Path, s.opts.BackupDir)
}

func (s *Store) Save(m *models.PositionMonitor) error {
	return s.commit(func(next map[string]*models.PositionMonitor) {
		next[m.Key.String()] = m.Clone()
	})
}

func (s *Store) Delete(key models.PositionKey) error {
	return s.commit(func(next map[string]*models.PositionMonitor) {
		delete(next, key.String())
	})
}

func (s *Store) Get(key models.PositionKey) (*models.PositionMonitor, bool) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	m, ok := s.state[key.String()]
	return m.Clone(), ok
}

// All — все мониторы последнего коммита, по возрастанию ключа.
func (s *Store) All() []*models.PositionMonitor {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	keys := make([]string, 0, len(s.state))
	for k := range s.state {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*models.PositionMonitor, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.state[k].Clone())
	}
	return out
}

func (s *Store) Commits() int64    { return s.commits.Load() }
func (s *Store) Recoveries() int64 { return s.recoveries.Load() }

func (s *Store) commit(mutate func(next map[string]*models.PositionMonitor)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateMu.RLock()
	next := make(map[string]*models.PositionMonitor, len(s.state)+1)
	for k, v := range s.state {
		next[k] = v
	}
	s.stateMu.RUnlock()

	mutate(next)
	return s.commitLocked(next)
}

// commitLocked: temp-файл -> fsync -> перечитать и сверить -> rename -> бэкап.
func (s *Store) commitLocked(next map[string]*models.PositionMonitor) error {
	data, err := encodeDocument(next, s.now())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.opts.Path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	tmp := s.opts.Path + ".tmp"
	if err := writeSynced(tmp, data); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	written, err := os.ReadFile(tmp)
	if err != nil || !bytes.Equal(written, data) {
		_ = os.Remove(tmp)
		return fmt.Errorf("verify %s: written document differs", tmp)
	}
	if _, err := decodeDocument(written); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("verify %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.opts.Path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	syncDir(filepath.Dir(s.opts.Path))

	s.setState(next)
	s.commits.Add(1)

	if err := s.backup(data); err != nil {
		// документ уже закоммичен; бэкап догонит на следующей записи
		logger.Warn("[STORE] backup: %v", err)
	}
	return nil
}

func (s *Store) setState(next map[string]*models.PositionMonitor) {
	s.stateMu.Lock()
	s.state = next
	s.stateMu.Unlock()
}

func (s *Store) backup(data []byte) error {
	if err := os.MkdirAll(s.opts.BackupDir, 0o755); err != nil {
		return err
	}
	name := filepath.Join(s.opts.BackupDir,
		filepath.Base(s.opts.Path)+"."+s.now().UTC().Format(backupStamp)+backupSuffix)
	if err := writeSynced(name, data); err != nil {
		return err
	}

	backups, err := s.backups()
	if err != nil {
		return err
	}
	for len(backups) > s.opts.KeepBackups {
		if err := os.Remove(backups[0]); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		backups = backups[1:]
	}
	return nil
}

// backups — пути бэкапов от старых к новым.
func (s *Store) backups() ([]string, error) {
	entries, err := os.ReadDir(s.opts.BackupDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	prefix := filepath.Base(s.opts.Path) + "."
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, backupSuffix) {
			continue
		}
		out = append(out, filepath.Join(s.opts.BackupDir, name))
	}
	sort.Strings(out)
	return out, nil
}

func encodeDocument(state map[string]*models.PositionMonitor, at time.Time) ([]byte, error) {
	payload, err := sonic.ConfigStd.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	sum := sha256.Sum256(payload)
	head, err := sonic.Marshal(header{
		Version:  documentVersion,
		SavedAt:  at.UTC(),
		Checksum: hex.EncodeToString(sum[:]),
		Size:     len(payload),
	})
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	doc := make([]byte, 0, len(head)+1+len(payload))
	doc = append(doc, head...)
	doc = append(doc, '\n')
	return append(doc, payload...), nil
}

func decodeDocument(data []byte) (map[string]*models.PositionMonitor, error) {
	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return nil, errors.Wrap(ErrCorrupt, "no header")
	}
	var h header
	if err := sonic.Unmarshal(data[:nl], &h); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "header: %v", err)
	}
	if h.Version != documentVersion {
		return nil, errors.Wrapf(ErrCorrupt, "unsupported version %d", h.Version)
	}
	payload := data[nl+1:]
	if len(payload) != h.Size {
		return nil, errors.Wrapf(ErrCorrupt, "payload size %d, header says %d", len(payload), h.Size)
	}
	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != h.Checksum {
		return nil, errors.Wrap(ErrCorrupt, "checksum mismatch")
	}

	state := make(map[string]*models.PositionMonitor)
	if err := sonic.Unmarshal(payload, &state); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "payload: %v", err)
	}
	for k, m := range state {
		key, err := models.ParsePositionKey(k)
		if err != nil || m == nil || m.Key != key {
			return nil, errors.Wrapf(ErrCorrupt, "entry %q does not match its monitor", k)
		}
	}
	return state, nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
