package history

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// Store долговременное хранилище записей журнала.
// Контракт плоский: добавление в конец и чтение всего журнала.
type Store interface {
	// Append добавляет запись в журнал
	Append(rec Record) error

	// LoadAll возвращает все записи в порядке добавления
	LoadAll() ([]Record, error)
}

// MemoryStore хранилище в памяти, для тестов и эфемерных сессий
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryStore создает пустое хранилище
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append добавляет запись
func (s *MemoryStore) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// LoadAll возвращает копию всех записей
func (s *MemoryStore) LoadAll() ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out, nil
}

// FileStore журнал в append-only файле, по одной JSON записи на строку.
// Файл и родительский каталог создаются при первом добавлении.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore создает хранилище поверх указанного файла
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Append дописывает запись в конец файла
func (s *FileStore) Append(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create history directory")
		}
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to open history file")
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to marshal history record")
	}
	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		return errors.Wrap(err, "failed to append history record")
	}
	return nil
}

// LoadAll читает журнал построчно. Отсутствующий файл - пустой журнал.
// Поврежденные строки пропускаются, журнал остается читаемым.
func (s *FileStore) LoadAll() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to open history file")
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read history file")
	}
	return records, nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*FileStore)(nil)
