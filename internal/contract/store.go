package contract

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/R3E-Network/transaction_gateway/internal/logging"
)

var (
	// ErrServiceNotFound is returned when no service matches.
	ErrServiceNotFound = errors.New("service not found")
	// ErrAmbiguousService is returned when more than one service matches.
	ErrAmbiguousService = errors.New("service id matches more than one service")
)

// Store is the in-memory contract registry. Reads share a lock; Add, Remove
// and ReloadAll take it exclusively.
type Store struct {
	mu         sync.RWMutex
	basePath   string
	publicFile string
	contracts  map[string]*BusinessContract // absolute path -> contract
	public     map[string]bool
	log        *logging.Logger
}

// NewStore creates an empty store rooted at basePath. publicFile is the file
// name of the public transactions allow-list within basePath.
func NewStore(basePath, publicFile string, log *logging.Logger) *Store {
	if log == nil {
		log = logging.Default()
	}
	return &Store{
		basePath:   basePath,
		publicFile: publicFile,
		contracts:  make(map[string]*BusinessContract),
		public:     make(map[string]bool),
		log:        log,
	}
}

// BasePath returns the configured contract directory.
func (s *Store) BasePath() string {
	return s.basePath
}

// Len returns the number of loaded contracts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contracts)
}

// Resolve returns a private copy of the unique contract for the triple.
func (s *Store) Resolve(app, project, transaction string) (*BusinessContract, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *BusinessContract
	for _, c := range s.contracts {
		if c.ApplicationID == app && c.ProjectID == project && c.TransactionID == transaction {
			if found != nil {
				return nil, false
			}
			found = c
		}
	}
	if found == nil {
		return nil, false
	}
	return found.Clone(), true
}

// ResolveService returns a private copy of the service with serviceID.
func (s *Store) ResolveService(c *BusinessContract, serviceID string) (*TransactionInfo, error) {
	if c == nil {
		return nil, ErrServiceNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *TransactionInfo
	for i := range c.Services {
		if c.Services[i].ServiceID == serviceID {
			if found != nil {
				return nil, ErrAmbiguousService
			}
			found = &c.Services[i]
		}
	}
	if found == nil {
		return nil, ErrServiceNotFound
	}
	return found.Clone(), nil
}

// Count returns how many contracts carry the triple.
func (s *Store) Count(app, project, transaction string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, c := range s.contracts {
		if c.ApplicationID == app && c.ProjectID == project && c.TransactionID == transaction {
			n++
		}
	}
	return n
}

// Retrieve lists contracts of an application, optionally narrowed by
// project and transaction. Results are ordered by key.
func (s *Store) Retrieve(app, project, transaction string) []BusinessContract {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []BusinessContract
	for _, c := range s.contracts {
		if c.ApplicationID != app {
			continue
		}
		if project != "" && c.ProjectID != project {
			continue
		}
		if transaction != "" && c.TransactionID != transaction {
			continue
		}
		out = append(out, *c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Snapshot returns every contract keyed by its path relative to the base path.
func (s *Store) Snapshot() map[string]BusinessContract {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]BusinessContract, len(s.contracts))
	for path, c := range s.contracts {
		out[s.relative(path)] = *c.Clone()
	}
	return out
}

// IsPublic reports whether the triple is in the public transactions list.
func (s *Store) IsPublic(app, project, transaction string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.public[tripleKey(app, project, transaction)]
}

// SetServiceLogging toggles the audit flag of one service.
func (s *Store) SetServiceLogging(app, project, transaction, serviceID string, on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.contracts {
		if c.ApplicationID != app || c.ProjectID != project || c.TransactionID != transaction {
			continue
		}
		for i := range c.Services {
			if c.Services[i].ServiceID == serviceID {
				c.Services[i].TransactionLog = on
				return true
			}
		}
	}
	return false
}

// Add loads one contract file given relative to the base path.
func (s *Store) Add(relPath string) bool {
	path := s.absolute(relPath)
	c, err := loadFile(path)
	if err != nil {
		s.log.WithError(err).WithField("path", path).Error("contract file rejected")
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.contracts[path]; exists {
		return false
	}
	for other, existing := range s.contracts {
		if existing.Key() == c.Key() {
			s.log.WithField("path", path).WithField("existing", other).WithField("contract", c.Key()).
				Warn("duplicate contract ignored")
			return false
		}
	}
	s.contracts[path] = c
	return true
}

// Remove drops the contract loaded from relPath.
func (s *Store) Remove(relPath string) bool {
	path := s.absolute(relPath)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contracts[path]; !ok {
		return false
	}
	delete(s.contracts, path)
	return true
}

// Refresh reloads one contract file.
func (s *Store) Refresh(relPath string) bool {
	s.Remove(relPath)
	return s.Add(relPath)
}

// ReloadAll walks the base path and replaces the whole contract set. Files
// that fail to parse are logged and skipped.
func (s *Store) ReloadAll() error {
	if s.basePath == "" {
		return fmt.Errorf("contract base path is not configured")
	}
	info, err := os.Stat(s.basePath)
	if err != nil {
		return fmt.Errorf("contract base path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("contract base path %s is not a directory", s.basePath)
	}

	loaded := make(map[string]*BusinessContract)
	byKey := make(map[string]string)
	public := make(map[string]bool)

	walkErr := filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.log.WithError(err).WithField("path", path).Warn("contract walk error")
			return nil
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".json") {
			return nil
		}

		if s.publicFile != "" && d.Name() == s.publicFile {
			data, err := os.ReadFile(path)
			if err == nil {
				var list []PublicTransaction
				list, err = ParsePublicTransactions(data)
				for _, p := range list {
					public[tripleKey(p.ApplicationID, p.ProjectID, p.TransactionID)] = true
				}
			}
			if err != nil {
				s.log.WithError(err).WithField("path", path).Error("public transactions file rejected")
			}
			return nil
		}

		c, err := loadFile(path)
		if err != nil {
			s.log.WithError(err).WithField("path", path).Error("contract file rejected")
			return nil
		}
		if other, dup := byKey[c.Key()]; dup {
			s.log.WithField("path", path).WithField("existing", other).WithField("contract", c.Key()).
				Warn("duplicate contract ignored")
			return nil
		}
		byKey[c.Key()] = path
		loaded[path] = c
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("walk contracts: %w", walkErr)
	}

	s.mu.Lock()
	s.contracts = loaded
	s.public = public
	s.mu.Unlock()

	s.log.WithField("contracts", len(loaded)).WithField("public", len(public)).Info("contracts loaded")
	return nil
}

func (s *Store) absolute(relPath string) string {
	if filepath.IsAbs(relPath) {
		return filepath.Clean(relPath)
	}
	return filepath.Join(s.basePath, filepath.FromSlash(relPath))
}

func (s *Store) relative(path string) string {
	rel, err := filepath.Rel(s.basePath, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func loadFile(path string) (*BusinessContract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}
