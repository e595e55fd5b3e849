// Package registry persists the machine registry: the {uid, ip, port} records
// the bridge uses to open handles and to re-register lapsed UIDs.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/abutsfit/cncbridge/internal/log"
	"github.com/abutsfit/cncbridge/internal/metrics"
)

var (
	ErrNotFound = errors.New("registry: machine not found")
	ErrInvalid  = errors.New("registry: invalid machine config")
)

// Machine is one registry entry.
type Machine struct {
	UID  string `json:"uid"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// Validate checks the entry before it is persisted.
func (m Machine) Validate() error {
	if strings.TrimSpace(m.UID) == "" {
		return fmt.Errorf("%w: uid is required", ErrInvalid)
	}
	if net.ParseIP(strings.TrimSpace(m.IP)) == nil {
		return fmt.Errorf("%w: ip %q is not an IP address", ErrInvalid, m.IP)
	}
	if m.Port < 1 || m.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, m.Port)
	}
	return nil
}

func key(uid string) string {
	return strings.ToLower(strings.TrimSpace(uid))
}

// Store is the file-backed registry. Lookups are case-insensitive on uid.
type Store struct {
	path   string
	logger zerolog.Logger

	mu       sync.RWMutex
	machines map[string]Machine

	listenMu  sync.Mutex
	listeners []func(uids []string)
}

// Open loads the registry at path. A missing file yields an empty registry.
func Open(path string) (*Store, error) {
	s := &Store{
		path:     path,
		logger:   log.WithComponent("registry"),
		machines: map[string]Machine{},
	}
	if _, err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

func (s *Store) read() (map[string]Machine, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Machine{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var list []Machine
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("parse registry %s: %w", s.path, err)
		}
	}
	out := make(map[string]Machine, len(list))
	for _, m := range list {
		if key(m.UID) == "" {
			continue
		}
		m.UID = strings.TrimSpace(m.UID)
		m.IP = strings.TrimSpace(m.IP)
		out[key(m.UID)] = m
	}
	return out, nil
}

// Reload re-reads the file, notifies listeners and returns the uids whose
// entry changed.
func (s *Store) Reload() ([]string, error) {
	next, err := s.read()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	changed := diff(s.machines, next)
	s.machines = next
	n := len(next)
	s.mu.Unlock()

	metrics.SetRegistryMachines(n)
	if len(changed) > 0 {
		s.notify(changed)
	}
	return changed, nil
}

func diff(old, next map[string]Machine) []string {
	var out []string
	for k, m := range next {
		if prev, ok := old[k]; !ok || prev != m {
			out = append(out, m.UID)
		}
	}
	for k, m := range old {
		if _, ok := next[k]; !ok {
			out = append(out, m.UID)
		}
	}
	sort.Strings(out)
	return out
}

// Get returns the entry for uid.
func (s *Store) Get(uid string) (Machine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[key(uid)]
	return m, ok
}

// Lookup returns the entry for uid or ErrNotFound.
func (s *Store) Lookup(uid string) (Machine, error) {
	m, ok := s.Get(uid)
	if !ok {
		return Machine{}, fmt.Errorf("%w: %s", ErrNotFound, uid)
	}
	return m, nil
}

// List returns all entries ordered by uid.
func (s *Store) List() []Machine {
	s.mu.RLock()
	out := make([]Machine, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, m)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return key(out[i].UID) < key(out[j].UID) })
	return out
}

// Upsert inserts or replaces the entry and persists the registry.
// It reports whether the stored entry changed.
func (s *Store) Upsert(m Machine) (bool, error) {
	m.UID = strings.TrimSpace(m.UID)
	m.IP = strings.TrimSpace(m.IP)
	if err := m.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	prev, existed := s.machines[key(m.UID)]
	if existed && prev == m {
		s.mu.Unlock()
		return false, nil
	}
	s.machines[key(m.UID)] = m
	err := s.persistLocked()
	if err != nil {
		if existed {
			s.machines[key(m.UID)] = prev
		} else {
			delete(s.machines, key(m.UID))
		}
	}
	n := len(s.machines)
	s.mu.Unlock()
	if err != nil {
		return false, err
	}

	metrics.SetRegistryMachines(n)
	s.logger.Info().
		Str(log.FieldEvent, "registry.upsert").
		Str(log.FieldUID, m.UID).
		Str(log.FieldIP, m.IP).
		Int(log.FieldPort, m.Port).
		Msg("machine registered")
	s.notify([]string{m.UID})
	return true, nil
}

// Delete removes the entry and persists the registry.
func (s *Store) Delete(uid string) error {
	s.mu.Lock()
	prev, ok := s.machines[key(uid)]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, uid)
	}
	delete(s.machines, key(uid))
	err := s.persistLocked()
	if err != nil {
		s.machines[key(uid)] = prev
	}
	n := len(s.machines)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	metrics.SetRegistryMachines(n)
	s.logger.Info().
		Str(log.FieldEvent, "registry.delete").
		Str(log.FieldUID, prev.UID).
		Msg("machine removed")
	s.notify([]string{prev.UID})
	return nil
}

// persistLocked writes the registry atomically. Caller holds mu.
func (s *Store) persistLocked() error {
	list := make([]Machine, 0, len(s.machines))
	for _, m := range s.machines {
		list = append(list, m)
	}
	sort.Slice(list, func(i, j int) bool { return key(list[i].UID) < key(list[j].UID) })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	if err := renameio.WriteFile(s.path, append(data, '\n'), 0o640); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}

// OnChange registers fn to be called with the uids whose entry changed,
// whether through this process or an external edit of the file.
func (s *Store) OnChange(fn func(uids []string)) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notify(uids []string) {
	if len(uids) == 0 {
		return
	}
	s.listenMu.Lock()
	ls := append([]func([]string){}, s.listeners...)
	s.listenMu.Unlock()
	for _, fn := range ls {
		fn(uids)
	}
}
