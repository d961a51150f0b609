// Package localkv is the process-local durable key-value storage the state
// store persists its surviving subtrees into. It plays the role of the
// browser's extension-local storage: small JSON values by string key, alive
// across restarts of one installed copy.
package localkv

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"speedcode/config"
)

// Keys persisted by the application.
const (
	KeyUIState     = "speedcode_ui_state"
	KeyRoomState   = "speedcode_room_state"
	KeyActiveTimer = "activeTimer"
	KeySettings    = "speedcode_settings"
	KeyVersion     = "speedcode_version"
	KeyInstallDate = "speedcode_install_date"
)

// Store is a JSON-file-backed key-value store with debounced persistence.
type Store struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage

	cfg         *config.Config
	saveTimer   *time.Timer
	savePending bool
	saveMutex   sync.Mutex
}

// Open loads the store from cfg.LocalFilePath. A missing file yields an empty
// store; an unparseable file is an error.
func Open(cfg *config.Config) (*Store, error) {
	s := &Store{
		values: make(map[string]json.RawMessage),
		cfg:    cfg,
	}

	fileData, err := os.ReadFile(cfg.LocalFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("INFO: Local storage file '%s' not found. Initializing empty store.", cfg.LocalFilePath)
			return s, nil
		}
		log.Printf("ERROR: Failed to read local storage file '%s': %v. Proceeding with empty state.", cfg.LocalFilePath, err)
		return s, nil
	}

	if err := json.Unmarshal(fileData, &s.values); err != nil {
		log.Printf("CRITICAL: Failed to parse local storage file '%s': %v", cfg.LocalFilePath, err)
		return nil, err
	}
	if s.values == nil {
		s.values = make(map[string]json.RawMessage)
	}
	log.Printf("INFO: Loaded local storage from %s. Keys: %d", cfg.LocalFilePath, len(s.values))
	return s, nil
}

// Get unmarshals the value stored under key into out. Returns false if the
// key is absent.
func (s *Store) Get(key string, out any) (bool, error) {
	s.mu.RLock()
	raw, found := s.values[key]
	s.mu.RUnlock()
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, err
	}
	return true, nil
}

// Set stores one or more key/value pairs, marshalling each value to JSON.
func (s *Store) Set(pairs map[string]any) error {
	encoded := make(map[string]json.RawMessage, len(pairs))
	for key, value := range pairs {
		raw, err := json.Marshal(value)
		if err != nil {
			log.Printf("ERROR: Failed to marshal local storage value for '%s': %v", key, err)
			return err
		}
		encoded[key] = raw
	}

	s.mu.Lock()
	for key, raw := range encoded {
		s.values[key] = raw
	}
	s.mu.Unlock()

	s.requestSave()
	return nil
}

// Remove deletes a key. Removing an absent key is a no-op.
func (s *Store) Remove(key string) {
	s.mu.Lock()
	_, found := s.values[key]
	delete(s.values, key)
	s.mu.Unlock()

	if found {
		s.requestSave()
	}
}

// persist saves the current values to the backing file atomically.
func (s *Store) persist() error {
	s.mu.RLock()
	jsonData, err := json.MarshalIndent(s.values, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		log.Printf("ERROR: Failed to marshal local storage state: %v", err)
		return err
	}

	tempFilePath := s.cfg.LocalFilePath + ".tmp"
	if err := os.WriteFile(tempFilePath, jsonData, 0644); err != nil {
		log.Printf("ERROR: Failed to write temporary local storage file '%s': %v", tempFilePath, err)
		return err
	}

	if s.cfg.EnableBackup {
		if _, err := os.Stat(s.cfg.LocalFilePath); err == nil {
			if err := os.Rename(s.cfg.LocalFilePath, s.cfg.LocalFilePath+".bak"); err != nil {
				log.Printf("WARN: Failed to back up local storage file: %v. Proceeding with save.", err)
			}
		}
	}

	if err := os.Rename(tempFilePath, s.cfg.LocalFilePath); err != nil {
		log.Printf("ERROR: Failed to rename '%s' to '%s': %v", tempFilePath, s.cfg.LocalFilePath, err)
		_ = os.Remove(tempFilePath)
		return err
	}
	return nil
}

// requestSave triggers a debounced save after every mutation.
func (s *Store) requestSave() {
	s.saveMutex.Lock()
	defer s.saveMutex.Unlock()

	if s.cfg.SaveInterval <= 0 {
		go func() {
			if err := s.persist(); err != nil {
				log.Printf("ERROR: Immediate local storage persist failed: %v", err)
			}
		}()
		return
	}

	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.savePending = true
	s.saveTimer = time.AfterFunc(s.cfg.SaveInterval, func() {
		s.saveMutex.Lock()
		if !s.savePending {
			s.saveMutex.Unlock()
			return
		}
		s.savePending = false
		s.saveMutex.Unlock()

		if err := s.persist(); err != nil {
			log.Printf("ERROR: Debounced local storage persist failed: %v", err)
		}
	})
}

// Close flushes a pending save, if any.
func (s *Store) Close() error {
	var needsFinalPersist bool

	s.saveMutex.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	if s.savePending {
		needsFinalPersist = true
		s.savePending = false
	}
	s.saveMutex.Unlock()

	if needsFinalPersist {
		if err := s.persist(); err != nil {
			log.Printf("ERROR: Final local storage persist failed: %v", err)
			return err
		}
	}
	return nil
}
