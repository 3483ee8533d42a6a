// Package filestore persists the session as a JSON document on an afero
// filesystem so it survives process restarts. Other processes sharing the
// file are observed by polling.
package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-client/credentials"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

var _ credentials.Store = (*FileStore)(nil)

// ExternalOrigin is the Change origin reported for writes made by another process.
const ExternalOrigin = "external"

const defaultPollInterval = 2 * time.Second

type FileStore struct {
	fs           afero.Fs
	path         string
	id           string
	pollInterval time.Duration
	notifier     *credentials.Notifier
	logger       zerolog.Logger

	lock     sync.Mutex
	lastSeen []byte // file contents as of our last read or write; nil when absent
}

type Option func(*FileStore)

func WithPollInterval(d time.Duration) Option {
	return func(s *FileStore) {
		s.pollInterval = d
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *FileStore) {
		s.logger = logger
	}
}

func New(fs afero.Fs, path string, options ...Option) *FileStore {
	s := &FileStore{
		fs:           fs,
		path:         path,
		id:           uuid.NewString(),
		pollInterval: defaultPollInterval,
		notifier:     credentials.NewNotifier(),
		logger:       log.Logger,
	}
	for _, opt := range options {
		opt(s)
	}
	if s.pollInterval <= 0 {
		s.pollInterval = defaultPollInterval
	}
	s.lastSeen, _ = s.read()
	return s
}

func (s *FileStore) ID() string {
	return s.id
}

func (s *FileStore) Get() (*credentials.Session, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	session, _ := s.load()
	return session, session != nil
}

func (s *FileStore) Set(session *credentials.Session) {
	s.lock.Lock()
	err := s.save(session)
	s.lock.Unlock()
	if err != nil {
		s.logger.Err(err).Str("path", s.path).Msg("filestore: failed to write session")
		return
	}
	s.notifier.Publish(credentials.Change{Kind: credentials.Updated, Origin: s.id})
}

func (s *FileStore) SetTokens(accessToken, refreshToken string, user *credentials.User) bool {
	s.lock.Lock()
	session, _ := s.load()
	if session == nil {
		s.lock.Unlock()
		return false
	}
	credentials.ApplyTokens(session, accessToken, refreshToken, user)
	err := s.save(session)
	s.lock.Unlock()
	if err != nil {
		s.logger.Err(err).Str("path", s.path).Msg("filestore: failed to rotate tokens")
		return false
	}
	s.notifier.Publish(credentials.Change{Kind: credentials.Updated, Origin: s.id})
	return true
}

func (s *FileStore) Touch(at time.Time) {
	s.lock.Lock()
	defer s.lock.Unlock()
	session, _ := s.load()
	if session == nil {
		return
	}
	session.LastActivityAt = at
	if err := s.save(session); err != nil {
		s.logger.Err(err).Str("path", s.path).Msg("filestore: failed to persist activity")
	}
}

func (s *FileStore) Clear() {
	s.lock.Lock()
	if err := s.fs.Remove(s.path); err != nil && !os.IsNotExist(err) {
		s.logger.Err(err).Str("path", s.path).Msg("filestore: failed to remove session")
	}
	s.lastSeen = nil
	s.lock.Unlock()
	s.notifier.Publish(credentials.Change{Kind: credentials.Cleared, Origin: s.id})
}

func (s *FileStore) Subscribe() (<-chan credentials.Change, func()) {
	return s.notifier.Subscribe()
}

// Watch polls the file for changes made by other processes until ctx is done.
func (s *FileStore) Watch(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.poll()
			}
		}
	}()
}

func (s *FileStore) poll() {
	s.lock.Lock()
	data, err := s.read()
	if err != nil {
		s.lock.Unlock()
		s.logger.Err(err).Str("path", s.path).Msg("filestore: poll failed")
		return
	}
	if bytes.Equal(data, s.lastSeen) {
		s.lock.Unlock()
		return
	}
	wasPresent := s.lastSeen != nil
	s.lastSeen = data
	s.lock.Unlock()

	switch {
	case data == nil && wasPresent:
		s.notifier.Publish(credentials.Change{Kind: credentials.Cleared, Origin: ExternalOrigin})
	case data != nil:
		s.notifier.Publish(credentials.Change{Kind: credentials.Updated, Origin: ExternalOrigin})
	}
}

// read returns the raw file contents, or nil when the file does not exist.
func (s *FileStore) read() ([]byte, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

func (s *FileStore) load() (*credentials.Session, error) {
	data, err := s.read()
	if err != nil || data == nil {
		return nil, err
	}
	var session credentials.Session
	if err := json.Unmarshal(data, &session); err != nil {
		s.logger.Err(err).Str("path", s.path).Msg("filestore: unreadable session document")
		return nil, err
	}
	return &session, nil
}

// save writes to a temporary file and renames it over the target so readers
// in other processes see either the old or the new document.
func (s *FileStore) save(session *credentials.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	// Each write gets its own temporary file so concurrent writers never
	// rename each other's partial documents into place.
	tmp, err := afero.TempFile(s.fs, filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = s.fs.Rename(tmp.Name(), s.path)
	}
	if err != nil {
		_ = s.fs.Remove(tmp.Name())
		return err
	}
	s.lastSeen = data
	return nil
}
