// Package state persists process-local credentials in a bbolt database,
// separate from the calendar store.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/oauth2"
)

const (
	stateDirPerm     = fs.FileMode(0o700)
	stateFilePerm    = fs.FileMode(0o600)
	stateOpenTimeout = 5 * time.Second
)

var (
	authBucket = []byte("auth")
	tokenKey   = []byte("oauth_token")
)

// ErrNoToken is returned by Token when nothing has been saved.
var ErrNoToken = errors.New("no stored token")

// State wraps a bbolt database.
type State struct {
	db *bolt.DB
}

// LoadAt opens the state database at path, creating it if needed.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(authBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// SaveToken persists an OAuth2 token, replacing any previous one.
func (s *State) SaveToken(tok *oauth2.Token) error {
	if tok == nil {
		return s.ClearToken()
	}

	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(authBucket).Put(tokenKey, data)
	})
}

// Token returns the stored token or ErrNoToken.
func (s *State) Token() (*oauth2.Token, error) {
	var tok *oauth2.Token

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(authBucket).Get(tokenKey)
		if v == nil {
			return ErrNoToken
		}

		tok = &oauth2.Token{}
		return json.Unmarshal(v, tok)
	})
	if err != nil {
		return nil, err
	}

	return tok, nil
}

// ClearToken removes the stored token. Clearing an absent token is not an error.
func (s *State) ClearToken() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(authBucket).Delete(tokenKey)
	})
}

// PersistingTokenSource saves every newly issued token to State. The
// refresh token is carried over when the provider omits it on refresh.
type PersistingTokenSource struct {
	src   oauth2.TokenSource
	state *State

	mu   sync.Mutex
	last *oauth2.Token
}

// NewPersistingTokenSource wraps src. initial is the token src was seeded
// with, if any; it is not saved again.
func NewPersistingTokenSource(src oauth2.TokenSource, st *State, initial *oauth2.Token) *PersistingTokenSource {
	return &PersistingTokenSource{src: src, state: st, last: initial}
}

// Token implements oauth2.TokenSource.
func (p *PersistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.src.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.last != nil && p.last.AccessToken == tok.AccessToken {
		return tok, nil
	}

	save := *tok
	if save.RefreshToken == "" && p.last != nil {
		save.RefreshToken = p.last.RefreshToken
	}
	if err := p.state.SaveToken(&save); err != nil {
		return nil, fmt.Errorf("persisting refreshed token: %w", err)
	}
	p.last = &save

	return tok, nil
}
