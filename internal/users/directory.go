package users

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
)

// dummyHash keeps the cost of a failed lookup close to a failed password check.
const dummyHash = "$2a$10$uejoNCSLZ9YkKOZriLlSGeg0pm/nuGVS3nRuSPyYuk/Z7HJHKBhGO"

type Operator struct {
	Username     string
	PasswordHash string
}

// Directory holds the operators allowed to open interactive sessions.
type Directory struct {
	mu        sync.RWMutex
	operators map[string]Operator
}

func NewDirectory() *Directory {
	return &Directory{operators: make(map[string]Operator)}
}

// Add registers an operator. password may be plaintext or a bcrypt hash.
func (d *Directory) Add(username, password string) error {
	if username == "" || password == "" {
		return fmt.Errorf("username and password are required")
	}

	hash := password
	if !IsHash(password) {
		var err error
		hash, err = HashPassword(password)
		if err != nil {
			return err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.operators[username]; ok {
		return ErrUserExists
	}
	d.operators[username] = Operator{Username: username, PasswordHash: hash}
	return nil
}

// Verify checks a username/password pair.
func (d *Directory) Verify(username, password string) bool {
	d.mu.RLock()
	op, ok := d.operators[username]
	d.mu.RUnlock()

	if !ok {
		CheckPassword(password, dummyHash)
		return false
	}
	nameMatch := subtle.ConstantTimeCompare([]byte(username), []byte(op.Username)) == 1
	return CheckPassword(password, op.PasswordHash) && nameMatch
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.operators)
}
