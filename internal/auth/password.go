package auth

import (
	"crypto/subtle"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var ErrBadCredentials = errors.New("auth: bad credentials")

// HashPassword hashes a plaintext password with bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", errors.New("auth: password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a plaintext password with a bcrypt hash.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return errors.New("auth: password hash is empty")
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// Admin is the single operator account allowed to mint tokens.
type Admin struct {
	user string
	hash string
}

// NewAdmin builds the admin account from either a bcrypt hash or a plaintext
// password. A non-empty hash wins.
func NewAdmin(user, password, hash string) (Admin, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return Admin{}, errors.New("auth: admin user is required")
	}
	if hash == "" {
		var err error
		if hash, err = HashPassword(password); err != nil {
			return Admin{}, err
		}
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return Admin{}, errors.New("auth: admin password hash is not bcrypt")
	}
	return Admin{user: user, hash: hash}, nil
}

// User returns the admin login name.
func (a Admin) User() string { return a.user }

// Check verifies a login. The bcrypt comparison runs even for an unknown
// user name so both paths take similar time.
func (a Admin) Check(user, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.user)) == 1
	passErr := VerifyPassword(a.hash, password)
	if !userOK || passErr != nil {
		return ErrBadCredentials
	}
	return nil
}
