// Package credential хеширует и проверяет пароли. Движок чата видит только интерфейс Hasher.
package credential

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// bcrypt обрезает пароль после 72 байт; длиннее не принимаем, чтобы хвост не игнорировался молча.
const MaxPasswordBytes = 72

var ErrPasswordTooLong = errors.New("password too long")

type Hasher interface {
	Hash(password string) (string, error)
	// Verify возвращает false без ошибки, если пароль не совпал.
	Verify(password, hash string) (bool, error)
}

type BcryptHasher struct {
	cost int
}

// NewBcrypt создаёт хешер; cost <= 0 — bcrypt.DefaultCost.
func NewBcrypt(cost int) *BcryptHasher {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

func (h *BcryptHasher) Hash(password string) (string, error) {
	if len(password) > MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (h *BcryptHasher) Verify(password, hash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, err
}
