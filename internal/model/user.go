package model

import "time"

// MaxUsernameLen — максимальная длина имени пользователя (в символах).
const MaxUsernameLen = 64

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UserPublic — то, что видят другие пользователи (поиск, участники чата).
type UserPublic struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func (u *User) ToPublic() UserPublic {
	return UserPublic{
		ID:       u.ID,
		Username: u.Username,
	}
}
