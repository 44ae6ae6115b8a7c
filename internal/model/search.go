package model

const (
	MaxSearchQueryLen = 64
	MaxSearchResults  = 50
)
