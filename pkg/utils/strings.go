package utils

import (
	"crypto/rand"
	"math/big"
	"strconv"
)

const (
	idLength  = 8
	alphabets = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GenerateRandomString returns a random alphanumeric string of the given length.
func GenerateRandomString(length int) (string, error) {
	id := make([]byte, length)

	for i := 0; i < length; i++ {
		char, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabets))))
		if err != nil {
			return "", err
		}
		id[i] = alphabets[char.Int64()]
	}

	return string(id), nil
}

// GenerateID returns a short random identifier.
func GenerateID() (string, error) {
	return GenerateRandomString(idLength)
}

// StringToInt parses val, returning 0 when it is not a number.
func StringToInt(val string) int {
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0
	}
	return i
}
