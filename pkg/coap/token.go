package coap

import "crypto/rand"

// RandomToken returns a uniformly random token of the requested length,
// drawn from a cryptographically safe source. length must not exceed
// MaxTokenLength.
func RandomToken(length int) ([]byte, error) {
	if length < 0 || length > MaxTokenLength {
		return nil, ErrInvalidArgument
	}
	if length == 0 {
		return nil, nil
	}
	token := make([]byte, length)
	if _, err := rand.Read(token); err != nil {
		return nil, err
	}
	return token, nil
}
