package codestore

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// DefaultEnvKey is the environment variable EnvBackend uses when none is given
const DefaultEnvKey = "SAVED_CODE"

// EnvBackend stores the code in an environment variable of the current process. Values survive for the life of the
// process only; child processes started afterwards inherit them
type EnvBackend struct {
	key string
}

func NewEnvBackend(key string) EnvBackend {
	if key == "" {
		key = DefaultEnvKey
	}
	return EnvBackend{key: key}
}

func (eb EnvBackend) Load(_ context.Context) (string, error) {
	code := os.Getenv(eb.key)
	if code == "" {
		return "", ErrNotFound
	}
	return code, nil
}

func (eb EnvBackend) Save(_ context.Context, code string) error {
	if strings.TrimSpace(code) == "" {
		return ErrEmptyCode
	}
	if err := os.Setenv(eb.key, code); err != nil {
		return fmt.Errorf("failed to set environment variable '%s': %w", eb.key, err)
	}
	return nil
}

func (eb EnvBackend) Durability() Durability {
	return Process
}
