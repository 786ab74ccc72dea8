package codestore

import (
	"context"
	"fmt"
	"io"
)

// Backend kinds accepted by Open
const (
	KindMemory = "memory"
	KindEnv    = "env"
	KindFile   = "file"
	KindLibSQL = "libsql"
	KindGist   = "gist"
)

// Config selects and configures a Backend
type Config struct {
	Backend string

	EnvKey string // env
	Path   string // file
	DSN    string // libsql
	Key    string // libsql row key

	GistID      string // gist
	GistFile    string
	GithubToken string
}

// Open creates the configured backend. The returned closer releases any resources it holds and is never nil
func Open(ctx context.Context, cfg Config) (Backend, io.Closer, error) {
	switch cfg.Backend {
	case "", KindMemory:
		return NewMemoryBackend(), nopCloser{}, nil
	case KindEnv:
		return NewEnvBackend(cfg.EnvKey), nopCloser{}, nil
	case KindFile:
		if cfg.Path == "" {
			return nil, nil, fmt.Errorf("file backend requires a path")
		}
		return NewFileBackend(cfg.Path), nopCloser{}, nil
	case KindLibSQL:
		if cfg.DSN == "" {
			return nil, nil, fmt.Errorf("libsql backend requires a DSN")
		}
		sb, err := OpenSQL(ctx, cfg.DSN, cfg.Key)
		if err != nil {
			return nil, nil, err
		}
		return sb, sb, nil
	case KindGist:
		if cfg.GithubToken == "" {
			return nil, nil, fmt.Errorf("gist backend requires a GitHub token")
		}
		gb, err := NewGistBackend(NewGithubClient(ctx, cfg.GithubToken), cfg.GistID, cfg.GistFile)
		if err != nil {
			return nil, nil, err
		}
		return gb, nopCloser{}, nil
	}
	return nil, nil, fmt.Errorf("unknown code store backend '%s'", cfg.Backend)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
