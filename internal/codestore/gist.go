package codestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-github/v72/github"
	"golang.org/x/oauth2"
)

// DefaultGistFile is the file name GistBackend uses when none is given
const DefaultGistFile = "App.jsx"

// GistBackend stores the code as one file of an existing GitHub gist
type GistBackend struct {
	client   *github.Client
	gistID   string
	filename github.GistFilename
}

// NewGithubClient returns a client authenticated with a personal access token
func NewGithubClient(ctx context.Context, token string) *github.Client {
	tokenSource := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	)
	httpClient := oauth2.NewClient(ctx, tokenSource)
	return github.NewClient(httpClient)
}

func NewGistBackend(client *github.Client, gistID string, filename string) (*GistBackend, error) {
	if gistID == "" {
		return nil, errors.New("gist ID is required")
	}
	if filename == "" {
		filename = DefaultGistFile
	}
	return &GistBackend{
		client:   client,
		gistID:   gistID,
		filename: github.GistFilename(filename),
	}, nil
}

func (gb *GistBackend) Load(ctx context.Context) (string, error) {
	gist, _, err := gb.client.Gists.Get(ctx, gb.gistID)
	if err != nil {
		return "", fmt.Errorf("failed to get gist %s: %w", gb.gistID, err)
	}
	file, ok := gist.Files[gb.filename]
	if !ok || strings.TrimSpace(file.GetContent()) == "" {
		return "", ErrNotFound
	}
	return file.GetContent(), nil
}

func (gb *GistBackend) Save(ctx context.Context, code string) error {
	if strings.TrimSpace(code) == "" {
		return ErrEmptyCode
	}
	gist := &github.Gist{
		Files: map[github.GistFilename]github.GistFile{
			gb.filename: {Content: github.Ptr(code)},
		},
	}
	if _, _, err := gb.client.Gists.Edit(ctx, gb.gistID, gist); err != nil {
		return fmt.Errorf("failed to update gist %s: %w", gb.gistID, err)
	}
	return nil
}

func (gb *GistBackend) Durability() Durability {
	return Durable
}
