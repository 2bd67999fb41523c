// Package filestore abstracts the repository used as the database: JSON
// documents addressed by path, written with optimistic concurrency via a
// per-file version token.
package filestore

import (
	"context"
	"errors"
)

var (
	// ErrConflict is returned by PutFile/DeleteFile when the supplied version
	// token no longer matches the stored file.
	ErrConflict = errors.New("version token conflict")
	// ErrNotFound is returned by DeleteFile for a path that does not exist.
	ErrNotFound = errors.New("file not found")
)

// File is the result of a GetFile. Token is the version token to pass to a
// subsequent PutFile or DeleteFile; it is empty when Exists is false.
type File struct {
	Exists  bool
	Token   string
	Content []byte
}

type Store interface {
	GetFile(ctx context.Context, path string) (File, error)
	// PutFile writes content under path. An empty token means "create"; a
	// non-empty token must match the current version or ErrConflict is
	// returned. The new version token is returned on success.
	PutFile(ctx context.Context, path string, content []byte, message, token string) (string, error)
	DeleteFile(ctx context.Context, path string, message, token string) error
}

// PutFileRetry writes content under path, resolving the current version token
// itself. On a conflict it re-reads the token and retries exactly once; a
// second conflict is returned to the caller.
func PutFileRetry(ctx context.Context, store Store, path string, content []byte, message string) (string, error) {
	first, err := store.GetFile(ctx, path)
	if err != nil {
		return "", err
	}
	newToken, err := store.PutFile(ctx, path, content, message, first.Token)
	if err == nil {
		return newToken, nil
	}
	if !errors.Is(err, ErrConflict) {
		return "", err
	}
	again, err := store.GetFile(ctx, path)
	if err != nil {
		return "", err
	}
	return store.PutFile(ctx, path, content, message, again.Token)
}
