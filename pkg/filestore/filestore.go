package filestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/igolaizola/acecover/pkg/filestore/local"
	"github.com/igolaizola/acecover/pkg/filestore/s3"
)

type fs interface {
	Upload(ctx context.Context, path, name string) error
	Download(ctx context.Context, path, name string) error
}

// Store archives produced audio files.
type Store struct {
	fs fs
}

func (s *Store) SetWAV(ctx context.Context, path, id string) error {
	return s.fs.Upload(ctx, path, WAV(id))
}

// ErrNotFound is returned by GetWAV when no audio is archived for the id.
var ErrNotFound = errors.New("filestore: file not found")

func (s *Store) GetWAV(ctx context.Context, path, id string) error {
	err := s.fs.Download(ctx, path, WAV(id))
	if errors.Is(err, local.ErrNotFound) || errors.Is(err, s3.ErrNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

// New creates a file store.
//
//	local: conn is the root directory
//	s3:    conn is key:secret@bucket.region (empty key and secret use the
//	       instance role)
func New(typ, conn string, debug bool) (*Store, error) {
	var fs fs
	switch typ {
	case "s3":
		split := strings.Split(conn, "@")
		if len(split) != 2 {
			return nil, fmt.Errorf("filestore: invalid s3 connection string %q", conn)
		}
		auth := strings.Split(split[0], ":")
		if len(auth) != 2 {
			return nil, fmt.Errorf("filestore: invalid s3 auth string %q", conn)
		}
		key := auth[0]
		secret := auth[1]
		loc := strings.Split(split[1], ".")
		if len(loc) != 2 {
			return nil, fmt.Errorf("filestore: invalid s3 location string %q", conn)
		}
		bucket := loc[0]
		region := loc[1]
		candidate, err := s3.New(key, secret, region, bucket, debug)
		if err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}
		fs = candidate
	case "local":
		candidate, err := local.New(conn, debug)
		if err != nil {
			return nil, fmt.Errorf("filestore: %w", err)
		}
		fs = candidate
	default:
		return nil, fmt.Errorf("filestore: unknown file storage type %q", typ)
	}
	return &Store{fs: fs}, nil
}

func WAV(id string) string {
	return id + ".wav"
}
