// Package archive stores confirmed utterance recordings in Supabase storage
// so tutors can review pronunciation later.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/supabase-community/supabase-go"
)

type Config struct {
	URL            string
	ServiceRoleKey string
	Bucket         string
}

// Supabase uploads recordings into a single bucket and hands back the public
// object URL.
type Supabase struct {
	client *supabase.Client
	bucket string
	base   string
}

func New(cfg Config) (*Supabase, error) {
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("archive: create supabase client: %w", err)
	}
	return &Supabase{
		client: client,
		bucket: cfg.Bucket,
		base:   strings.TrimRight(cfg.URL, "/"),
	}, nil
}

// SaveUtterance uploads one recording and returns its public URL.
func (s *Supabase) SaveUtterance(ctx context.Context, name string, audio []byte) (string, error) {
	key := objectKey(name)
	if _, err := s.client.Storage.UploadFile(s.bucket, key, bytes.NewReader(audio)); err != nil {
		return "", fmt.Errorf("archive: upload %s: %w", key, err)
	}
	return s.publicURL(key), nil
}

func (s *Supabase) publicURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.base, s.bucket, key)
}

// objectKey flattens the name into a storage-safe key under utterances/.
func objectKey(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, " ", "-")
	name = strings.ReplaceAll(name, "/", "-")
	if name == "" {
		name = "utterance"
	}
	return "utterances/" + name
}
