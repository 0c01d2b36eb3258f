// Package storage signs object paths for the provider and persists generated outputs.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/cuongbtq/genqueue/internal/domain"
	storage_go "github.com/supabase-community/storage-go"
	"github.com/supabase-community/supabase-go"
)

// MaxObjectSize caps a single downloaded output or reference image.
const MaxObjectSize = 50 << 20

// Storage is the object storage collaborator.
type Storage interface {
	// SignedURL returns a time-limited externally reachable URL for an object path.
	SignedURL(ctx context.Context, objectPath string) (string, error)
	// PersistOutputs copies provider output URLs into the job's target path and returns the object paths.
	PersistOutputs(ctx context.Context, job *domain.Job, outputURLs []string) ([]string, error)
}

// Config holds Supabase storage settings
type Config struct {
	URL          string
	ServiceKey   string
	Bucket       string
	SignedURLTTL time.Duration
	HTTPClient   *http.Client
}

// objectClient is the subset of the storage-go client used here.
type objectClient interface {
	CreateSignedUrl(bucketID string, filePath string, expiresIn int) (storage_go.SignedUrlResponse, error)
	UploadFile(bucketID string, relativePath string, data io.Reader, fileOptions ...storage_go.FileOptions) (storage_go.FileUploadResponse, error)
}

// Supabase implements Storage on a Supabase storage bucket.
type Supabase struct {
	objects    objectClient
	bucket     string
	ttl        time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewSupabase creates a storage collaborator for one bucket.
func NewSupabase(cfg *Config, logger *slog.Logger) (*Supabase, error) {
	client, err := supabase.NewClient(strings.TrimRight(cfg.URL, "/"), cfg.ServiceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return newSupabase(client.Storage, cfg, logger), nil
}

func newSupabase(objects objectClient, cfg *Config, logger *slog.Logger) *Supabase {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	ttl := cfg.SignedURLTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Supabase{
		objects:    objects,
		bucket:     cfg.Bucket,
		ttl:        ttl,
		httpClient: httpClient,
		logger:     logger,
	}
}

func (s *Supabase) SignedURL(ctx context.Context, objectPath string) (string, error) {
	resp, err := s.objects.CreateSignedUrl(s.bucket, objectPath, int(s.ttl.Seconds()))
	if err != nil {
		return "", fmt.Errorf("failed to sign %s: %w", objectPath, err)
	}
	if resp.SignedURL == "" {
		return "", fmt.Errorf("failed to sign %s: empty signed url", objectPath)
	}
	return resp.SignedURL, nil
}

func (s *Supabase) PersistOutputs(ctx context.Context, job *domain.Job, outputURLs []string) ([]string, error) {
	if len(outputURLs) == 0 {
		return nil, fmt.Errorf("provider returned no outputs for job %s", job.ID)
	}

	paths := make([]string, 0, len(outputURLs))
	for i, u := range outputURLs {
		data, contentType, err := Fetch(ctx, s.httpClient, u)
		if err != nil {
			return nil, fmt.Errorf("failed to download output %d: %w", i, err)
		}

		objectPath := OutputPath(job.Payload.TargetPath, i, len(outputURLs))
		upsert := true
		_, err = s.objects.UploadFile(s.bucket, objectPath, bytes.NewReader(data), storage_go.FileOptions{
			ContentType: &contentType,
			Upsert:      &upsert,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to upload %s: %w", objectPath, err)
		}

		s.logger.Info("Output persisted",
			slog.String("job_id", job.ID),
			slog.String("path", objectPath),
			slog.Int("bytes", len(data)),
		)
		paths = append(paths, objectPath)
	}
	return paths, nil
}

// OutputPath names the i-th of n outputs. A single output lands on target itself.
func OutputPath(target string, i, n int) string {
	if n <= 1 {
		return target
	}
	ext := path.Ext(target)
	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(target, ext), i+1, ext)
}

// Fetch downloads url and returns its body and content type.
func Fetch(ctx context.Context, client *http.Client, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxObjectSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read body: %w", err)
	}
	if len(data) > MaxObjectSize {
		return nil, "", fmt.Errorf("object exceeds %d bytes", MaxObjectSize)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	return data, contentType, nil
}
