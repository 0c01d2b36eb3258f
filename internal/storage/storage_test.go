package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuongbtq/genqueue/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	storage_go "github.com/supabase-community/storage-go"
)

type fakeObjects struct {
	signErr  error
	uploaded map[string][]byte
	ttl      int
}

func (f *fakeObjects) CreateSignedUrl(bucketID, filePath string, expiresIn int) (storage_go.SignedUrlResponse, error) {
	f.ttl = expiresIn
	if f.signErr != nil {
		return storage_go.SignedUrlResponse{}, f.signErr
	}
	return storage_go.SignedUrlResponse{SignedURL: "https://cdn.example/" + bucketID + "/" + filePath + "?token=t"}, nil
}

func (f *fakeObjects) UploadFile(bucketID, relativePath string, data io.Reader, _ ...storage_go.FileOptions) (storage_go.FileUploadResponse, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return storage_go.FileUploadResponse{}, err
	}
	if f.uploaded == nil {
		f.uploaded = make(map[string][]byte)
	}
	f.uploaded[relativePath] = b
	return storage_go.FileUploadResponse{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSupabase_SignedURL(t *testing.T) {
	tests := []struct {
		name    string
		signErr error
		want    string
		wantErr bool
	}{
		{
			name: "signs object path",
			want: "https://cdn.example/images/refs/a.png?token=t",
		},
		{
			name:    "propagates sign failure",
			signErr: errors.New("bucket missing"),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			objects := &fakeObjects{signErr: tt.signErr}
			s := newSupabase(objects, &Config{Bucket: "images", SignedURLTTL: 10 * time.Minute}, testLogger())

			got, err := s.SignedURL(context.Background(), "refs/a.png")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, 600, objects.ttl)
		})
	}
}

func TestSupabase_PersistOutputs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png:" + r.URL.Path))
	}))
	defer srv.Close()

	job := &domain.Job{ID: "job-1", Payload: domain.Payload{TargetPath: "out/b.png"}}

	t.Run("single output lands on target", func(t *testing.T) {
		objects := &fakeObjects{}
		s := newSupabase(objects, &Config{Bucket: "images", HTTPClient: srv.Client()}, testLogger())

		paths, err := s.PersistOutputs(context.Background(), job, []string{srv.URL + "/one.png"})
		require.NoError(t, err)
		assert.Equal(t, []string{"out/b.png"}, paths)
		assert.Equal(t, []byte("png:/one.png"), objects.uploaded["out/b.png"])
	})

	t.Run("multiple outputs are numbered", func(t *testing.T) {
		objects := &fakeObjects{}
		s := newSupabase(objects, &Config{Bucket: "images", HTTPClient: srv.Client()}, testLogger())

		paths, err := s.PersistOutputs(context.Background(), job, []string{srv.URL + "/1.png", srv.URL + "/2.png"})
		require.NoError(t, err)
		assert.Equal(t, []string{"out/b_1.png", "out/b_2.png"}, paths)
	})

	t.Run("download failure", func(t *testing.T) {
		s := newSupabase(&fakeObjects{}, &Config{Bucket: "images", HTTPClient: srv.Client()}, testLogger())
		_, err := s.PersistOutputs(context.Background(), job, []string{srv.URL + "/missing.png"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unexpected status 404")
	})

	t.Run("no outputs", func(t *testing.T) {
		s := newSupabase(&fakeObjects{}, &Config{Bucket: "images"}, testLogger())
		_, err := s.PersistOutputs(context.Background(), job, nil)
		require.Error(t, err)
	})
}

func TestOutputPath(t *testing.T) {
	assert.Equal(t, "b.png", OutputPath("b.png", 0, 1))
	assert.Equal(t, "dir/b_2.webp", OutputPath("dir/b.webp", 1, 3))
	assert.Equal(t, "noext_1", OutputPath("noext", 0, 2))
}
