package archive

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"astro-solver/internal/models"
	"astro-solver/internal/solver"
)

func sidecarInput() solver.SidecarInput {
	return solver.SidecarInput{
		Image:         models.Image{ID: "img-1", AssetID: "asset-1", Filename: "m31.jpg"},
		ExternalJobID: "9001",
		Equipment:     []string{"RedCat 51", "ASI2600MC"},
		Result: models.SolveResult{
			Calibration: &models.Calibration{RA: 10.68, Dec: 41.27, Radius: 1.2, PixelScale: 3.4},
			MachineTags: []string{"M 31"},
		},
	}
}

func TestLocalWriter(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(NewLocalUploader(dir))
	require.NoError(t, w.Write(context.Background(), sidecarInput()))

	raw, err := os.ReadFile(filepath.Join(dir, "img-1.solve.json"))
	require.NoError(t, err)

	var doc Document
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "img-1", doc.ImageID)
	assert.Equal(t, "9001", doc.ExternalJobID)
	assert.Equal(t, []string{"RedCat 51", "ASI2600MC"}, doc.Equipment)
	require.NotNil(t, doc.Calibration)
	assert.InDelta(t, 41.27, doc.Calibration.Dec, 1e-9)
	assert.False(t, doc.WrittenAt.IsZero())

	_, err = os.Stat(filepath.Join(dir, "img-1.solve.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestKeyStaysInsideArchive(t *testing.T) {
	assert.Equal(t, "img-1.solve.json", Key("img-1"))
	assert.Equal(t, "passwd.solve.json", Key("../../etc/passwd"))
	assert.Equal(t, "solve.json", Key(""))
}

func TestS3Writer(t *testing.T) {
	var (
		mu   sync.Mutex
		path string
		body []byte
		ct   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path = r.URL.Path
		ct = r.Header.Get("Content-Type")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                aws.AnonymousCredentials{},
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
	})
	w := NewWriter(NewS3UploaderFromClient(client, "solves"))
	require.NoError(t, w.Write(context.Background(), sidecarInput()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/solves/img-1.solve.json", path)
	assert.Equal(t, "application/json", ct)
	assert.Contains(t, string(body), `"image_id": "img-1"`)
}

type failingUploader struct{}

func (failingUploader) Upload(context.Context, string, []byte, string) (string, error) {
	return "", os.ErrPermission
}

func TestWriteWrapsUploadErrors(t *testing.T) {
	err := NewWriter(failingUploader{}).Write(context.Background(), sidecarInput())
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.Contains(t, err.Error(), "img-1")
}
