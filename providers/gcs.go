package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/storage"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
)

var ErrUnsupportedFileType = errors.New("unsupported file type")

var allowedDocumentTypes = map[string]bool{
	"application/pdf":          true,
	"application/msword":       true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"text/plain; charset=utf-8": true,
}

// DetectDocumentContentType sniffs the upload. Office files sniff as zip, so the
// extension decides between them.
func DetectDocumentContentType(name string, data []byte) (string, error) {
	mimeType := http.DetectContentType(data)
	if mimeType == "application/zip" {
		switch strings.ToLower(path.Ext(name)) {
		case ".docx":
			mimeType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
		case ".xlsx":
			mimeType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		case ".pptx":
			mimeType = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
		}
	}
	if !allowedDocumentTypes[mimeType] {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFileType, mimeType)
	}
	return mimeType, nil
}

// GCSFileStore keeps uploaded documents in one private bucket and hands out V4 signed URLs.
type GCSFileStore struct {
	client *storage.Client
	bucket string

	credJSON     string
	signerEmail  string
	signerKey    string
	signedURLTTL time.Duration
}

func NewGCSFileStore(client *storage.Client, bucket, credJSON, signerEmail, signerKey string, signedURLTTL time.Duration) (*GCSFileStore, error) {
	if client == nil {
		return nil, errors.New("gcs client is nil")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("GCS_BUCKET is required")
	}
	return &GCSFileStore{
		client:       client,
		bucket:       bucket,
		credJSON:     credJSON,
		signerEmail:  signerEmail,
		signerKey:    signerKey,
		signedURLTTL: signedURLTTL,
	}, nil
}

// Upload writes data to objectName and returns the stored size.
func (s *GCSFileStore) Upload(ctx context.Context, objectName string, data []byte, contentType string) (int64, error) {
	wc := s.client.Bucket(s.bucket).Object(objectName).NewWriter(ctx)
	wc.ContentType = contentType

	n, err := io.Copy(wc, bytes.NewReader(data))
	if err != nil {
		_ = wc.Close()
		return 0, fmt.Errorf("failed to upload file to Google Cloud Storage: %v", err)
	}
	if err := wc.Close(); err != nil {
		return 0, fmt.Errorf("failed to close writer: %v", err)
	}
	return n, nil
}

// Delete treats a missing object as already deleted.
func (s *GCSFileStore) Delete(ctx context.Context, objectName string) error {
	err := s.client.Bucket(s.bucket).Object(objectName).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return err
	}
	return nil
}

func (s *GCSFileStore) SignedURL(ctx context.Context, objectName string) (string, time.Time, error) {
	ttl := s.signedURLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
	}

	accessID, privateKey, ok, err := s.staticSigner()
	if err != nil {
		return "", time.Time{}, err
	}
	if ok {
		opts.GoogleAccessID = accessID
		opts.PrivateKey = privateKey
	} else {
		email, signBytes, err := s.iamSigner(ctx)
		if err != nil {
			return "", time.Time{}, err
		}
		opts.GoogleAccessID = email
		opts.SignBytes = signBytes
	}

	signed, err := storage.SignedURL(s.bucket, objectName, opts)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, opts.Expires, nil
}

type serviceAccountJSON struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

func (s *GCSFileStore) staticSigner() (string, []byte, bool, error) {
	if credJSON := strings.TrimSpace(s.credJSON); credJSON != "" {
		var key serviceAccountJSON
		if err := json.Unmarshal([]byte(credJSON), &key); err != nil {
			return "", nil, false, fmt.Errorf("invalid GCS_CREDENTIALS_JSON: %w", err)
		}
		if key.ClientEmail == "" || key.PrivateKey == "" {
			return "", nil, false, errors.New("GCS_CREDENTIALS_JSON missing client_email or private_key")
		}
		return key.ClientEmail, normalizePrivateKey(key.PrivateKey), true, nil
	}
	if s.signerEmail == "" || s.signerKey == "" {
		return "", nil, false, nil
	}
	return s.signerEmail, normalizePrivateKey(s.signerKey), true, nil
}

func normalizePrivateKey(key string) []byte {
	return []byte(strings.ReplaceAll(key, "\\n", "\n"))
}

// iamSigner signs through the IAM credentials API (Cloud Run has no private key on disk).
func (s *GCSFileStore) iamSigner(ctx context.Context) (string, func([]byte) ([]byte, error), error) {
	email := s.signerEmail
	if email == "" && metadata.OnGCE() {
		defaultEmail, err := metadata.Email("default")
		if err != nil {
			return "", nil, fmt.Errorf("failed to get default service account email: %w", err)
		}
		email = defaultEmail
	}
	if email == "" {
		return "", nil, errors.New("GCS_SIGNER_EMAIL is required when no private key is provided")
	}

	creds, err := google.FindDefaultCredentials(ctx, iamcredentials.CloudPlatformScope)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load ADC credentials: %w", err)
	}
	svc, err := iamcredentials.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return "", nil, fmt.Errorf("failed to create iamcredentials service: %w", err)
	}

	resource := fmt.Sprintf("projects/-/serviceAccounts/%s", email)
	signBytes := func(data []byte) ([]byte, error) {
		req := &iamcredentials.SignBlobRequest{
			Payload: base64.StdEncoding.EncodeToString(data),
		}
		resp, err := svc.Projects.ServiceAccounts.SignBlob(resource, req).Do()
		if err != nil {
			return nil, err
		}
		return base64.StdEncoding.DecodeString(resp.SignedBlob)
	}
	return email, signBytes, nil
}
