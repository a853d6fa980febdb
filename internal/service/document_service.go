package service

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	appErrors "github.com/noah-isme/od-approval-api/pkg/errors"
	"github.com/noah-isme/od-approval-api/pkg/storage"
)

type documentStorage interface {
	Save(relPath string, r io.Reader) (string, error)
	Open(relPath string) (*os.File, error)
}

var allowedDocumentExt = map[string]string{
	".pdf":  "application/pdf",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

// DocumentService stores supporting documents and resolves their paths to signed URLs.
type DocumentService struct {
	storage   documentStorage
	signer    *storage.SignedURLSigner
	apiPrefix string
}

// NewDocumentService constructs a DocumentService.
func NewDocumentService(store documentStorage, signer *storage.SignedURLSigner, apiPrefix string) *DocumentService {
	return &DocumentService{storage: store, signer: signer, apiPrefix: strings.TrimRight(apiPrefix, "/")}
}

// Upload stores a document for userID and returns its stored path.
func (s *DocumentService) Upload(userID, filename string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := allowedDocumentExt[ext]; !ok {
		return "", appErrors.Clone(appErrors.ErrValidation, "document must be a pdf, png or jpeg file")
	}
	if strings.TrimSpace(userID) == "" {
		return "", appErrors.Clone(appErrors.ErrValidation, "user id is required")
	}
	stored, err := s.storage.Save(path.Join(userID, uuid.NewString()+ext), r)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store document")
	}
	return stored, nil
}

// ResolveURL maps a stored document path to a signed download URL bound to subject.
func (s *DocumentService) ResolveURL(subject, documentPath string) (string, error) {
	token, _, err := s.signer.Sign(subject, documentPath)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/documents/%s", s.apiPrefix, token), nil
}

// Open validates a signed token and opens the referenced document.
func (s *DocumentService) Open(token string) (*os.File, string, error) {
	claims, err := s.signer.Parse(token, false)
	if err != nil {
		if errors.Is(err, storage.ErrTokenExpired) {
			return nil, "", appErrors.Clone(appErrors.ErrForbidden, "document link expired")
		}
		return nil, "", appErrors.Clone(appErrors.ErrNotFound, "document not found")
	}
	file, err := s.storage.Open(claims.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, storage.ErrInvalidPath) {
			return nil, "", appErrors.Clone(appErrors.ErrNotFound, "document not found")
		}
		return nil, "", err
	}
	return file, ContentTypeFor(claims.Path), nil
}

// ContentTypeFor returns the MIME type of a stored document.
func ContentTypeFor(documentPath string) string {
	if ct, ok := allowedDocumentExt[strings.ToLower(filepath.Ext(documentPath))]; ok {
		return ct
	}
	return "application/octet-stream"
}
