package service

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/od-approval-api/pkg/errors"
	"github.com/noah-isme/od-approval-api/pkg/storage"
)

func newDocumentServiceForTest(t *testing.T) *DocumentService {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return NewDocumentService(store, storage.NewSignedURLSigner("secret", time.Hour), "/api/v1/")
}

func TestDocumentUploadAndOpen(t *testing.T) {
	svc := newDocumentServiceForTest(t)

	stored, err := svc.Upload("S1", "Letter.PDF", strings.NewReader("%PDF-1.4 letter"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored, "S1/"))
	assert.True(t, strings.HasSuffix(stored, ".pdf"))

	url, err := svc.ResolveURL("R1", stored)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "/api/v1/documents/"))

	token := strings.TrimPrefix(url, "/api/v1/documents/")
	file, contentType, err := svc.Open(token)
	require.NoError(t, err)
	defer file.Close()
	assert.Equal(t, "application/pdf", contentType)

	body, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 letter", string(body))
}

func TestDocumentUploadRejectsUnknownTypes(t *testing.T) {
	svc := newDocumentServiceForTest(t)

	_, err := svc.Upload("S1", "payload.exe", strings.NewReader("MZ"))
	require.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = svc.Upload("", "letter.pdf", strings.NewReader("%PDF"))
	require.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestDocumentOpenRejectsBadTokens(t *testing.T) {
	svc := newDocumentServiceForTest(t)

	_, _, err := svc.Open("not-a-token")
	require.ErrorIs(t, err, appErrors.ErrNotFound)

	url, err := svc.ResolveURL("R1", "S1/missing.pdf")
	require.NoError(t, err)
	_, _, err = svc.Open(strings.TrimPrefix(url, "/api/v1/documents/"))
	require.ErrorIs(t, err, appErrors.ErrNotFound)

	other := NewDocumentService(nil, storage.NewSignedURLSigner("other-secret", time.Hour), "/api/v1")
	forged, err := other.ResolveURL("R1", "S1/letter.pdf")
	require.NoError(t, err)
	_, _, err = svc.Open(strings.TrimPrefix(forged, "/api/v1/documents/"))
	require.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "image/jpeg", ContentTypeFor("a/b.JPEG"))
	assert.Equal(t, "image/png", ContentTypeFor("a/b.png"))
	assert.Equal(t, "application/octet-stream", ContentTypeFor("a/b.txt"))
}
