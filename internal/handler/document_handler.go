package handler

import (
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	appErrors "github.com/noah-isme/od-approval-api/pkg/errors"
	"github.com/noah-isme/od-approval-api/pkg/response"
)

const maxDocumentSize = 10 << 20

type documentStore interface {
	Upload(userID, filename string, r io.Reader) (string, error)
	Open(token string) (*os.File, string, error)
}

// DocumentHandler uploads and serves supporting documents.
type DocumentHandler struct {
	documents documentStore
}

// NewDocumentHandler constructs the handler.
func NewDocumentHandler(documents documentStore) *DocumentHandler {
	return &DocumentHandler{documents: documents}
}

// Upload godoc
// @Summary Upload a supporting document
// @Tags Documents
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "PDF, PNG or JPEG up to 10MB"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /documents [post]
func (h *DocumentHandler) Upload(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxDocumentSize+(1<<20))
	header, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "file is required"))
		return
	}
	if header.Size > maxDocumentSize {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "document exceeds 10MB"))
		return
	}
	file, err := header.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "unreadable upload"))
		return
	}
	defer file.Close() //nolint:errcheck

	documentPath, err := h.documents.Upload(actor.UserID, header.Filename, file)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, gin.H{"documentPath": documentPath})
}

// Open godoc
// @Summary Download a document through a signed link
// @Tags Documents
// @Produce application/octet-stream
// @Param token path string true "Signed token"
// @Success 200 {file} file
// @Failure 404 {object} response.Envelope
// @Router /documents/{token} [get]
func (h *DocumentHandler) Open(c *gin.Context) {
	file, contentType, err := h.documents.Open(c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Close() //nolint:errcheck

	info, err := file.Stat()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read document"))
		return
	}
	c.Header("Cache-Control", "private, max-age=60")
	c.Header("Content-Disposition", "inline; filename=\""+filepath.Base(file.Name())+"\"")
	c.DataFromReader(http.StatusOK, info.Size(), contentType, file, nil)
}
