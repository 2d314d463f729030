package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/havenhealth/auditvault/internal/vault"
	"go.uber.org/zap"
)

// VaultHandler exposes encrypted storage operations over HTTP.
type VaultHandler struct {
	store  *vault.Store
	logger *zap.Logger
}

// NewVaultHandler creates a VaultHandler.
func NewVaultHandler(store *vault.Store, logger *zap.Logger) *VaultHandler {
	return &VaultHandler{store: store, logger: logger}
}

// Register mounts the vault routes on the given router group. Read routes
// require the auditor group; Rotate is mounted on the compliance group by
// the router.
func (h *VaultHandler) Register(read, manage *gin.RouterGroup) {
	v := read.Group("/vault")
	{
		v.GET("/files", h.ListFiles)
		v.GET("/files/:name", h.FileInfo)
		v.GET("/files/:name/verify", h.VerifyFile)
	}
	manage.POST("/vault/rotate", h.Rotate)
}

// ListFiles handles GET /vault/files.
func (h *VaultHandler) ListFiles(c *gin.Context) {
	files, err := h.store.ListFiles()
	if err != nil {
		h.logger.Error("list vault files", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list files"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"files":       files,
		"count":       len(files),
		"key_version": h.store.Keystore().CurrentVersion(),
	})
}

// FileInfo handles GET /vault/files/:name. Only the metadata sidecar is
// returned; payloads never leave the vault through this endpoint.
func (h *VaultHandler) FileInfo(c *gin.Context) {
	meta, err := h.store.FileMetadata(c.Param("name"))
	if err != nil {
		if errors.Is(err, vault.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
			return
		}
		h.logger.Error("read file metadata", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read metadata"})
		return
	}
	c.JSON(http.StatusOK, meta)
}

// VerifyFile handles GET /vault/files/:name/verify.
func (h *VaultHandler) VerifyFile(c *gin.Context) {
	report, err := h.store.VerifyFileIntegrity(c.Request.Context(), c.Param("name"))
	if err != nil {
		switch {
		case errors.Is(err, vault.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		case errors.Is(err, vault.ErrRotationInProgress):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "key rotation in progress"})
		default:
			h.logger.Error("verify file", zap.String("file", c.Param("name")), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		}
		return
	}
	c.JSON(http.StatusOK, report)
}

// Rotate handles POST /vault/rotate. The sweep holds the store exclusively;
// concurrent reads and writes fail fast until it completes.
func (h *VaultHandler) Rotate(c *gin.Context) {
	report, err := h.store.RotateEncryptionKey(c.Request.Context())
	if err != nil {
		h.logger.Error("key rotation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rotation failed"})
		return
	}
	RecordKeyRotation()
	c.JSON(http.StatusOK, report)
}
