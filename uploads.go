package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/qms_backend/models"
	"github.com/mmdatafocus/qms_backend/utils"
	"github.com/sirupsen/logrus"
)

type uploadSignRequest struct {
	CarId    string `json:"car_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

type uploadCompleteRequest struct {
	CarId     string `json:"car_id"`
	ObjectKey string `json:"object_key"`
	FileName  string `json:"file_name"`
}

type uploadSignResponse struct {
	UploadURL string            `json:"upload_url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	ObjectKey string            `json:"object_key"`
	AccessURL string            `json:"access_url"`
	ExpiresAt string            `json:"expires_at"`
}

const (
	signedUploadTTL = 15 * time.Minute
	thumbnailWidth  = 200
)

func (api *carAPI) signUpload(c *gin.Context) {
	requestID := requestIDFromHeaders(c)

	var req uploadSignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.CarId == "" || req.FileName == "" || req.MimeType == "" || req.Size <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "car_id, file_name, mime_type and size are required"})
		return
	}
	if req.Size > utils.MaxEvidenceBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("file size exceeds %dMB limit", utils.MaxEvidenceBytes>>20)})
		return
	}
	if !utils.IsAllowedEvidenceMimeType(req.MimeType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}
	ctx := c.Request.Context()
	if _, err := api.svc.GetCar(ctx, req.CarId); err != nil {
		api.writeError(c, "signUpload", err)
		return
	}

	objectKey := utils.EvidenceObjectKey(req.CarId, req.FileName)
	signed, err := api.objects.Sign(ctx, objectKey, req.MimeType, signedUploadTTL)
	if err != nil {
		logUploadError(api.logger, err, utils.GetStorageProvider(), requestID)
		message := "failed to sign upload"
		if !strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
			message = fmt.Sprintf("failed to sign upload: %v", err)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
		return
	}

	api.logger.WithFields(logrus.Fields{
		"car_id":     req.CarId,
		"mime_type":  req.MimeType,
		"size":       req.Size,
		"object_key": objectKey,
	}).Info("[upload.sign]")

	c.JSON(http.StatusOK, gin.H{
		"data": uploadSignResponse{
			UploadURL: signed.UploadURL,
			Method:    signed.Method,
			Headers:   signed.Headers,
			ObjectKey: signed.ObjectKey,
			AccessURL: signed.AccessURL,
			ExpiresAt: signed.ExpiresAt.UTC().Format(time.RFC3339),
		},
	})
}

// completeUpload records an evidence file the client has PUT to the signed URL.
// Images also get a thumbnail.
func (api *carAPI) completeUpload(c *gin.Context) {
	requestID := requestIDFromHeaders(c)

	var req uploadCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.CarId == "" || req.ObjectKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "car_id and object_key are required"})
		return
	}
	if !utils.IsSafeObjectKey(req.ObjectKey) || !strings.HasPrefix(req.ObjectKey, path.Join("cars", req.CarId, "evidence")+"/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid object key"})
		return
	}
	ctx := c.Request.Context()
	if _, err := api.svc.GetCar(ctx, req.CarId); err != nil {
		api.writeError(c, "completeUpload", err)
		return
	}

	contentType, size, ok, err := api.objects.Attrs(ctx, req.ObjectKey)
	if err != nil {
		logUploadError(api.logger, err, utils.GetStorageProvider(), requestID)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "object not found"})
		return
	}
	if !utils.IsAllowedEvidenceMimeType(contentType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}

	attachment := models.Attachment{
		CarId:       req.CarId,
		ObjectKey:   req.ObjectKey,
		DocumentUrl: utils.BuildObjectAccessURL(req.ObjectKey),
		FileName:    strings.TrimSpace(req.FileName),
		MimeType:    contentType,
		SizeBytes:   size,
		UploadedBy:  actorFromContext(ctx).Name,
	}
	if attachment.FileName == "" {
		attachment.FileName = path.Base(req.ObjectKey)
	}
	if strings.HasPrefix(contentType, "image/") {
		thumbnailKey, err := api.createThumbnail(ctx, req.ObjectKey)
		if err != nil {
			// The attachment is still usable without a preview.
			logUploadError(api.logger, err, utils.GetStorageProvider(), requestID)
		} else {
			thumbnailURL := utils.BuildObjectAccessURL(thumbnailKey)
			attachment.ThumbnailUrl = &thumbnailURL
		}
	}
	if err := api.attachments.CreateAttachment(ctx, &attachment); err != nil {
		logUploadError(api.logger, err, utils.GetStorageProvider(), requestID)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to record attachment"})
		return
	}

	api.logger.WithFields(logrus.Fields{
		"car_id":     req.CarId,
		"object_key": req.ObjectKey,
		"status":     "completed",
	}).Info("[upload.complete]")

	c.JSON(http.StatusOK, gin.H{"data": attachment})
}

func (api *carAPI) createThumbnail(ctx context.Context, objectKey string) (string, error) {
	data, err := api.objects.Read(ctx, objectKey, utils.MaxEvidenceBytes)
	if err != nil {
		return "", err
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	thumbnail := imaging.Resize(img, thumbnailWidth, 0, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumbnail, imaging.JPEG); err != nil {
		return "", err
	}
	thumbnailKey := thumbnailObjectKey(objectKey)
	if err := api.objects.Write(ctx, thumbnailKey, buf.Bytes(), "image/jpeg"); err != nil {
		return "", err
	}
	return thumbnailKey, nil
}

func thumbnailObjectKey(objectKey string) string {
	dir := path.Dir(objectKey)
	filename := strings.TrimSuffix(path.Base(objectKey), path.Ext(objectKey)) + ".jpg"
	return path.Join(dir, "thumbnails", filename)
}

func logUploadError(logger *logrus.Logger, err error, provider string, requestID string) {
	logger.WithFields(logrus.Fields{
		"error":      err.Error(),
		"provider":   provider,
		"request_id": requestID,
	}).Error("[upload.error]")
}

func requestIDFromHeaders(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader("X-Correlation-Id")); id != "" {
		return id
	}
	if id := strings.TrimSpace(c.GetHeader("X-Request-Id")); id != "" {
		return id
	}
	return fmt.Sprintf("upload-%d", time.Now().UnixNano())
}
