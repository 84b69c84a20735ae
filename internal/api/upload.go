package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/dutchcoders/go-clamd"
	"github.com/google/uuid"
)

// ObjectStorage 是处理器依赖的最小对象存储接口，由 storage.Client 实现。
type ObjectStorage interface {
	UploadPublic(ctx context.Context, objectKey string, reader io.Reader, size int64, contentType string) (string, string, error)
	DeleteObject(ctx context.Context, objectKey string) error
}

var errMaliciousFile = errors.New("malicious file detected")

// scanAndUploadFile 先做病毒扫描（clamdAddr 为空则跳过），再上传到公开 Bucket。
// 返回对象 Key 与公开 URL；任何失败都发生在数据库写入之前。
func scanAndUploadFile(
	ctx context.Context,
	store ObjectStorage,
	clamdAddr string,
	keyPrefix string,
	file *multipart.FileHeader,
) (string, string, error) {
	if clamdAddr != "" {
		fileReader, err := file.Open()
		if err != nil {
			return "", "", fmt.Errorf("open upload: %w", err)
		}

		clamdClient := clamd.NewClamd(clamdAddr)
		abortChan := make(chan bool)
		scanChan, err := clamdClient.ScanStream(fileReader, abortChan)
		fileReader.Close()
		if err != nil {
			return "", "", fmt.Errorf("scan upload: %w", err)
		}
		defer close(abortChan)

		for result := range scanChan {
			if result.Status != clamd.RES_OK {
				return "", "", errMaliciousFile
			}
		}
	}

	fileReader, err := file.Open()
	if err != nil {
		return "", "", fmt.Errorf("reopen upload: %w", err)
	}
	defer fileReader.Close()

	ext := strings.ToLower(filepath.Ext(file.Filename))
	objectKey := fmt.Sprintf("%s/%s%s", strings.Trim(keyPrefix, "/"), uuid.NewString(), ext)

	contentType := file.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key, url, err := store.UploadPublic(ctx, objectKey, fileReader, file.Size, contentType)
	if err != nil {
		return "", "", fmt.Errorf("upload %q: %w", objectKey, err)
	}
	return key, url, nil
}

// cleanupObject 尽力删除存储对象；失败只告警不阻断（已接受的孤儿文件场景）。
func cleanupObject(ctx context.Context, store ObjectStorage, logger *slog.Logger, objectKey string) {
	if objectKey == "" {
		return
	}
	if err := store.DeleteObject(ctx, objectKey); err != nil {
		logger.Warn("storage cleanup failed, object orphaned",
			slog.String("object_key", objectKey),
			slog.Any("error", err),
		)
	}
}
