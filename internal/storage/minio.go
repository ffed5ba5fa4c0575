package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"

	"valigence/internal/config"
)

// ObjectStorage 对象存储接口
type ObjectStorage interface {
	// UploadFile 上传文件到指定路径
	UploadFile(ctx context.Context, objectName string, reader io.Reader, fileSize int64, contentType string) (string, error)

	// DownloadFile 下载文件
	DownloadFile(ctx context.Context, objectName string) ([]byte, error)

	// GetPresignedURL 获取预签名URL
	GetPresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error)

	// DeleteFile 删除文件
	DeleteFile(ctx context.Context, objectName string) error

	// 验证运行特定操作
	UploadSourceFile(ctx context.Context, runUUID, fileExt string, reader io.Reader, fileSize int64) (string, string, error)
	UploadExtractedText(ctx context.Context, runUUID string, text string) (string, error)
	GetSourceFile(ctx context.Context, objectKey string) ([]byte, error)
	GetExtractedText(ctx context.Context, objectKey string) (string, error)
}

// 确保MinIO实现了ObjectStorage接口
var _ ObjectStorage = (*MinIO)(nil)

// MinIO 提供对象存储功能
type MinIO struct {
	client          *minio.Client
	cfg             *config.MinIOConfig
	originalsBucket string
	artifactsBucket string
	logger          *log.Logger
}

// NewMinIO 创建MinIO客户端
func NewMinIO(cfg *config.MinIOConfig, logger *log.Logger) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	logger.Printf("[MinIO] Initializing MinIO client with endpoint: %s, originalsBucket: %s, artifactsBucket: %s", cfg.Endpoint, cfg.OriginalsBucket, cfg.ArtifactsBucket)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		logger.Printf("[MinIO] Initialization failed: %v", err)
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	originalsBucket := cfg.OriginalsBucket
	if originalsBucket == "" {
		originalsBucket = cfg.BucketName // 向后兼容
	}

	artifactsBucket := cfg.ArtifactsBucket
	if artifactsBucket == "" {
		artifactsBucket = "validation-artifacts" // 默认值
	}

	m := &MinIO{
		client:          client,
		cfg:             cfg,
		originalsBucket: originalsBucket,
		artifactsBucket: artifactsBucket,
		logger:          logger,
	}

	// 确保存储桶存在
	if err := m.ensureBucketExists(originalsBucket, cfg.Location); err != nil {
		logger.Printf("[MinIO] Failed to ensure originals bucket %s exists: %v", originalsBucket, err)
		return nil, fmt.Errorf("确保原始文件存储桶 %s 存在失败: %w", originalsBucket, err)
	}

	if err := m.ensureBucketExists(artifactsBucket, cfg.Location); err != nil {
		logger.Printf("[MinIO] Failed to ensure artifacts bucket %s exists: %v", artifactsBucket, err)
		return nil, fmt.Errorf("确保中间产物存储桶 %s 存在失败: %w", artifactsBucket, err)
	}

	// 设置生命周期规则
	if cfg.OriginalFileExpireDays > 0 || cfg.ArtifactExpireDays > 0 {
		if err := m.setupLifecycleRules(context.Background()); err != nil {
			logger.Printf("[MinIO] Warning: Failed to set up lifecycle rules: %v", err)
		}
	}

	logger.Printf("[MinIO] Client initialized successfully for endpoint: %s", cfg.Endpoint)
	return m, nil
}

// debugf 在开启调试日志时输出详细操作日志
func (m *MinIO) debugf(format string, args ...interface{}) {
	if m.cfg.EnableTestLogging && m.logger != nil && m.logger.Writer() != io.Discard {
		m.logger.Printf(format, args...)
	}
}

// ensureBucketExists 确保存储桶存在
func (m *MinIO) ensureBucketExists(bucketName, location string) error {
	m.logger.Printf("[MinIO] Ensuring bucket exists: %s (Location: %s)", bucketName, location)
	exists, err := m.client.BucketExists(context.Background(), bucketName)
	if err != nil {
		m.logger.Printf("[MinIO] Error checking if bucket %s exists: %v", bucketName, err)
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", bucketName, err)
	}
	if !exists {
		m.logger.Printf("[MinIO] Bucket %s does not exist, attempting to create...", bucketName)
		err = m.client.MakeBucket(context.Background(), bucketName, minio.MakeBucketOptions{Region: location})
		if err != nil {
			m.logger.Printf("[MinIO] Error creating bucket %s: %v", bucketName, err)
			return fmt.Errorf("创建存储桶 %s 失败: %w", bucketName, err)
		}
		m.logger.Printf("[MinIO] Bucket %s created successfully.", bucketName)
	} else {
		m.logger.Printf("[MinIO] Bucket %s already exists.", bucketName)
	}
	return nil
}

// setupLifecycleRules 设置对象生命周期规则
func (m *MinIO) setupLifecycleRules(ctx context.Context) error {
	m.logger.Printf("[MinIO] Setting up lifecycle rules...")
	if m.cfg.OriginalFileExpireDays > 0 {
		if err := m.setupBucketLifecycle(ctx, m.originalsBucket, "expire-originals", m.cfg.OriginalFileExpireDays); err != nil {
			return fmt.Errorf("为原始文件存储桶 %s 设置生命周期失败: %w", m.originalsBucket, err)
		}
	}
	if m.cfg.ArtifactExpireDays > 0 {
		if err := m.setupBucketLifecycle(ctx, m.artifactsBucket, "expire-artifacts", m.cfg.ArtifactExpireDays); err != nil {
			return fmt.Errorf("为中间产物存储桶 %s 设置生命周期失败: %w", m.artifactsBucket, err)
		}
	}
	m.logger.Printf("[MinIO] Lifecycle rules setup completed.")
	return nil
}

// setupBucketLifecycle 为指定存储桶设置生命周期规则
func (m *MinIO) setupBucketLifecycle(ctx context.Context, bucketName, ruleID string, expiryDays int) error {
	m.logger.Printf("[MinIO] Setting lifecycle rule for bucket %s: ID=%s, ExpiryDays=%d", bucketName, ruleID, expiryDays)
	config := lifecycle.NewConfiguration()
	config.Rules = []lifecycle.Rule{
		{
			ID:     ruleID,
			Status: "Enabled",
			Expiration: lifecycle.Expiration{
				Days: lifecycle.ExpirationDays(expiryDays),
			},
		},
	}

	err := m.client.SetBucketLifecycle(ctx, bucketName, config)
	if err != nil {
		m.logger.Printf("[MinIO] Error setting lifecycle for bucket %s: %v", bucketName, err)
		return err
	}
	m.logger.Printf("[MinIO] Successfully set lifecycle for bucket %s.", bucketName)
	return nil
}

// UploadFile 上传文件到指定路径。
// objectName 以已知存储桶名为前缀时按 bucket/key 拆分，否则使用原始文件存储桶。
func (m *MinIO) UploadFile(ctx context.Context, objectName string, reader io.Reader, fileSize int64, contentType string) (string, error) {
	m.logger.Printf("[MinIO] Uploading file: ObjectName=%s, Size=%d, ContentType=%s", objectName, fileSize, contentType)

	bucketToUse := m.originalsBucket
	actualObjectName := objectName
	if strings.Contains(objectName, "/") {
		parts := strings.SplitN(objectName, "/", 2)
		if len(parts) == 2 {
			// 只接受已配置的存储桶前缀，避免通过objectName误建桶
			if parts[0] == m.originalsBucket || parts[0] == m.artifactsBucket || parts[0] == m.cfg.BucketName {
				bucketToUse = parts[0]
				actualObjectName = parts[1]
				m.debugf("[MinIO] Using bucket '%s' and object key '%s' from provided objectName.", bucketToUse, actualObjectName)
			}
		}
	}

	uploadInfo, err := m.client.PutObject(ctx, bucketToUse, actualObjectName, reader, fileSize, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		m.debugf("[MinIO-UploadFile] Error uploading %s: %v", actualObjectName, err)
		return "", fmt.Errorf("上传对象 %s/%s 失败: %w", bucketToUse, actualObjectName, err)
	}

	m.debugf("[MinIO-UploadFile] Successfully uploaded %s, ETag: %s, Size: %d", actualObjectName, uploadInfo.ETag, uploadInfo.Size)
	return actualObjectName, nil
}

// uploadFileFromBytes 从字节数组上传文件
func (m *MinIO) uploadFileFromBytes(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	return m.UploadFile(ctx, objectName, bytes.NewReader(data), int64(len(data)), contentType)
}

// UploadSourceFile 流式上传源文件(XML或PDF)到原始文件存储桶并同时计算MD5。
// 返回: objectKey, md5Hex, error
func (m *MinIO) UploadSourceFile(ctx context.Context, runUUID, fileExt string, reader io.Reader, fileSize int64) (string, string, error) {
	// 对象键形如: runs/{runUUID}/source.xml
	objectName := fmt.Sprintf("runs/%s/source%s", runUUID, strings.ToLower(fileExt))
	contentType := getContentType(fileExt)

	md5Hash := md5.New()
	// TeeReader边上传边算哈希，避免二次读取
	teeReader := io.TeeReader(reader, md5Hash)

	m.debugf("[MinIO-UploadSourceFile] Uploading: RunUUID='%s', FileExt='%s', ObjectName='%s', Bucket='%s'",
		runUUID, fileExt, objectName, m.originalsBucket)

	info, err := m.client.PutObject(ctx, m.originalsBucket, objectName, teeReader,
		fileSize, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", "", fmt.Errorf("流式上传源文件到MinIO失败: %w", err)
	}

	md5Hex := hex.EncodeToString(md5Hash.Sum(nil))

	m.debugf("[MinIO-UploadSourceFile] Successfully uploaded %s, ETag: %s, Size: %d, MD5: %s",
		objectName, info.ETag, info.Size, md5Hex)

	return objectName, md5Hex, nil
}

// UploadExtractedText 上传提取出的PDF文本到中间产物存储桶
func (m *MinIO) UploadExtractedText(ctx context.Context, runUUID string, text string) (string, error) {
	objectName := fmt.Sprintf("runs/%s/extracted_text.txt", runUUID)

	m.debugf("[MinIO-UploadExtractedText] Uploading: RunUUID='%s', ObjectName='%s', Bucket='%s', TextLength=%d",
		runUUID, objectName, m.artifactsBucket, len(text))

	_, err := m.client.PutObject(ctx, m.artifactsBucket, objectName, strings.NewReader(text), int64(len(text)), minio.PutObjectOptions{ContentType: "text/plain"})
	if err != nil {
		m.debugf("[MinIO-UploadExtractedText] Error uploading extracted text for %s: %v", runUUID, err)
		return "", fmt.Errorf("上传提取文本 %s 到存储桶 %s 失败: %w", objectName, m.artifactsBucket, err)
	}

	m.debugf("[MinIO-UploadExtractedText] Successfully uploaded extracted text for %s to %s", runUUID, objectName)
	return objectName, nil
}

// DownloadFile 下载文件。objectName 带存储桶前缀时按 bucket/key 拆分。
func (m *MinIO) DownloadFile(ctx context.Context, objectName string) ([]byte, error) {
	m.logger.Printf("[MinIO] Downloading file: ObjectName=%s", objectName)
	bucketName := m.originalsBucket
	actualObjectName := objectName

	if strings.Contains(objectName, "/") {
		parts := strings.SplitN(objectName, "/", 2)
		if len(parts) == 2 && (parts[0] == m.originalsBucket || parts[0] == m.artifactsBucket || parts[0] == m.cfg.BucketName) {
			bucketName = parts[0]
			actualObjectName = parts[1]
			m.debugf("[MinIO] Using bucket '%s' and object key '%s' from provided objectName for download.", bucketName, actualObjectName)
		}
	}

	obj, err := m.client.GetObject(ctx, bucketName, actualObjectName, minio.GetObjectOptions{})
	if err != nil {
		m.debugf("[MinIO-DownloadFile] Error getting object %s: %v", actualObjectName, err)
		return nil, fmt.Errorf("获取对象 %s/%s 失败: %w", bucketName, actualObjectName, err)
	}
	defer obj.Close()

	// Stat能立刻暴露对象不存在或权限问题
	stat, err := obj.Stat()
	if err != nil {
		m.logger.Printf("[MinIO] Failed to stat object %s/%s after GetObject: %v", bucketName, actualObjectName, err)
		return nil, fmt.Errorf("获取对象 %s/%s 状态失败: %w", bucketName, actualObjectName, err)
	}
	m.debugf("[MinIO] Object %s/%s stats: Size=%d, ContentType=%s", bucketName, actualObjectName, stat.Size, stat.ContentType)

	data, err := io.ReadAll(obj)
	if err != nil {
		m.debugf("[MinIO-DownloadFile] Error reading object data for %s: %v", actualObjectName, err)
		return nil, fmt.Errorf("读取对象 %s/%s 数据失败: %w", bucketName, actualObjectName, err)
	}
	m.debugf("[MinIO-DownloadFile] Successfully downloaded %d bytes from %s/%s.", len(data), bucketName, actualObjectName)
	return data, nil
}

// GetSourceFile 从原始文件存储桶获取源文件
func (m *MinIO) GetSourceFile(ctx context.Context, objectKey string) ([]byte, error) {
	m.debugf("[MinIO-GetSourceFile] Getting: ObjectKey='%s', Bucket='%s'", objectKey, m.originalsBucket)
	return m.DownloadFile(ctx, fmt.Sprintf("%s/%s", m.originalsBucket, objectKey))
}

// GetExtractedText 从中间产物存储桶获取提取文本
func (m *MinIO) GetExtractedText(ctx context.Context, objectKey string) (string, error) {
	m.debugf("[MinIO-GetExtractedText] Getting: ObjectKey='%s', Bucket='%s'", objectKey, m.artifactsBucket)

	data, err := m.DownloadFile(ctx, fmt.Sprintf("%s/%s", m.artifactsBucket, objectKey))
	if err != nil {
		return "", err
	}
	text := string(data)
	m.debugf("[MinIO-GetExtractedText] Successfully downloaded extracted text %s, Size: %d bytes", objectKey, len(text))
	return text, nil
}

// GetPresignedURL 获取预签名URL，用于外部临时访问原始文件
func (m *MinIO) GetPresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	m.debugf("[MinIO-GetPresignedURL] Generating for: ObjectName='%s', Bucket='%s', Expiry=%s", objectName, m.originalsBucket, expiry)

	presignedURL, err := m.client.PresignedGetObject(ctx, m.originalsBucket, objectName, expiry, nil)
	if err != nil {
		m.debugf("[MinIO-GetPresignedURL] Error generating for %s: %v", objectName, err)
		return "", fmt.Errorf("生成MinIO预签名URL失败: %w", err)
	}
	return presignedURL.String(), nil
}

// DeleteFile 从原始文件存储桶删除对象
func (m *MinIO) DeleteFile(ctx context.Context, objectName string) error {
	m.logger.Printf("[MinIO] Deleting object: %s", objectName)

	err := m.client.RemoveObject(ctx, m.originalsBucket, objectName, minio.RemoveObjectOptions{})
	if err != nil {
		m.debugf("[MinIO-DeleteFile] Error deleting %s: %v", objectName, err)
		return fmt.Errorf("删除对象 %s 失败: %w", objectName, err)
	}
	m.debugf("[MinIO-DeleteFile] Successfully deleted %s", objectName)
	return nil
}

// StatObject 暴露底层的StatObject方法，用于测试或特定场景
func (m *MinIO) StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return m.client.StatObject(ctx, bucketName, objectName, opts)
}

// RemoveObject 暴露底层的RemoveObject方法，用于测试或特定场景
func (m *MinIO) RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error {
	return m.client.RemoveObject(ctx, bucketName, objectName, opts)
}

// 获取内容类型
func getContentType(ext string) string {
	ext = strings.ToLower(ext)
	switch ext {
	case ".xml":
		return "application/xml"
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	case ".json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
