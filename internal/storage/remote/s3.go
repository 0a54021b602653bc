// Пакет remote — S3-совместимое зеркало хранилища содержимого.
//
// Ключ объекта совпадает с относительным путём файла на диске
// (filestore.ResolvePath), поэтому зеркало можно заполнить простой
// синхронизацией дерева. Используется как резервный источник при
// скачивании, когда локального файла нет.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/bigkaa/librarian/internal/storage/filestore"
)

// ErrNotFound — объекта нет в зеркале.
var ErrNotFound = errors.New("объект не найден в зеркале")

// Config — параметры подключения к S3.
type Config struct {
	Bucket string
	Region string
	// Endpoint — адрес S3-совместимого сервиса (MinIO); пусто — AWS
	Endpoint string
	// AccessKey, SecretKey — статические ключи; пусто — цепочка по умолчанию
	AccessKey string
	SecretKey string
}

// API — используемое подмножество *s3.Client.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Mirror — зеркало содержимого в бакете S3.
type Mirror struct {
	client API
	bucket string
	logger *slog.Logger
}

// New создаёт зеркало по конфигурации.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Mirror, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("загрузка конфигурации S3: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// MinIO и другие совместимые сервисы адресуют бакет путём
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg.Bucket, logger), nil
}

// NewWithClient создаёт зеркало поверх готового клиента.
func NewWithClient(client API, bucket string, logger *slog.Logger) *Mirror {
	return &Mirror{
		client: client,
		bucket: bucket,
		logger: logger.With(slog.String("component", "s3_mirror")),
	}
}

// Bucket возвращает имя бакета.
func (m *Mirror) Bucket() string {
	return m.bucket
}

// Key возвращает ключ объекта для содержимого.
func Key(contentID int64) string {
	return filestore.ResolvePath(contentID)
}

// Put загружает файл path как объект содержимого contentID.
func (m *Mirror) Put(ctx context.Context, contentID int64, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("открытие файла %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat файла %s: %w", path, err)
	}

	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.bucket),
		Key:           aws.String(Key(contentID)),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("PutObject %s: %w", Key(contentID), err)
	}

	m.logger.Debug("Содержимое загружено в зеркало",
		slog.Int64("content_id", contentID),
		slog.Int64("size", info.Size()),
	)
	return nil
}

// Open открывает объект содержимого. Возвращает поток и размер.
// Отсутствующий объект — ErrNotFound.
func (m *Mirror) Open(ctx context.Context, contentID int64) (io.ReadCloser, int64, error) {
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(Key(contentID)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("GetObject %s: %w", Key(contentID), err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

// Exists проверяет наличие объекта содержимого.
func (m *Mirror) Exists(ctx context.Context, contentID int64) (bool, error) {
	_, err := m.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(Key(contentID)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("HeadObject %s: %w", Key(contentID), err)
	}
	return true, nil
}

// isNotFound распознаёт ответы «нет объекта» (GetObject и HeadObject
// возвращают разные типы).
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
