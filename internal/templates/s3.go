package templates

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/shaiso/Rollout/internal/domain"
)

// S3Config — параметры S3-совместимого хранилища шаблонов.
type S3Config struct {
	Endpoint  string `env:"ENDPOINT"`
	Region    string `env:"REGION" envDefault:"us-east-1"`
	Bucket    string `env:"BUCKET"`
	Prefix    string `env:"PREFIX"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
}

// S3Source читает мастер-шаблоны из бакета S3.
type S3Source struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Source создаёт источник для бакета.
func NewS3Source(cfg S3Config) *S3Source {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := s3.Options{
		Region:       region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return &S3Source{
		client: s3.New(opts),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}
}

func (s *S3Source) key(parts ...string) string {
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return path.Join(parts...)
}

// ListVersions возвращает версии, у которых есть manifest.yaml.
func (s *S3Source) ListVersions(ctx context.Context) ([]string, error) {
	root := ""
	if s.prefix != "" {
		root = s.prefix + "/"
	}

	var versions []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(root),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: list templates in %s: %w", domain.ErrInfrastructure, s.bucket, err)
		}
		for _, obj := range page.Contents {
			rel := strings.TrimPrefix(aws.ToString(obj.Key), root)
			dir, file := path.Split(rel)
			dir = strings.TrimSuffix(dir, "/")
			if file == ManifestFile && dir != "" && !strings.Contains(dir, "/") {
				versions = append(versions, dir)
			}
		}
	}
	sort.Strings(versions)
	return versions, nil
}

// Manifest читает манифест версии из бакета.
func (s *S3Source) Manifest(ctx context.Context, version string) (*domain.TemplateManifest, error) {
	data, err := s.get(ctx, s.key(version, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("%w: template version %s: %w", domain.ErrNotFound, version, err)
	}
	return ParseManifest(version, data)
}

// ReadFile возвращает содержимое файла мастер-версии.
func (s *S3Source) ReadFile(ctx context.Context, version, file string) (string, error) {
	data, err := s.get(ctx, s.key(version, file))
	if err != nil {
		return "", fmt.Errorf("%w: read %s@%s: %w", domain.ErrInfrastructure, file, version, err)
	}
	return string(data), nil
}

func (s *S3Source) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}
