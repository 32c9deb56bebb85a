package inventory

import (
	"context"
	"errors"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v5"
)

type S3Config struct {
	AccountName     string
	Region          string
	Endpoint        string // empty for AWS; set for S3-compatible stores
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	Buckets         []string // empty lists every bucket the credentials can see
	URLTTL          time.Duration
	PageRetries     uint
}

// S3Source treats buckets as containers and object keys as item names.
type S3Source struct {
	cfg     S3Config
	client  *s3.Client
	presign *s3.PresignClient
}

func NewS3(ctx context.Context, cfg S3Config) (*S3Source, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = time.Hour
	}
	if cfg.PageRetries == 0 {
		cfg.PageRetries = 4
	}
	if cfg.AccountName == "" {
		cfg.AccountName = "s3"
	}
	return &S3Source{cfg: cfg, client: client, presign: s3.NewPresignClient(client)}, nil
}

func (s *S3Source) Name() string { return s.cfg.AccountName }

func (s *S3Source) buckets(ctx context.Context, scope Scope) ([]string, error) {
	known := s.cfg.Buckets
	if len(known) == 0 {
		out, err := s.client.ListBuckets(ctx, &s3.ListBucketsInput{})
		if err != nil {
			return nil, err
		}
		for _, b := range out.Buckets {
			known = append(known, aws.ToString(b.Name))
		}
	}
	if scope.Container == "" {
		return known, nil
	}
	if !slices.Contains(known, scope.Container) {
		return nil, ErrUnknownContainer
	}
	return []string{scope.Container}, nil
}

func (s *S3Source) Enumerate(ctx context.Context, scope Scope) iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		buckets, err := s.buckets(ctx, scope)
		if err != nil {
			yield(Item{}, sourceErr("list buckets", err))
			return
		}
		for _, bucket := range buckets {
			p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
			for p.HasMorePages() {
				page, err := backoff.Retry(ctx, func() (*s3.ListObjectsV2Output, error) {
					out, err := p.NextPage(ctx)
					if err != nil && ctx.Err() != nil {
						return nil, backoff.Permanent(err)
					}
					return out, err
				}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(s.cfg.PageRetries))
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						yield(Item{}, err)
					} else {
						yield(Item{}, sourceErr("list "+bucket, err))
					}
					return
				}
				for _, obj := range page.Contents {
					name := aws.ToString(obj.Key)
					if strings.HasSuffix(name, "/") {
						continue
					}
					mod := aws.ToTime(obj.LastModified)
					it := Item{
						Key:           Key{AccountName: s.cfg.AccountName, ContainerName: bucket, Name: name},
						Category:      CategoryOf(name),
						CreatedOn:     mod,
						LastModified:  mod,
						ContentLength: aws.ToInt64(obj.Size),
						ContentHash:   strings.ToLower(strings.Trim(aws.ToString(obj.ETag), `"`)),
					}
					if !yield(it, nil) {
						return
					}
				}
			}
		}
	}
}

// URL presigns a GET for key, valid for URLTTL.
func (s *S3Source) URL(ctx context.Context, key Key) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(key.ContainerName),
		Key:    aws.String(key.Name),
	}, s3.WithPresignExpires(s.cfg.URLTTL))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}
