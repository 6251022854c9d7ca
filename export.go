package main

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrExporterDisabled = errors.New("export storage is not configured")

type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ObjectStore is where rendered exports land.
type ObjectStore interface {
	Upload(ctx context.Context, key, contentType string, body []byte) error
	PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

type S3Store struct {
	client *minio.Client
	bucket string
}

func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		exportLog.Infof("created bucket %s", cfg.Bucket)
	}
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Store) Upload(ctx context.Context, key, contentType string, body []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

func (s *S3Store) PresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presigned get object: %w", err)
	}
	return u.String(), nil
}

// ExportResult points at an uploaded export.
type ExportResult struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	Format    string    `json:"format"`
	Size      int       `json:"size"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Exporter struct {
	store  ObjectStore
	expiry time.Duration
}

func NewExporter(store ObjectStore, expiry time.Duration) *Exporter {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Exporter{store: store, expiry: expiry}
}

func (e *Exporter) Enabled() bool { return e != nil && e.store != nil }

// Publish uploads body under exports/{kind}/{uuid}.{format} and returns a
// presigned link to it.
func (e *Exporter) Publish(ctx context.Context, kind, format string, body []byte) (*ExportResult, error) {
	if !e.Enabled() {
		return nil, ErrExporterDisabled
	}
	ct := "text/csv"
	if format == "png" {
		ct = "image/png"
	}
	key := fmt.Sprintf("exports/%s/%s.%s", kind, uuid.NewString(), format)
	if err := e.store.Upload(ctx, key, ct, body); err != nil {
		return nil, err
	}
	link, err := e.store.PresignedURL(ctx, key, e.expiry)
	if err != nil {
		return nil, err
	}
	exportLog.Infof("%s written (%d bytes)", key, len(body))
	return &ExportResult{
		Key:       key,
		URL:       link,
		Format:    format,
		Size:      len(body),
		ExpiresAt: time.Now().UTC().Add(e.expiry),
	}, nil
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func writeCSV(header []string, rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func CPKCSV(d *CPKData) ([]byte, error) {
	rows := make([][]string, 0, len(d.Points))
	for _, p := range d.Points {
		rows = append(rows, []string{
			fmt.Sprint(p.ID), p.Name, formatFloat(p.Value), strconv.Itoa(p.SampleCount),
			formatFloat(p.LowerLimit), formatFloat(p.UpperLimit),
			formatFloat(p.Mean), formatFloat(p.StdDev), string(p.Rating),
		})
	}
	return writeCSV([]string{"id", "parameter", "cpk", "samples", "lsl", "usl", "mean", "std_dev", "rating"}, rows)
}

func FPYCSV(d *FPYData) ([]byte, error) {
	rows := make([][]string, 0, len(d.Stages))
	for _, st := range d.Stages {
		rows = append(rows, []string{
			fmt.Sprint(st.StageID), st.StageName, strconv.Itoa(st.PassCount),
			strconv.Itoa(st.FailCount), formatFloat(st.YieldPercent),
		})
	}
	return writeCSV([]string{"stage_id", "stage", "pass", "fail", "yield_percent"}, rows)
}

func ParetoCSV(d *ParetoData) ([]byte, error) {
	rows := make([][]string, 0, len(d.Defects))
	for _, p := range d.Defects {
		rows = append(rows, []string{
			p.Name, strconv.Itoa(p.Count), formatFloat(p.Percent), formatFloat(p.CumulativePercent),
		})
	}
	return writeCSV([]string{"defect", "count", "percent", "cumulative_percent"}, rows)
}

func ScatterCSV(d *ScatterData) ([]byte, error) {
	rows := make([][]string, 0, len(d.Values))
	lo, hi := formatFloat(d.LowerLimit), formatFloat(d.UpperLimit)
	for i, v := range d.Values {
		rows = append(rows, []string{strconv.Itoa(i + 1), formatFloat(v), lo, hi})
	}
	return writeCSV([]string{"sample", "value", "lsl", "usl"}, rows)
}
