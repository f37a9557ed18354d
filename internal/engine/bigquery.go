package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// Validator dry-runs a candidate statement against the live engine.
// A nil error means the SQL is executable as written.
type Validator interface {
	DryRun(ctx context.Context, sql string) error
}

// ErrDryRunTimeout marks a validation that exceeded its deadline. Callers
// classify it as TIME_OUT, which the orchestrator treats as uncorrectable.
var ErrDryRunTimeout = errors.New("sql dry run timed out")

// BigQueryValidator validates SQL via BigQuery dry-run jobs: the statement
// is planned but never billed or executed.
type BigQueryValidator struct {
	client  *bigquery.Client
	timeout time.Duration
}

func NewBigQueryValidator(ctx context.Context, projectID, credentialsFile string, timeout time.Duration) (*BigQueryValidator, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	return &BigQueryValidator{client: client, timeout: timeout}, nil
}

func (v *BigQueryValidator) Close() error {
	return v.client.Close()
}

// TestConnection verifies engine connectivity with a trivial dry run.
func (v *BigQueryValidator) TestConnection(ctx context.Context) error {
	return v.DryRun(ctx, "SELECT 1")
}

func (v *BigQueryValidator) DryRun(ctx context.Context, sql string) error {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	q := v.client.Query(sql)
	q.DryRun = true

	job, err := q.Run(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrDryRunTimeout
		}
		return fmt.Errorf("dry run: %w", err)
	}
	status := job.LastStatus()
	if status != nil && status.Err() != nil {
		return fmt.Errorf("dry run: %w", status.Err())
	}
	log.Debug().Int64("bytes_processed", jobBytesProcessed(status)).Msg("dry run ok")
	return nil
}

func jobBytesProcessed(status *bigquery.JobStatus) int64 {
	if status == nil || status.Statistics == nil {
		return 0
	}
	return status.Statistics.TotalBytesProcessed
}

// Classify maps a dry-run error to an invalid-result kind.
func Classify(err error) string {
	if errors.Is(err, ErrDryRunTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return InvalidTypeTimeout
	}
	return InvalidTypeDryRun
}
