package bigquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	bq "cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/s3db-io/replicator/replicate"
	"github.com/s3db-io/replicator/replicate/sqlgen"
)

// Client is the narrow BigQuery surface the driver consumes. Production uses
// gcpClient over the cloud library; tests substitute a fake.
type Client interface {
	// ProbeDataset verifies the dataset exists and is reachable.
	ProbeDataset(ctx context.Context) error
	// TableFields returns the live field names of a table, or missing=true
	// when the table does not exist.
	TableFields(ctx context.Context, table string) (fields []string, missing bool, err error)
	CreateTable(ctx context.Context, table string, fields []sqlgen.BigQueryField, opts *replicate.TableOptions) error
	// AddFields appends the given fields to the table schema. Existing fields
	// are never renamed, retyped or dropped.
	AddFields(ctx context.Context, table string, fields []sqlgen.BigQueryField) error
	DeleteTable(ctx context.Context, table string) error
	InsertRows(ctx context.Context, table string, rows []Row) error
	// RunDML executes a parameterised statement and waits for the job.
	RunDML(ctx context.Context, stmt string, params map[string]interface{}) error
	Close() error
}

// Row is one streaming-insert payload. InsertID enables best-effort
// deduplication on the BigQuery side.
type Row struct {
	Values   map[string]interface{}
	InsertID string
}

type gcpClient struct {
	client  *bq.Client
	dataset string
}

// NewClient dials BigQuery with the configured credentials.
func NewClient(ctx context.Context, projectID, dataset, credentialsFile string, credentialsJSON json.RawMessage) (Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	if len(credentialsJSON) > 0 {
		opts = append(opts, option.WithCredentialsJSON(credentialsJSON))
	}

	var client, err = bq.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery client: %w", err)
	}
	return &gcpClient{client: client, dataset: dataset}, nil
}

func (c *gcpClient) ProbeDataset(ctx context.Context) error {
	var _, err = c.client.Dataset(c.dataset).Metadata(ctx)
	if err != nil {
		return fmt.Errorf("fetching dataset %q metadata: %w", c.dataset, err)
	}
	return nil
}

func (c *gcpClient) TableFields(ctx context.Context, table string) ([]string, bool, error) {
	var md, err = c.client.Dataset(c.dataset).Table(table).Metadata(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("fetching table %q metadata: %w", table, err)
	}

	var fields = make([]string, 0, len(md.Schema))
	for _, f := range md.Schema {
		fields = append(fields, f.Name)
	}
	return fields, false, nil
}

func (c *gcpClient) CreateTable(ctx context.Context, table string, fields []sqlgen.BigQueryField, opts *replicate.TableOptions) error {
	var md = &bq.TableMetadata{Schema: toSchema(fields)}

	if opts != nil {
		if opts.PartitionField != "" {
			md.TimePartitioning = &bq.TimePartitioning{
				Field: opts.PartitionField,
				Type:  partitioningType(opts.PartitionType),
			}
		}
		if len(opts.ClusteringFields) > 0 {
			md.Clustering = &bq.Clustering{Fields: opts.ClusteringFields}
		}
	}

	if err := c.client.Dataset(c.dataset).Table(table).Create(ctx, md); err != nil {
		return fmt.Errorf("creating table %q: %w", table, err)
	}
	return nil
}

func (c *gcpClient) AddFields(ctx context.Context, table string, fields []sqlgen.BigQueryField) error {
	var handle = c.client.Dataset(c.dataset).Table(table)
	var md, err = handle.Metadata(ctx)
	if err != nil {
		return fmt.Errorf("fetching table %q metadata: %w", table, err)
	}

	var next = append(bq.Schema{}, md.Schema...)
	next = append(next, toSchema(fields)...)
	if _, err = handle.Update(ctx, bq.TableMetadataToUpdate{Schema: next}, md.ETag); err != nil {
		return fmt.Errorf("updating table %q schema: %w", table, err)
	}
	return nil
}

func (c *gcpClient) DeleteTable(ctx context.Context, table string) error {
	var err = c.client.Dataset(c.dataset).Table(table).Delete(ctx)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting table %q: %w", table, err)
	}
	return nil
}

func (c *gcpClient) InsertRows(ctx context.Context, table string, rows []Row) error {
	var savers = make([]*saver, len(rows))
	for i := range rows {
		savers[i] = &saver{row: rows[i]}
	}
	if err := c.client.Dataset(c.dataset).Table(table).Inserter().Put(ctx, savers); err != nil {
		return fmt.Errorf("inserting into table %q: %w", table, err)
	}
	return nil
}

func (c *gcpClient) RunDML(ctx context.Context, stmt string, params map[string]interface{}) error {
	var q = c.client.Query(stmt)
	for name, value := range params {
		q.Parameters = append(q.Parameters, bq.QueryParameter{Name: name, Value: value})
	}

	var job, err = q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running dml job: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("awaiting dml job: %w", err)
	}
	if err = status.Err(); err != nil {
		return fmt.Errorf("dml job failed: %w", err)
	}
	return nil
}

func (c *gcpClient) Close() error { return c.client.Close() }

type saver struct{ row Row }

func (s *saver) Save() (map[string]bq.Value, string, error) {
	var out = make(map[string]bq.Value, len(s.row.Values))
	for name, value := range s.row.Values {
		out[name] = bq.Value(value)
	}
	return out, s.row.InsertID, nil
}

func toSchema(fields []sqlgen.BigQueryField) bq.Schema {
	var out = make(bq.Schema, 0, len(fields))
	for _, f := range fields {
		out = append(out, &bq.FieldSchema{
			Name:     f.Name,
			Type:     fieldType(f.Type),
			Required: f.Required,
		})
	}
	return out
}

func fieldType(t string) bq.FieldType {
	switch t {
	case "INT64":
		return bq.IntegerFieldType
	case "FLOAT64":
		return bq.FloatFieldType
	case "BOOL":
		return bq.BooleanFieldType
	case "JSON":
		return bq.JSONFieldType
	case "DATE":
		return bq.DateFieldType
	case "TIMESTAMP":
		return bq.TimestampFieldType
	default:
		return bq.StringFieldType
	}
}

func partitioningType(t string) bq.TimePartitioningType {
	switch strings.ToLower(t) {
	case "hour":
		return bq.HourPartitioningType
	case "month":
		return bq.MonthPartitioningType
	case "year":
		return bq.YearPartitioningType
	default:
		return bq.DayPartitioningType
	}
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}
