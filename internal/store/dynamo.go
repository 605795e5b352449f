package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/madkind/pixels/internal/canvas"
)

// canvasKey is the partition key of the single canvas row.
const canvasKey = "main"

// batchWriteMax is DynamoDB's BatchWriteItem ceiling.
const batchWriteMax = 25

// DynamoConfig selects the tables and, for local development, a custom
// endpoint (DynamoDB Local accepts any static credentials).
type DynamoConfig struct {
	Region      string
	Endpoint    string
	CanvasTable string
	AuditTable  string
	LocksTable  string
}

// Dynamo persists the canvas, audit journal, and locks in three DynamoDB
// tables. The bitmap is stored gzip-compressed.
type Dynamo struct {
	db     *dynamodb.Client
	cfg    DynamoConfig
	logger zerolog.Logger
}

// NewDynamo builds the client and, when pointed at a local endpoint,
// creates the tables if they do not exist yet.
func NewDynamo(ctx context.Context, cfg DynamoConfig, logger zerolog.Logger) (*Dynamo, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("store: load aws config: %w", err)
	}

	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	s := &Dynamo{
		db:     client,
		cfg:    cfg,
		logger: logger.With().Str("component", "store").Logger(),
	}

	if cfg.Endpoint != "" {
		if err := s.ensureTables(ctx); err != nil {
			return nil, err
		}
	}

	s.logger.Info().
		Str("region", cfg.Region).
		Str("endpoint", cfg.Endpoint).
		Str("canvas_table", cfg.CanvasTable).
		Msg("DynamoDB store ready")
	return s, nil
}

// Wire-level item shapes. Timestamps are stored as RFC 3339 strings the
// way the rest of the system formats them.
type canvasItem struct {
	ID          string  `dynamodbav:"id"`
	Bitmap      []byte  `dynamodbav:"bitmap"`
	Hash        string  `dynamodbav:"hash"`
	LastUpdated string  `dynamodbav:"last_updated"`
	UpdatedAt   float64 `dynamodbav:"updated_at"`
}

type auditDetailsItem struct {
	X     int    `dynamodbav:"x"`
	Y     int    `dynamodbav:"y"`
	Color string `dynamodbav:"color"`
	Tool  string `dynamodbav:"tool"`
}

type auditItem struct {
	ID        string           `dynamodbav:"id"`
	Timestamp string           `dynamodbav:"timestamp"`
	UserID    string           `dynamodbav:"user_id,omitempty"`
	Action    string           `dynamodbav:"action"`
	Details   auditDetailsItem `dynamodbav:"details"`
	IPAddress string           `dynamodbav:"ip_address,omitempty"`
}

type lockItem struct {
	LockID    string `dynamodbav:"lock_id"`
	X1        int    `dynamodbav:"x1"`
	Y1        int    `dynamodbav:"y1"`
	X2        int    `dynamodbav:"x2"`
	Y2        int    `dynamodbav:"y2"`
	LockedBy  string `dynamodbav:"locked_by"`
	Reason    string `dynamodbav:"reason,omitempty"`
	CreatedAt string `dynamodbav:"created_at"`
}

func (s *Dynamo) LoadCanvas(ctx context.Context) (*CanvasRecord, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.cfg.CanvasTable),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: canvasKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: load canvas: %w", err)
	}
	if out.Item == nil {
		return nil, ErrCanvasMissing
	}

	var item canvasItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("store: decode canvas item: %w", err)
	}
	raw, err := canvas.Decompress(item.Bitmap)
	if err != nil {
		return nil, fmt.Errorf("store: load canvas: %w", err)
	}
	return &CanvasRecord{
		Bitmap:      raw,
		Hash:        item.Hash,
		LastUpdated: parseStoredTime(item.LastUpdated),
	}, nil
}

func (s *Dynamo) SaveCanvas(ctx context.Context, bitmap []byte, hash string, updatedAt time.Time) error {
	stored, err := canvas.Compress(bitmap)
	if err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(canvasItem{
		ID:          canvasKey,
		Bitmap:      stored,
		Hash:        hash,
		LastUpdated: formatStoredTime(updatedAt),
		UpdatedAt:   float64(updatedAt.UnixNano()) / 1e9,
	})
	if err != nil {
		return fmt.Errorf("store: encode canvas item: %w", err)
	}
	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.cfg.CanvasTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("store: save canvas: %w", err)
	}
	return nil
}

func (s *Dynamo) AppendAudit(ctx context.Context, entries []AuditEntry) error {
	for start := 0; start < len(entries); start += batchWriteMax {
		end := min(start+batchWriteMax, len(entries))
		writes := make([]types.WriteRequest, 0, end-start)
		for _, e := range entries[start:end] {
			item, err := attributevalue.MarshalMap(auditItem{
				ID:        uuid.NewString(),
				Timestamp: formatStoredTime(e.Timestamp),
				UserID:    e.UserID,
				Action:    e.Action,
				Details: auditDetailsItem{
					X:     e.Details.X,
					Y:     e.Details.Y,
					Color: e.Details.Color,
					Tool:  e.Details.Tool,
				},
				IPAddress: e.IPAddress,
			})
			if err != nil {
				return fmt.Errorf("store: encode audit item: %w", err)
			}
			writes = append(writes, types.WriteRequest{
				PutRequest: &types.PutRequest{Item: item},
			})
		}
		if err := s.batchWrite(ctx, s.cfg.AuditTable, writes); err != nil {
			return err
		}
	}
	return nil
}

// batchWrite submits one chunk and re-submits whatever DynamoDB reports
// as unprocessed, a bounded number of times.
func (s *Dynamo) batchWrite(ctx context.Context, table string, writes []types.WriteRequest) error {
	for attempt := 0; len(writes) > 0; attempt++ {
		if attempt >= 3 {
			return fmt.Errorf("store: %d audit writes unprocessed after %d attempts", len(writes), attempt)
		}
		out, err := s.db.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{table: writes},
		})
		if err != nil {
			return fmt.Errorf("store: append audit: %w", err)
		}
		writes = out.UnprocessedItems[table]
	}
	return nil
}

func (s *Dynamo) ReadAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	out, err := s.db.Scan(ctx, &dynamodb.ScanInput{
		TableName: aws.String(s.cfg.AuditTable),
		Limit:     aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("store: read audit: %w", err)
	}

	var items []auditItem
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
		return nil, fmt.Errorf("store: decode audit items: %w", err)
	}
	entries := make([]AuditEntry, 0, len(items))
	for _, it := range items {
		entries = append(entries, AuditEntry{
			Timestamp: parseStoredTime(it.Timestamp),
			UserID:    it.UserID,
			Action:    it.Action,
			Details: AuditDetails{
				X:     it.Details.X,
				Y:     it.Details.Y,
				Color: it.Details.Color,
				Tool:  it.Details.Tool,
			},
			IPAddress: it.IPAddress,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	return entries, nil
}

func (s *Dynamo) ListLocks(ctx context.Context) ([]RegionLock, error) {
	out, err := s.db.Scan(ctx, &dynamodb.ScanInput{
		TableName: aws.String(s.cfg.LocksTable),
	})
	if err != nil {
		return nil, fmt.Errorf("store: list locks: %w", err)
	}

	var items []lockItem
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &items); err != nil {
		return nil, fmt.Errorf("store: decode lock items: %w", err)
	}
	locks := make([]RegionLock, 0, len(items))
	for _, it := range items {
		locks = append(locks, RegionLock{
			X1:        it.X1,
			Y1:        it.Y1,
			X2:        it.X2,
			Y2:        it.Y2,
			LockedBy:  it.LockedBy,
			Reason:    it.Reason,
			CreatedAt: parseStoredTime(it.CreatedAt),
		})
	}
	sort.Slice(locks, func(i, j int) bool {
		if !locks[i].CreatedAt.Equal(locks[j].CreatedAt) {
			return locks[i].CreatedAt.Before(locks[j].CreatedAt)
		}
		return locks[i].ID() < locks[j].ID()
	})
	return locks, nil
}

func (s *Dynamo) PutLock(ctx context.Context, lock RegionLock) error {
	item, err := attributevalue.MarshalMap(lockItem{
		LockID:    lock.ID(),
		X1:        lock.X1,
		Y1:        lock.Y1,
		X2:        lock.X2,
		Y2:        lock.Y2,
		LockedBy:  lock.LockedBy,
		Reason:    lock.Reason,
		CreatedAt: formatStoredTime(lock.CreatedAt),
	})
	if err != nil {
		return fmt.Errorf("store: encode lock item: %w", err)
	}
	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.cfg.LocksTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("store: put lock: %w", err)
	}
	return nil
}

func (s *Dynamo) DeleteLock(ctx context.Context, x1, y1, x2, y2 int) error {
	id := RegionLock{X1: x1, Y1: y1, X2: x2, Y2: y2}.ID()
	_, err := s.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.cfg.LocksTable),
		Key: map[string]types.AttributeValue{
			"lock_id": &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return fmt.Errorf("store: delete lock %s: %w", id, err)
	}
	return nil
}

func (s *Dynamo) Ping(ctx context.Context) error {
	_, err := s.db.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.cfg.CanvasTable),
	})
	return err
}

// ensureTables creates the three tables against DynamoDB Local. Existing
// tables are left alone.
func (s *Dynamo) ensureTables(ctx context.Context) error {
	tables := []struct {
		name string
		key  string
	}{
		{s.cfg.CanvasTable, "id"},
		{s.cfg.AuditTable, "id"},
		{s.cfg.LocksTable, "lock_id"},
	}
	for _, t := range tables {
		_, err := s.db.CreateTable(ctx, &dynamodb.CreateTableInput{
			TableName: aws.String(t.name),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(t.key), KeyType: types.KeyTypeHash},
			},
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String(t.key), AttributeType: types.ScalarAttributeTypeS},
			},
			BillingMode: types.BillingModePayPerRequest,
		})
		if err != nil {
			var inUse *types.ResourceInUseException
			if errors.As(err, &inUse) {
				continue
			}
			return fmt.Errorf("store: create table %s: %w", t.name, err)
		}
		s.logger.Info().Str("table", t.name).Msg("Created DynamoDB table")
	}
	return nil
}

func formatStoredTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseStoredTime tolerates rows written by older builds; a bad value
// becomes the zero time rather than a load failure.
func parseStoredTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
