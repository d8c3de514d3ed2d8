package storage

import (
	"context"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"

	"github.com/cyderes/job-import-service/internal/config"
	"github.com/cyderes/job-import-service/internal/errors"
	"github.com/cyderes/job-import-service/internal/models"
)

// DynamoDBStorage implements Storage interface using AWS DynamoDB.
// The jobs table is keyed by feedUrl (hash) and sourceId (range);
// the import log table is keyed by id.
type DynamoDBStorage struct {
	client    dynamodbiface.DynamoDBAPI
	jobsTable string
	logsTable string
}

// NewDynamoDBStorage creates a new DynamoDB storage instance
func NewDynamoDBStorage(cfg config.StorageConfig) (*DynamoDBStorage, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}

	// For local testing with DynamoDB Local
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create AWS session")
	}

	storage := NewDynamoDBStorageWithClient(dynamodb.New(sess), cfg.JobsTable, cfg.ImportLogsTable)

	if err := storage.ensureTable(storage.jobsTable, "feedUrl", "sourceId"); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure table %s exists", storage.jobsTable)
	}
	if err := storage.ensureTable(storage.logsTable, "id", ""); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure table %s exists", storage.logsTable)
	}

	return storage, nil
}

// NewDynamoDBStorageWithClient wraps an existing client without creating tables.
func NewDynamoDBStorageWithClient(client dynamodbiface.DynamoDBAPI, jobsTable, logsTable string) *DynamoDBStorage {
	return &DynamoDBStorage{client: client, jobsTable: jobsTable, logsTable: logsTable}
}

// ensureTable creates the DynamoDB table if it doesn't exist (for local testing)
func (d *DynamoDBStorage) ensureTable(table, hashKey, rangeKey string) error {
	_, err := d.client.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(table),
	})
	if err == nil {
		return nil
	}

	input := &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		KeySchema: []*dynamodb.KeySchemaElement{
			{AttributeName: aws.String(hashKey), KeyType: aws.String(dynamodb.KeyTypeHash)},
		},
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{AttributeName: aws.String(hashKey), AttributeType: aws.String(dynamodb.ScalarAttributeTypeS)},
		},
		BillingMode: aws.String(dynamodb.BillingModePayPerRequest),
	}
	if rangeKey != "" {
		input.KeySchema = append(input.KeySchema, &dynamodb.KeySchemaElement{
			AttributeName: aws.String(rangeKey), KeyType: aws.String(dynamodb.KeyTypeRange),
		})
		input.AttributeDefinitions = append(input.AttributeDefinitions, &dynamodb.AttributeDefinition{
			AttributeName: aws.String(rangeKey), AttributeType: aws.String(dynamodb.ScalarAttributeTypeS),
		})
	}

	if _, err := d.client.CreateTable(input); err != nil {
		return errors.Wrap(err, "failed to create table")
	}

	return d.client.WaitUntilTableExists(&dynamodb.DescribeTableInput{
		TableName: aws.String(table),
	})
}

func jobItemKey(feedURL, sourceID string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"feedUrl":  {S: aws.String(feedURL)},
		"sourceId": {S: aws.String(sourceID)},
	}
}

func (d *DynamoDBStorage) GetJob(ctx context.Context, feedURL, sourceID string) (*models.JobRecord, error) {
	result, err := d.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.jobsTable),
		Key:            jobItemKey(feedURL, sourceID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, classifyDynamoErr(err, "failed to get job %s", sourceID)
	}
	if result.Item == nil {
		return nil, ErrNotFound
	}

	var job models.JobRecord
	if err := dynamodbattribute.UnmarshalMap(result.Item, &job); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal job")
	}
	return &job, nil
}

func (d *DynamoDBStorage) InsertJob(ctx context.Context, job models.JobRecord) error {
	item, err := dynamodbattribute.MarshalMap(job)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal job %s", job.SourceID)
	}

	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.jobsTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(sourceId)"),
	})
	if err != nil {
		return classifyDynamoErr(err, "failed to insert job %s", job.SourceID)
	}
	return nil
}

func (d *DynamoDBStorage) UpdateJob(ctx context.Context, job models.JobRecord) error {
	fields, err := dynamodbattribute.Marshal(job.Fields)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal fields of job %s", job.SourceID)
	}
	seen, err := dynamodbattribute.Marshal(job.LastSeenAt)
	if err != nil {
		return errors.Wrap(err, "failed to marshal lastSeenAt")
	}

	_, err = d.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.jobsTable),
		Key:                 jobItemKey(job.FeedURL, job.SourceID),
		ConditionExpression: aws.String("attribute_exists(sourceId)"),
		UpdateExpression:    aws.String("SET #fields = :fields, #hash = :hash, #seen = :seen"),
		ExpressionAttributeNames: map[string]*string{
			"#fields": aws.String("fields"),
			"#hash":   aws.String("contentHash"),
			"#seen":   aws.String("lastSeenAt"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":fields": fields,
			":hash":   {S: aws.String(job.ContentHash)},
			":seen":   seen,
		},
	})
	if err != nil {
		return classifyDynamoErr(err, "failed to update job %s", job.SourceID)
	}
	return nil
}

func (d *DynamoDBStorage) TouchJob(ctx context.Context, feedURL, sourceID string, seenAt time.Time) error {
	seen, err := dynamodbattribute.Marshal(seenAt)
	if err != nil {
		return errors.Wrap(err, "failed to marshal lastSeenAt")
	}

	_, err = d.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(d.jobsTable),
		Key:                      jobItemKey(feedURL, sourceID),
		ConditionExpression:      aws.String("attribute_exists(sourceId)"),
		UpdateExpression:         aws.String("SET #seen = :seen"),
		ExpressionAttributeNames: map[string]*string{"#seen": aws.String("lastSeenAt")},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":seen": seen,
		},
	})
	if err != nil {
		return classifyDynamoErr(err, "failed to touch job %s", sourceID)
	}
	return nil
}

func (d *DynamoDBStorage) CountJobs(ctx context.Context, feedURL string) (int64, error) {
	var total int64
	if feedURL == "" {
		err := d.client.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
			TableName: aws.String(d.jobsTable),
			Select:    aws.String(dynamodb.SelectCount),
		}, func(page *dynamodb.ScanOutput, lastPage bool) bool {
			total += aws.Int64Value(page.Count)
			return true
		})
		if err != nil {
			return 0, classifyDynamoErr(err, "failed to count jobs")
		}
		return total, nil
	}

	err := d.client.QueryPagesWithContext(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.jobsTable),
		Select:                 aws.String(dynamodb.SelectCount),
		KeyConditionExpression: aws.String("feedUrl = :feed"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":feed": {S: aws.String(feedURL)},
		},
	}, func(page *dynamodb.QueryOutput, lastPage bool) bool {
		total += aws.Int64Value(page.Count)
		return true
	})
	if err != nil {
		return 0, classifyDynamoErr(err, "failed to count jobs for %s", feedURL)
	}
	return total, nil
}

// InsertLog writes the run summary as one item.
func (d *DynamoDBStorage) InsertLog(ctx context.Context, log models.ImportLog) error {
	if log.FailedJobs == nil {
		log.FailedJobs = []models.FailedJob{}
	}
	item, err := dynamodbattribute.MarshalMap(log)
	if err != nil {
		return errors.Wrap(err, "failed to marshal import log")
	}

	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.logsTable),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		return classifyDynamoErr(err, "failed to insert import log for %s", log.FeedURL)
	}
	return nil
}

// ListLogs scans the log table and sorts in memory. The audit table holds one
// item per run, so a full scan stays small.
func (d *DynamoDBStorage) ListLogs(ctx context.Context, q LogQuery) ([]models.ImportLog, int64, error) {
	input := &dynamodb.ScanInput{TableName: aws.String(d.logsTable)}
	if q.FeedURL != "" {
		input.FilterExpression = aws.String("feedUrl = :feed")
		input.ExpressionAttributeValues = map[string]*dynamodb.AttributeValue{
			":feed": {S: aws.String(q.FeedURL)},
		}
	}

	var all []models.ImportLog
	var unmarshalErr error
	err := d.client.ScanPagesWithContext(ctx, input, func(page *dynamodb.ScanOutput, lastPage bool) bool {
		var batch []models.ImportLog
		if err := dynamodbattribute.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			unmarshalErr = err
			return false
		}
		all = append(all, batch...)
		return true
	})
	if err != nil {
		return nil, 0, classifyDynamoErr(err, "failed to scan import logs")
	}
	if unmarshalErr != nil {
		return nil, 0, errors.Wrap(unmarshalErr, "failed to unmarshal import logs")
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].ID > all[j].ID
		}
		return all[i].Timestamp.After(all[j].Timestamp)
	})

	total := int64(len(all))
	if q.Offset >= len(all) {
		return []models.ImportLog{}, total, nil
	}
	end := len(all)
	if q.Limit > 0 && q.Offset+q.Limit < end {
		end = q.Offset + q.Limit
	}
	return all[q.Offset:end], total, nil
}

func (d *DynamoDBStorage) Ping(ctx context.Context) error {
	_, err := d.client.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.jobsTable),
	})
	if err != nil {
		return errors.Mark(errors.Wrap(err, "dynamodb ping failed"), ErrUnavailable)
	}
	return nil
}

// Close closes the DynamoDB connection
func (d *DynamoDBStorage) Close() error {
	// DynamoDB client doesn't need explicit closing
	return nil
}

func classifyDynamoErr(err error, format string, args ...interface{}) error {
	wrapped := errors.Wrapf(err, format, args...)
	var aerr awserr.Error
	if errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
		return errors.Mark(wrapped, ErrConflict)
	}
	if request.IsErrorRetryable(err) || request.IsErrorThrottle(err) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Mark(wrapped, ErrUnavailable)
	}
	return wrapped
}
