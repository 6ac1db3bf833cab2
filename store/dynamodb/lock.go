// Package dynamodb implements lock.Store on a DynamoDB table. Each lock is
// one item keyed by name holding the owner token and an expiry. Every
// write is a conditional write: acquisition requires the item to be absent
// or expired, and extension and release require the caller's token.
//
// Expiry is judged by the caller's clock, so instances sharing a table
// need reasonably synchronized clocks. The table's TTL attribute
// (`ttl`, epoch seconds) only garbage-collects abandoned items.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/xraph/tally/lock"
)

// DefaultTable is the lock table name used when none is given.
const DefaultTable = "tally_locks"

// API is the subset of the DynamoDB client the store uses.
type API interface {
	PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dyn.DeleteItemInput, optFns ...func(*dyn.Options)) (*dyn.DeleteItemOutput, error)
	CreateTable(ctx context.Context, params *dyn.CreateTableInput, optFns ...func(*dyn.Options)) (*dyn.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dyn.DescribeTableInput, optFns ...func(*dyn.Options)) (*dyn.DescribeTableOutput, error)
}

var _ lock.Store = (*Store)(nil)

// Item is the persisted shape of one lock.
type Item struct {
	Name      string `dynamodbav:"name"`
	Token     string `dynamodbav:"token"`
	ExpiresAt int64  `dynamodbav:"expires_at"` // epoch milliseconds
	TTL       int64  `dynamodbav:"ttl"`        // epoch seconds, table TTL attribute
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the time source used to judge expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is a lock.Store backed by DynamoDB conditional writes.
type Store struct {
	client API
	table  string
	logger *slog.Logger
	now    func() time.Time
}

// New creates a lock store over an existing client.
func New(client API, table string, opts ...Option) *Store {
	if table == "" {
		table = DefaultTable
	}
	s := &Store{client: client, table: table, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect loads the default AWS configuration for region and returns a
// store on table. A non-empty endpoint overrides the service URL, which
// is how DynamoDB Local is reached.
func Connect(ctx context.Context, table, region, endpoint string, opts ...Option) (*Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("tally/dynamodb: load aws config: %w", err)
	}
	client := dyn.NewFromConfig(cfg, func(o *dyn.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return New(client, table, opts...), nil
}

// Migrate creates the lock table when it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.client.CreateTable(ctx, &dyn.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("name"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("name"), KeyType: types.KeyTypeHash},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		if apiCode(err) == "ResourceInUseException" {
			return nil
		}
		return fmt.Errorf("tally/dynamodb: create table: %w", err)
	}
	s.logger.Info("created lock table", slog.String("table", s.table))
	return nil
}

// Ping checks that the lock table is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.DescribeTable(ctx, &dyn.DescribeTableInput{TableName: aws.String(s.table)}); err != nil {
		return fmt.Errorf("tally/dynamodb: describe table: %w", err)
	}
	return nil
}

// TryAcquire writes the lock item if it is absent or expired.
func (s *Store) TryAcquire(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	now := s.now()
	item, err := attributevalue.MarshalMap(newItem(name, token, now, ttl))
	if err != nil {
		return false, fmt.Errorf("tally/dynamodb: marshal lock: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:                aws.String(s.table),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#n) OR expires_at <= :now"),
		ExpressionAttributeNames: map[string]string{"#n": "name"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": millis(now),
		},
	})
	return conditional("acquire lock", err)
}

// Extend pushes the expiry forward if name is still held by token.
func (s *Store) Extend(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	now := s.now()
	next := newItem(name, token, now, ttl)
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                aws.String(s.table),
		Key:                      key(name),
		UpdateExpression:         aws.String("SET expires_at = :exp, #ttl = :ttl"),
		ConditionExpression:      aws.String("#tok = :tok AND expires_at > :now"),
		ExpressionAttributeNames: map[string]string{"#tok": "token", "#ttl": "ttl"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":exp": &types.AttributeValueMemberN{Value: strconv.FormatInt(next.ExpiresAt, 10)},
			":ttl": &types.AttributeValueMemberN{Value: strconv.FormatInt(next.TTL, 10)},
			":tok": &types.AttributeValueMemberS{Value: token},
			":now": millis(now),
		},
	})
	return conditional("extend lock", err)
}

// Release deletes the lock item if it is held by token.
func (s *Store) Release(ctx context.Context, name, token string) (bool, error) {
	_, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName:                aws.String(s.table),
		Key:                      key(name),
		ConditionExpression:      aws.String("#tok = :tok"),
		ExpressionAttributeNames: map[string]string{"#tok": "token"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tok": &types.AttributeValueMemberS{Value: token},
		},
	})
	return conditional("release lock", err)
}

// ── helpers ──

func newItem(name, token string, now time.Time, ttl time.Duration) Item {
	exp := now.Add(ttl)
	return Item{
		Name:      name,
		Token:     token,
		ExpiresAt: exp.UnixMilli(),
		TTL:       exp.Add(time.Hour).Unix(),
	}
}

func key(name string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"name": &types.AttributeValueMemberS{Value: name}}
}

func millis(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UnixMilli(), 10)}
}

// conditional maps a failed condition to (false, nil).
func conditional(op string, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if apiCode(err) == "ConditionalCheckFailedException" {
		return false, nil
	}
	return false, fmt.Errorf("tally/dynamodb: %s: %w", op, err)
}

func apiCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}
