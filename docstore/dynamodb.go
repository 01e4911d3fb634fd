package docstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamoTransactLimit is the maximum number of items in TransactWriteItems.
const dynamoTransactLimit = 100

// Key attribute names of the DynamoDB table.
const (
	dynamoPartitionKey = "pk"
	dynamoSortKey      = "sk"
)

// DynamoDBAPI defines the DynamoDB operations used by DynamoDBStore.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoDBConfig holds settings for the DynamoDB backend.
type DynamoDBConfig struct {
	Table           string `yaml:"table" json:"table"`
	Region          string `yaml:"region" json:"region"`
	Endpoint        string `yaml:"endpoint" json:"endpoint"`
	AccessKeyID     string `yaml:"accessKeyId" json:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey" json:"secretAccessKey"`
}

// DynamoDBStore implements Store on one DynamoDB table keyed by
// collection (pk) and document id (sk). Document fields are top-level
// attributes, so "pk" and "sk" cannot be used as field names.
type DynamoDBStore struct {
	client DynamoDBAPI
	table  string
}

var _ Store = (*DynamoDBStore)(nil)

// NewDynamoDBStore builds a client from the default AWS credential chain,
// or from static keys when both are set.
func NewDynamoDBStore(ctx context.Context, cfg DynamoDBConfig) (*DynamoDBStore, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("docstore.dynamodb: table is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("docstore.dynamodb: load config: %w", err)
	}

	var clientOpts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		ep := cfg.Endpoint
		clientOpts = append(clientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = &ep
		})
	}
	return NewDynamoDBStoreWithClient(dynamodb.NewFromConfig(awsCfg, clientOpts...), cfg.Table), nil
}

// NewDynamoDBStoreWithClient creates a DynamoDBStore backed by a pre-built client.
func NewDynamoDBStoreWithClient(client DynamoDBAPI, table string) *DynamoDBStore {
	return &DynamoDBStore{client: client, table: table}
}

func dynamoKey(collection, id string) map[string]dbtypes.AttributeValue {
	return map[string]dbtypes.AttributeValue{
		dynamoPartitionKey: &dbtypes.AttributeValueMemberS{Value: collection},
		dynamoSortKey:      &dbtypes.AttributeValueMemberS{Value: id},
	}
}

// Get returns the document, or nil, nil when it does not exist.
func (s *DynamoDBStore) Get(ctx context.Context, collection, id string) (Document, error) {
	if err := checkKey(collection, id); err != nil {
		return nil, err
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            dynamoKey(collection, id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("docstore.dynamodb: get %s/%s: %w", collection, id, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	return itemToDocument(out.Item)
}

// CreateIfAbsent writes the item with a condition that no item has the key.
func (s *DynamoDBStore) CreateIfAbsent(ctx context.Context, collection, id string, data Document) (bool, error) {
	if err := checkKey(collection, id); err != nil {
		return false, err
	}
	item, err := documentToItem(collection, id, data)
	if err != nil {
		return false, fmt.Errorf("docstore.dynamodb: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return false, nil
		}
		return false, fmt.Errorf("docstore.dynamodb: create %s/%s: %w", collection, id, err)
	}
	return true, nil
}

// Delete removes the item. Does not error if it does not exist.
func (s *DynamoDBStore) Delete(ctx context.Context, collection, id string) error {
	if err := checkKey(collection, id); err != nil {
		return err
	}
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key:       dynamoKey(collection, id),
	})
	if err != nil {
		return fmt.Errorf("docstore.dynamodb: delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Query reads the collection's partition, paging through results, with
// filters rendered as a FilterExpression.
func (s *DynamoDBStore) Query(ctx context.Context, collection string, filters ...Filter) ([]Item, error) {
	if collection == "" {
		return nil, ErrInvalidKey
	}
	if err := validateFilters(filters); err != nil {
		return nil, err
	}

	names := map[string]string{"#pk": dynamoPartitionKey}
	values := map[string]dbtypes.AttributeValue{
		":pk": &dbtypes.AttributeValueMemberS{Value: collection},
	}
	var clauses []string
	for i, f := range filters {
		clause, err := dynamoClause(i, f, names, values)
		if err != nil {
			return nil, fmt.Errorf("docstore.dynamodb: %w", err)
		}
		clauses = append(clauses, clause)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		KeyConditionExpression:    aws.String("#pk = :pk"),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ConsistentRead:            aws.Bool(true),
	}
	if len(clauses) > 0 {
		input.FilterExpression = aws.String(strings.Join(clauses, " AND "))
	}

	items := []Item{}
	for {
		out, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("docstore.dynamodb: query %s: %w", collection, err)
		}
		for _, raw := range out.Items {
			id, ok := raw[dynamoSortKey].(*dbtypes.AttributeValueMemberS)
			if !ok {
				continue
			}
			doc, err := itemToDocument(raw)
			if err != nil {
				return nil, fmt.Errorf("docstore.dynamodb: %s/%s: %w", collection, id.Value, err)
			}
			items = append(items, Item{ID: id.Value, Data: doc})
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	slices.SortFunc(items, func(a, b Item) int { return strings.Compare(a.ID, b.ID) })
	return items, nil
}

// BatchWrite commits each chunk with TransactWriteItems. Chunks are capped
// at 100 operations regardless of maxBatchSize. Updates of absent items are
// dropped from the transaction.
func (s *DynamoDBStore) BatchWrite(ctx context.Context, ops []WriteOp, maxBatchSize int) error {
	return writeChunks(ctx, ops, maxBatchSize, dynamoTransactLimit, s.commit)
}

func (s *DynamoDBStore) commit(ctx context.Context, chunk []WriteOp) error {
	merged, err := coalesceOps(chunk)
	if err != nil {
		return fmt.Errorf("docstore.dynamodb: %w", err)
	}

	items := make([]dbtypes.TransactWriteItem, 0, len(merged))
	for _, op := range merged {
		item, err := s.transactItem(op)
		if err != nil {
			return fmt.Errorf("docstore.dynamodb: %s %s/%s: %w", op.kind, op.collection, op.id, err)
		}
		items = append(items, item)
	}

	// Updates carry attribute_exists(pk). When the only cancellation reasons
	// are those conditions, the transaction is resent without the updates
	// of absent items.
	for len(items) > 0 {
		_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: items,
		})
		if err == nil {
			return nil
		}
		kept, ok := withoutAbsentUpdates(items, err)
		if !ok {
			return fmt.Errorf("docstore.dynamodb: transact write: %w", err)
		}
		items = kept
	}
	return nil
}

func withoutAbsentUpdates(items []dbtypes.TransactWriteItem, err error) ([]dbtypes.TransactWriteItem, bool) {
	var canceled *dbtypes.TransactionCanceledException
	if !errors.As(err, &canceled) || len(canceled.CancellationReasons) != len(items) {
		return nil, false
	}
	kept := make([]dbtypes.TransactWriteItem, 0, len(items))
	for i, reason := range canceled.CancellationReasons {
		switch code := aws.ToString(reason.Code); {
		case code == "ConditionalCheckFailed" && items[i].Update != nil:
		case code == "" || code == "None":
			kept = append(kept, items[i])
		default:
			return nil, false
		}
	}
	if len(kept) == len(items) {
		return nil, false
	}
	return kept, true
}

// dynamoOp is the net effect of every op in a chunk on one item;
// a transaction may reference each item only once.
type dynamoOp struct {
	kind       OpKind
	collection string
	id         string
	fields     Document
}

func coalesceOps(chunk []WriteOp) ([]*dynamoOp, error) {
	var order []*dynamoOp
	byKey := make(map[[2]string]*dynamoOp)
	for _, op := range chunk {
		var fields Document
		if op.Kind == OpUpdate {
			var err error
			if fields, err = normalizeDocument(op.Fields); err != nil {
				return nil, fmt.Errorf("%s %s/%s: %w", op.Kind, op.Collection, op.ID, err)
			}
			for k := range fields {
				if k == dynamoPartitionKey || k == dynamoSortKey {
					return nil, fmt.Errorf("%s %s/%s: field %q: %w", op.Kind, op.Collection, op.ID, k, ErrReservedField)
				}
			}
		}

		key := [2]string{op.Collection, op.ID}
		cur, ok := byKey[key]
		if !ok {
			cur = &dynamoOp{collection: op.Collection, id: op.ID}
			byKey[key] = cur
			order = append(order, cur)
		}

		switch {
		case op.Kind == OpDelete:
			cur.kind, cur.fields = OpDelete, nil
		case cur.kind == OpDelete:
			// The item is gone by now, so the update has nothing to change.
		default:
			if cur.fields == nil {
				cur.fields = Document{}
			}
			// Keep nil markers so the update removes those attributes.
			for k, v := range fields {
				cur.fields[k] = v
			}
			cur.kind = OpUpdate
		}
	}
	return order, nil
}

func (s *DynamoDBStore) transactItem(op *dynamoOp) (dbtypes.TransactWriteItem, error) {
	if op.kind == OpDelete {
		return dbtypes.TransactWriteItem{Delete: &dbtypes.Delete{
			TableName: aws.String(s.table),
			Key:       dynamoKey(op.collection, op.id),
		}}, nil
	}

	set, remove := splitFields(op.fields)
	names := map[string]string{"#pk": dynamoPartitionKey}
	values := make(map[string]dbtypes.AttributeValue, len(set))
	var parts []string
	if len(set) > 0 {
		assigns := make([]string, len(set))
		for i, k := range set {
			n, v := "#s"+strconv.Itoa(i), ":s"+strconv.Itoa(i)
			av, err := attributevalue.Marshal(op.fields[k])
			if err != nil {
				return dbtypes.TransactWriteItem{}, fmt.Errorf("field %q: %w", k, err)
			}
			names[n], values[v] = k, av
			assigns[i] = n + " = " + v
		}
		parts = append(parts, "SET "+strings.Join(assigns, ", "))
	}
	if len(remove) > 0 {
		removes := make([]string, len(remove))
		for i, k := range remove {
			n := "#r" + strconv.Itoa(i)
			names[n] = k
			removes[i] = n
		}
		parts = append(parts, "REMOVE "+strings.Join(removes, ", "))
	}
	update := &dbtypes.Update{
		TableName:                aws.String(s.table),
		Key:                      dynamoKey(op.collection, op.id),
		UpdateExpression:         aws.String(strings.Join(parts, " ")),
		ConditionExpression:      aws.String("attribute_exists(#pk)"),
		ExpressionAttributeNames: names,
	}
	if len(values) > 0 {
		update.ExpressionAttributeValues = values
	}
	return dbtypes.TransactWriteItem{Update: update}, nil
}

// Ping describes the table to confirm the client can reach it.
func (s *DynamoDBStore) Ping(ctx context.Context) error {
	if _, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	}); err != nil {
		return fmt.Errorf("docstore.dynamodb: describe table %s: %w", s.table, err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *DynamoDBStore) Close() error { return nil }

// dynamoClause renders the i-th filter, registering its placeholders.
func dynamoClause(i int, f Filter, names map[string]string, values map[string]dbtypes.AttributeValue) (string, error) {
	name := "#f" + strconv.Itoa(i)
	names[name] = f.Field

	if f.Kind == FilterMissing {
		t := ":t" + strconv.Itoa(i)
		values[t] = &dbtypes.AttributeValueMemberS{Value: "NULL"}
		return "(attribute_not_exists(" + name + ") OR attribute_type(" + name + ", " + t + "))", nil
	}

	placeholders := make([]string, len(f.Values))
	for j, v := range f.Values {
		nv, err := normalizeValue(v)
		if err != nil {
			return "", fmt.Errorf("filter %v: %w", f, err)
		}
		av, err := attributevalue.Marshal(nv)
		if err != nil {
			return "", fmt.Errorf("filter %v: %w", f, err)
		}
		p := ":v" + strconv.Itoa(i) + "_" + strconv.Itoa(j)
		values[p] = av
		placeholders[j] = p
	}
	if len(placeholders) == 1 {
		return name + " = " + placeholders[0], nil
	}
	return name + " IN (" + strings.Join(placeholders, ", ") + ")", nil
}

func documentToItem(collection, id string, data Document) (map[string]dbtypes.AttributeValue, error) {
	doc, err := normalizeDocument(data)
	if err != nil {
		return nil, err
	}
	for k := range doc {
		if k == dynamoPartitionKey || k == dynamoSortKey {
			return nil, fmt.Errorf("field %q: %w", k, ErrReservedField)
		}
	}
	item, err := attributevalue.MarshalMap(map[string]any(doc))
	if err != nil {
		return nil, fmt.Errorf("marshal item: %w", err)
	}
	for k, v := range dynamoKey(collection, id) {
		item[k] = v
	}
	return item, nil
}

func itemToDocument(item map[string]dbtypes.AttributeValue) (Document, error) {
	fields := make(map[string]dbtypes.AttributeValue, len(item))
	for k, av := range item {
		if k != dynamoPartitionKey && k != dynamoSortKey {
			fields[k] = av
		}
	}
	doc := Document{}
	if err := attributevalue.UnmarshalMap(fields, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return doc, nil
}
