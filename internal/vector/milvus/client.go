// Package milvus stores fragment vectors in a Milvus (or Zilliz Cloud)
// collection.
package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/docrag/backend/internal/errs"
	"github.com/docrag/backend/internal/storage/models"
	"github.com/docrag/backend/internal/vector"
	"github.com/docrag/backend/pkg/logger"
)

const (
	fieldFragmentID = "fragment_id"
	fieldDocumentID = "document_id"
	fieldTitle      = "title"
	fieldFileName   = "file_name"
	fieldText       = "text"
	fieldAttempt    = "attempt"
	fieldSequence   = "sequence"
	fieldPageStart  = "page_start"
	fieldPageEnd    = "page_end"
	fieldChunkSize  = "chunk_size"
	fieldExtra      = "extra"
	fieldEmbedding  = "embedding"

	// VarChar ceiling in Milvus. Fragments are stored whole, so anything
	// longer is rejected rather than cut.
	maxTextLength = 65535
)

var outputFields = []string{
	fieldFragmentID, fieldDocumentID, fieldTitle, fieldFileName, fieldText,
	fieldAttempt, fieldSequence, fieldPageStart, fieldPageEnd, fieldChunkSize, fieldExtra,
}

type Config struct {
	Endpoint       string
	CollectionName string
	Dimension      int
	NList          int
	NProbe         int
}

// api is the part of the Milvus SDK client the index calls.
type api interface {
	Close() error
	HasCollection(ctx context.Context, collName string) (bool, error)
	CreateCollection(ctx context.Context, schema *entity.Schema, shardsNum int32, opts ...client.CreateCollectionOption) error
	CreateIndex(ctx context.Context, collName string, fieldName string, idx entity.Index, async bool, opts ...client.IndexOption) error
	LoadCollection(ctx context.Context, collName string, async bool, opts ...client.LoadCollectionOption) error
	GetCollectionStatistics(ctx context.Context, collName string) (map[string]string, error)
	Insert(ctx context.Context, collName string, partitionName string, columns ...entity.Column) (entity.Column, error)
	Delete(ctx context.Context, collName string, partitionName string, expr string) error
	Flush(ctx context.Context, collName string, async bool, opts ...client.FlushOption) error
	Search(ctx context.Context, collName string, partitions []string, expr string, outputFields []string,
		vectors []entity.Vector, vectorField string, metricType entity.MetricType, topK int, sp entity.SearchParam,
		opts ...client.SearchQueryOptionFunc) ([]client.SearchResult, error)
	Query(ctx context.Context, collectionName string, partitionNames []string, expr string, outputFields []string,
		opts ...client.SearchQueryOptionFunc) (client.ResultSet, error)
}

type Client struct {
	client         api
	collectionName string
	dimension      int
	nlist          int
	nprobe         int
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	c, err := client.NewGrpcClient(ctx, cfg.Endpoint)
	if err != nil {
		return nil, errs.Index("connect", fmt.Errorf("failed to create milvus client: %w", err))
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("collection", cfg.CollectionName),
		zap.Int("dimension", cfg.Dimension),
	)
	return newClient(c, cfg), nil
}

func newClient(c api, cfg Config) *Client {
	if cfg.NList <= 0 {
		cfg.NList = 1024
	}
	if cfg.NProbe <= 0 {
		cfg.NProbe = 16
	}
	return &Client{
		client:         c,
		collectionName: cfg.CollectionName,
		dimension:      cfg.Dimension,
		nlist:          cfg.NList,
		nprobe:         cfg.NProbe,
	}
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) Dimension() int { return z.dimension }

// EnsureCollection creates, indexes and loads the collection if it does not
// exist yet.
func (z *Client) EnsureCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return errs.Index("has_collection", fmt.Errorf("failed to check collection: %w", err))
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return z.load(ctx)
	}

	if err := z.client.CreateCollection(ctx, z.schema(), entity.DefaultShardNumber); err != nil {
		return errs.Index("create_collection", fmt.Errorf("failed to create collection: %w", err))
	}

	idx, err := entity.NewIndexIvfFlat(entity.L2, z.nlist)
	if err != nil {
		return errs.Index("create_index", err)
	}
	if err := z.client.CreateIndex(ctx, z.collectionName, fieldEmbedding, idx, false); err != nil {
		return errs.Index("create_index", fmt.Errorf("failed to create index: %w", err))
	}

	if err := z.load(ctx); err != nil {
		return err
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))
	return nil
}

func (z *Client) load(ctx context.Context) error {
	if err := z.client.LoadCollection(ctx, z.collectionName, false); err != nil {
		return errs.Index("load_collection", fmt.Errorf("failed to load collection: %w", err))
	}
	return nil
}

func (z *Client) schema() *entity.Schema {
	varchar := func(name string, maxLen int) *entity.Field {
		return &entity.Field{
			Name:       name,
			DataType:   entity.FieldTypeVarChar,
			TypeParams: map[string]string{"max_length": strconv.Itoa(maxLen)},
		}
	}
	int64Field := func(name string) *entity.Field {
		return &entity.Field{Name: name, DataType: entity.FieldTypeInt64}
	}

	pk := varchar(fieldFragmentID, 128)
	pk.PrimaryKey = true

	return &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "document fragment embeddings",
		Fields: []*entity.Field{
			pk,
			varchar(fieldDocumentID, 64),
			varchar(fieldTitle, 512),
			varchar(fieldFileName, 512),
			varchar(fieldText, maxTextLength),
			int64Field(fieldAttempt),
			int64Field(fieldSequence),
			int64Field(fieldPageStart),
			int64Field(fieldPageEnd),
			int64Field(fieldChunkSize),
			{Name: fieldExtra, DataType: entity.FieldTypeJSON},
			{
				Name:       fieldEmbedding,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(z.dimension)},
			},
		},
	}
}

// Upsert removes any rows with the incoming fragment IDs and inserts the
// new ones, so a repeated ID never leaves a duplicate behind.
func (z *Client) Upsert(ctx context.Context, records []vector.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	n := len(records)
	ids := make([]string, n)
	docIDs := make([]string, n)
	titles := make([]string, n)
	fileNames := make([]string, n)
	texts := make([]string, n)
	attempts := make([]int64, n)
	sequences := make([]int64, n)
	pageStarts := make([]int64, n)
	pageEnds := make([]int64, n)
	chunkSizes := make([]int64, n)
	extras := make([][]byte, n)
	embeddings := make([][]float32, n)

	for i, r := range records {
		if len(r.Vector) != z.dimension {
			return 0, errs.Index("upsert", fmt.Errorf("%w: fragment %s has %d, collection expects %d",
				errs.ErrDimensionMismatch, r.FragmentID, len(r.Vector), z.dimension))
		}
		if len(r.Text) > maxTextLength {
			return 0, errs.Index("upsert", fmt.Errorf("fragment %s text is %d bytes, collection holds at most %d",
				r.FragmentID, len(r.Text), maxTextLength))
		}
		extra, err := json.Marshal(r.Metadata.Extra)
		if err != nil {
			return 0, errs.Index("upsert", fmt.Errorf("failed to encode extra metadata: %w", err))
		}

		ids[i] = r.FragmentID
		docIDs[i] = r.Metadata.DocumentID
		titles[i] = r.Metadata.DocumentTitle
		fileNames[i] = r.Metadata.FileName
		texts[i] = r.Text
		attempts[i] = int64(r.Metadata.Attempt)
		sequences[i] = int64(sequenceOf(r.FragmentID))
		pageStarts[i] = int64(r.Metadata.PageStart)
		pageEnds[i] = int64(r.Metadata.PageEnd)
		chunkSizes[i] = int64(r.Metadata.ChunkSize)
		extras[i] = extra
		embeddings[i] = r.Vector
	}

	if err := z.client.Delete(ctx, z.collectionName, "", inExpr(fieldFragmentID, ids)); err != nil {
		return 0, errs.Index("upsert", fmt.Errorf("failed to delete previous rows: %w", err))
	}

	_, err := z.client.Insert(
		ctx,
		z.collectionName,
		"",
		entity.NewColumnVarChar(fieldFragmentID, ids),
		entity.NewColumnVarChar(fieldDocumentID, docIDs),
		entity.NewColumnVarChar(fieldTitle, titles),
		entity.NewColumnVarChar(fieldFileName, fileNames),
		entity.NewColumnVarChar(fieldText, texts),
		entity.NewColumnInt64(fieldAttempt, attempts),
		entity.NewColumnInt64(fieldSequence, sequences),
		entity.NewColumnInt64(fieldPageStart, pageStarts),
		entity.NewColumnInt64(fieldPageEnd, pageEnds),
		entity.NewColumnInt64(fieldChunkSize, chunkSizes),
		entity.NewColumnJSONBytes(fieldExtra, extras),
		entity.NewColumnFloatVector(fieldEmbedding, z.dimension, embeddings),
	)
	if err != nil {
		return 0, errs.Index("upsert", fmt.Errorf("failed to insert fragments: %w", err))
	}

	if err := z.client.Flush(ctx, z.collectionName, false); err != nil {
		return 0, errs.Index("upsert", fmt.Errorf("failed to flush: %w", err))
	}

	logger.Info("Fragments upserted into vector DB", zap.Int("count", n))
	return n, nil
}

func (z *Client) Query(ctx context.Context, query []float32, k int, filter *vector.Filter) ([]vector.Match, error) {
	if len(query) != z.dimension {
		return nil, errs.Index("query", fmt.Errorf("%w: query has %d, collection expects %d",
			errs.ErrDimensionMismatch, len(query), z.dimension))
	}
	if k <= 0 {
		return nil, nil
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(z.nprobe)
	if err != nil {
		return nil, errs.Index("query", err)
	}

	expr := FilterExpr(filter)
	searchResult, err := z.client.Search(
		ctx,
		z.collectionName,
		[]string{},
		expr,
		outputFields,
		[]entity.Vector{entity.FloatVector(query)},
		fieldEmbedding,
		entity.L2,
		k,
		sp,
	)
	if err != nil {
		return nil, errs.Index("query", fmt.Errorf("failed to search: %w", err))
	}

	matches := make([]vector.Match, 0, k)
	for _, sr := range searchResult {
		for i := 0; i < sr.ResultCount; i++ {
			rec, err := recordAt(sr.Fields, i)
			if err != nil {
				return nil, errs.Index("query", err)
			}
			// Milvus reports squared L2
			dist := math.Sqrt(math.Max(0, float64(sr.Scores[i])))
			matches = append(matches, vector.Match{Record: rec, Distance: dist})
		}
	}
	vector.SortMatches(matches)

	logger.Debug("Vector search completed",
		zap.Int("k", k),
		zap.Int("results", len(matches)),
		zap.String("filter", expr),
	)
	return matches, nil
}

func (z *Client) DeleteByDocument(ctx context.Context, documentID string) (int, error) {
	expr := eqExpr(fieldDocumentID, documentID)

	rs, err := z.client.Query(ctx, z.collectionName, []string{}, expr, []string{fieldFragmentID})
	if err != nil {
		return 0, errs.Index("delete_by_document", fmt.Errorf("failed to count fragments: %w", err))
	}
	count := 0
	if col := rs.GetColumn(fieldFragmentID); col != nil {
		count = col.Len()
	}
	if count == 0 {
		return 0, nil
	}

	if err := z.client.Delete(ctx, z.collectionName, "", expr); err != nil {
		return 0, errs.Index("delete_by_document", fmt.Errorf("failed to delete fragments: %w", err))
	}
	if err := z.client.Flush(ctx, z.collectionName, false); err != nil {
		return 0, errs.Index("delete_by_document", fmt.Errorf("failed to flush: %w", err))
	}

	logger.Info("Document vectors deleted", zap.String("document_id", documentID), zap.Int("count", count))
	return count, nil
}

func (z *Client) Exists(ctx context.Context, fragmentID string) (bool, error) {
	rs, err := z.client.Query(ctx, z.collectionName, []string{}, eqExpr(fieldFragmentID, fragmentID), []string{fieldFragmentID})
	if err != nil {
		return false, errs.Index("exists", err)
	}
	col := rs.GetColumn(fieldFragmentID)
	return col != nil && col.Len() > 0, nil
}

func (z *Client) Count(ctx context.Context) (int, error) {
	stats, err := z.client.GetCollectionStatistics(ctx, z.collectionName)
	if err != nil {
		return 0, errs.Index("count", err)
	}
	n, err := strconv.Atoi(stats["row_count"])
	if err != nil {
		return 0, errs.Index("count", fmt.Errorf("unexpected row_count %q", stats["row_count"]))
	}
	return n, nil
}

// FilterExpr renders a boolean expression for the filter. An empty filter
// yields the empty expression, which Milvus treats as match-all.
func FilterExpr(f *vector.Filter) string {
	if f.IsEmpty() {
		return ""
	}

	var parts []string
	if len(f.DocumentIDs) > 0 {
		parts = append(parts, inExpr(fieldDocumentID, f.DocumentIDs))
	}
	if f.Title != "" {
		parts = append(parts, eqExpr(fieldTitle, f.Title))
	}
	keys := make([]string, 0, len(f.Extra))
	for k := range f.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf(`%s[%s] == %s`, fieldExtra, quote(k), quote(f.Extra[k])))
	}
	return strings.Join(parts, " && ")
}

func eqExpr(field, value string) string {
	return fmt.Sprintf("%s == %s", field, quote(value))
}

func inExpr(field string, values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = quote(v)
	}
	return fmt.Sprintf("%s in [%s]", field, strings.Join(quoted, ", "))
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func recordAt(rs client.ResultSet, i int) (vector.Record, error) {
	str := func(name string) string {
		col := rs.GetColumn(name)
		if col == nil {
			return ""
		}
		v, err := col.Get(i)
		if err != nil {
			return ""
		}
		s, _ := v.(string)
		return s
	}
	num := func(name string) int {
		col := rs.GetColumn(name)
		if col == nil {
			return 0
		}
		v, err := col.Get(i)
		if err != nil {
			return 0
		}
		n, _ := v.(int64)
		return int(n)
	}

	rec := vector.Record{
		FragmentID: str(fieldFragmentID),
		Text:       str(fieldText),
		Metadata: models.FragmentMetadata{
			DocumentID:    str(fieldDocumentID),
			DocumentTitle: str(fieldTitle),
			FileName:      str(fieldFileName),
			Attempt:       num(fieldAttempt),
			PageStart:     num(fieldPageStart),
			PageEnd:       num(fieldPageEnd),
			ChunkSize:     num(fieldChunkSize),
		},
	}
	if rec.FragmentID == "" {
		return rec, fmt.Errorf("search result %d has no fragment id", i)
	}

	if col := rs.GetColumn(fieldExtra); col != nil {
		raw, err := col.Get(i)
		if err == nil {
			if b, ok := raw.([]byte); ok && len(b) > 0 {
				_ = json.Unmarshal(b, &rec.Metadata.Extra)
			}
		}
	}
	return rec, nil
}

func sequenceOf(fragmentID string) int {
	idx := strings.LastIndexByte(fragmentID, ':')
	if idx < 0 {
		return 0
	}
	n, _ := strconv.Atoi(fragmentID[idx+1:])
	return n
}

var _ vector.Index = (*Client)(nil)
