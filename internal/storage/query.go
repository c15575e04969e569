package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/convosearch/pkg/types"
)

// Target selects the row kind a Query returns
type Target int

const (
	// TargetConversations returns one row per live conversation
	TargetConversations Target = iota
	// TargetChunks returns one row per chunk of a live conversation
	TargetChunks
)

// Column names accepted in Columns, predicates and OrderBy
const (
	ColRowID          = "row_id"
	ColConversationID = "conversation_id"
	ColTitle          = "title"
	ColProject        = "project"
	ColTool           = "tool"
	ColFilePath       = "file_path"
	ColCreatedAt      = "created_at"
	ColUpdatedAt      = "updated_at"
	ColMessageCount   = "message_count"
	ColChunkCount     = "chunk_count"
	ColIndexedAt      = "indexed_at"

	ColOrdinal      = "ordinal"
	ColFirstMessage = "first_message"
	ColLastMessage  = "last_message"
	ColText         = "text"
	ColCharLen      = "char_len"
	ColTokenCount   = "token_count"
	ColVectorKey    = "vector_key"
	ColLexicalScore = "lexical_score"
)

var conversationColumns = map[string]string{
	ColRowID:          "c.row_id",
	ColConversationID: "c.conversation_id",
	ColTitle:          "c.title",
	ColProject:        "c.project",
	ColTool:           "c.tool",
	ColFilePath:       "c.file_path",
	ColCreatedAt:      "c.created_at",
	ColUpdatedAt:      "c.updated_at",
	ColMessageCount:   "c.message_count",
	ColChunkCount:     "c.chunk_count",
	ColIndexedAt:      "c.indexed_at",
}

var chunkColumns = map[string]string{
	ColOrdinal:      "k.ordinal",
	ColFirstMessage: "k.first_message",
	ColLastMessage:  "k.last_message",
	ColText:         "k.text",
	ColCharLen:      "k.char_len",
	ColTokenCount:   "k.token_count",
	ColVectorKey:    "(k.row_id || ':' || k.ordinal)",
}

var timeColumns = map[string]bool{
	ColCreatedAt: true,
	ColUpdatedAt: true,
	ColIndexedAt: true,
}

type predicateKind int

const (
	predEq predicateKind = iota
	predIn
	predTimeRange
	predTextMatch
	predEmbeddingKeys
)

// Predicate is a filter compiled into the WHERE clause
type Predicate struct {
	kind    predicateKind
	column  string
	values  []interface{}
	from    time.Time
	to      time.Time
	needles []string
	keys    []types.EmbeddingKey
}

// Eq matches column = value
func Eq(column string, value interface{}) Predicate {
	return Predicate{kind: predEq, column: column, values: []interface{}{value}}
}

// In matches column IN (values...). An empty list matches nothing.
func In(column string, values ...interface{}) Predicate {
	return Predicate{kind: predIn, column: column, values: values}
}

// TimeRange matches from <= column < to. A zero bound is open.
func TimeRange(column string, from, to time.Time) Predicate {
	return Predicate{kind: predTimeRange, column: column, from: from, to: to}
}

// TextMatch matches chunks whose text contains any of the needles,
// case-insensitively. It also drives the lexical_score column.
func TextMatch(needles ...string) Predicate {
	lowered := make([]string, 0, len(needles))
	for _, n := range needles {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			lowered = append(lowered, n)
		}
	}
	return Predicate{kind: predTextMatch, needles: lowered}
}

// EmbeddingKeys matches the chunks named by keys
func EmbeddingKeys(keys ...types.EmbeddingKey) Predicate {
	return Predicate{kind: predEmbeddingKeys, keys: keys}
}

// Order is one ORDER BY term
type Order struct {
	Column string
	Desc   bool
}

// Query is a pushdown query over live rows. Only Columns are read.
type Query struct {
	Target     Target
	Predicates []Predicate
	Columns    []string
	OrderBy    []Order
	Limit      int // 0 means no limit
	Offset     int

	// BestPerConversation keeps only the first chunk of each conversation
	// under OrderBy. It needs the chunk target, conversation_id among
	// Columns and every OrderBy column selected. Count then counts
	// conversations.
	BestPerConversation bool
}

// Row is one result row keyed by column name
type Row map[string]interface{}

// String returns a text column
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Int64 returns an integer column
func (r Row) Int64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// Int returns an integer column as int
func (r Row) Int(col string) int {
	return int(r.Int64(col))
}

// Float64 returns a real column
func (r Row) Float64(col string) float64 {
	switch v := r[col].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return 0
	}
}

// Time returns a millisecond timestamp column
func (r Row) Time(col string) time.Time {
	return fromMillis(r.Int64(col))
}

// compiled is a query ready for execution
type compiled struct {
	sql  string
	args []interface{}
}

func (q Query) resolve(col string) (string, error) {
	if expr, ok := conversationColumns[col]; ok {
		return expr, nil
	}
	if q.Target == TargetChunks {
		if expr, ok := chunkColumns[col]; ok {
			return expr, nil
		}
	}
	return "", types.NewValidationError("column", col, "unknown column for this target")
}

func (q Query) needles() []string {
	var out []string
	for _, p := range q.Predicates {
		if p.kind == predTextMatch {
			out = append(out, p.needles...)
		}
	}
	return out
}

// lexicalScoreExpr is the fraction of needles found in the chunk
func lexicalScoreExpr(needles []string) (string, []interface{}) {
	if len(needles) == 0 {
		return "0.0", nil
	}
	parts := make([]string, len(needles))
	args := make([]interface{}, len(needles))
	for i, n := range needles {
		parts[i] = "(instr(k.search_text, ?) > 0)"
		args[i] = n
	}
	return fmt.Sprintf("((%s) * 1.0 / %d)", strings.Join(parts, " + "), len(needles)), args
}

func (q Query) from() string {
	base := "conversation_lookup l JOIN conversations c ON c.row_id = l.row_id"
	if q.Target == TargetChunks {
		base += " JOIN chunks k ON k.row_id = l.row_id"
	}
	return base
}

func (q Query) where() (string, []interface{}, error) {
	var clauses []string
	var args []interface{}

	for _, p := range q.Predicates {
		switch p.kind {
		case predEq, predIn:
			expr, err := q.resolve(p.column)
			if err != nil {
				return "", nil, err
			}
			if p.kind == predEq {
				clauses = append(clauses, expr+" = ?")
				args = append(args, p.values[0])
				continue
			}
			if len(p.values) == 0 {
				clauses = append(clauses, "0")
				continue
			}
			clauses = append(clauses, expr+" IN ("+placeholders(len(p.values))+")")
			args = append(args, p.values...)

		case predTimeRange:
			if !timeColumns[p.column] {
				return "", nil, types.NewValidationError("column", p.column, "not a time column")
			}
			expr, _ := q.resolve(p.column)
			if !p.from.IsZero() {
				clauses = append(clauses, expr+" >= ?")
				args = append(args, toMillis(p.from))
			}
			if !p.to.IsZero() {
				clauses = append(clauses, expr+" < ?")
				args = append(args, toMillis(p.to))
			}

		case predTextMatch:
			if q.Target != TargetChunks {
				return "", nil, types.NewValidationError("predicate", "text", "text match requires the chunk target")
			}
			if len(p.needles) == 0 {
				continue
			}
			ors := make([]string, len(p.needles))
			for i, n := range p.needles {
				ors[i] = "instr(k.search_text, ?) > 0"
				args = append(args, n)
			}
			clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")

		case predEmbeddingKeys:
			if q.Target != TargetChunks {
				return "", nil, types.NewValidationError("predicate", "embedding keys", "requires the chunk target")
			}
			if len(p.keys) == 0 {
				clauses = append(clauses, "0")
				continue
			}
			values := make([]string, len(p.keys))
			for i, k := range p.keys {
				values[i] = "(?, ?)"
				args = append(args, k.RowID, k.Ordinal)
			}
			clauses = append(clauses, "(k.row_id, k.ordinal) IN (VALUES "+strings.Join(values, ", ")+")")
		}
	}

	if len(clauses) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

func (q Query) compile() (*compiled, error) {
	if len(q.Columns) == 0 {
		return nil, types.NewValidationError("columns", "", "at least one column is required")
	}

	var args []interface{}
	selects := make([]string, len(q.Columns))
	for i, col := range q.Columns {
		if col == ColLexicalScore {
			if q.Target != TargetChunks {
				return nil, types.NewValidationError("column", col, "requires the chunk target")
			}
			expr, scoreArgs := lexicalScoreExpr(q.needles())
			selects[i] = expr + " AS " + ColLexicalScore
			args = append(args, scoreArgs...)
			continue
		}
		expr, err := q.resolve(col)
		if err != nil {
			return nil, err
		}
		selects[i] = expr + " AS " + col
	}

	where, whereArgs, err := q.where()
	if err != nil {
		return nil, err
	}
	args = append(args, whereArgs...)

	var b strings.Builder
	if q.BestPerConversation {
		if err := q.checkBestPerConversation(); err != nil {
			return nil, err
		}
		// Rank inside each conversation over the projected aliases, then
		// keep rank 1
		order := strings.Join(q.aliasOrder(), ", ")
		b.WriteString("SELECT ")
		b.WriteString(strings.Join(q.Columns, ", "))
		b.WriteString(" FROM (SELECT *, ROW_NUMBER() OVER (PARTITION BY " + ColConversationID)
		if order != "" {
			b.WriteString(" ORDER BY " + order)
		}
		b.WriteString(") AS best_rank FROM (SELECT ")
		b.WriteString(strings.Join(selects, ", "))
		b.WriteString(" FROM ")
		b.WriteString(q.from())
		b.WriteString(where)
		b.WriteString(")) WHERE best_rank = 1")
		if order != "" {
			b.WriteString(" ORDER BY " + order)
		}
	} else {
		b.WriteString("SELECT ")
		b.WriteString(strings.Join(selects, ", "))
		b.WriteString(" FROM ")
		b.WriteString(q.from())
		b.WriteString(where)

		if len(q.OrderBy) > 0 {
			terms := make([]string, len(q.OrderBy))
			for i, o := range q.OrderBy {
				var expr string
				if o.Column == ColLexicalScore {
					expr = ColLexicalScore
					if !containsColumn(q.Columns, ColLexicalScore) {
						return nil, types.NewValidationError("order", o.Column, "must also be selected")
					}
				} else {
					expr, err = q.resolve(o.Column)
					if err != nil {
						return nil, err
					}
				}
				if o.Desc {
					expr += " DESC"
				}
				terms[i] = expr
			}
			b.WriteString(" ORDER BY ")
			b.WriteString(strings.Join(terms, ", "))
		}
	}

	if q.Limit > 0 || q.Offset > 0 {
		limit := q.Limit
		if limit <= 0 {
			limit = -1
		}
		b.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, limit, q.Offset)
	}

	return &compiled{sql: b.String(), args: args}, nil
}

func (q Query) checkBestPerConversation() error {
	if q.Target != TargetChunks {
		return types.NewValidationError("query", "best per conversation", "requires the chunk target")
	}
	if !containsColumn(q.Columns, ColConversationID) {
		return types.NewValidationError("query", "best per conversation", "conversation_id must be selected")
	}
	for _, o := range q.OrderBy {
		if !containsColumn(q.Columns, o.Column) {
			return types.NewValidationError("order", o.Column, "must also be selected")
		}
	}
	return nil
}

// aliasOrder renders OrderBy against the projected column names
func (q Query) aliasOrder() []string {
	terms := make([]string, len(q.OrderBy))
	for i, o := range q.OrderBy {
		terms[i] = o.Column
		if o.Desc {
			terms[i] += " DESC"
		}
	}
	return terms
}

func (q Query) compileCount() (*compiled, error) {
	where, args, err := q.where()
	if err != nil {
		return nil, err
	}
	count := "COUNT(*)"
	if q.BestPerConversation {
		if q.Target != TargetChunks {
			return nil, types.NewValidationError("query", "best per conversation", "requires the chunk target")
		}
		count = "COUNT(DISTINCT c.conversation_id)"
	}
	return &compiled{sql: "SELECT " + count + " FROM " + q.from() + where, args: args}, nil
}

func runQuery(ctx context.Context, qr querier, q Query) ([]Row, error) {
	c, err := q.compile()
	if err != nil {
		return nil, err
	}
	rows, err := qr.QueryContext(ctx, c.sql, c.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		values := make([]interface{}, len(q.Columns))
		ptrs := make([]interface{}, len(q.Columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(Row, len(q.Columns))
		for i, col := range q.Columns {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func runCount(ctx context.Context, qr querier, q Query) (int, error) {
	c, err := q.compileCount()
	if err != nil {
		return 0, err
	}
	var n int
	if err := qr.QueryRowContext(ctx, c.sql, c.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count: %w", err)
	}
	return n, nil
}

// Query runs q against the latest committed state
func (s *Store) Query(ctx context.Context, q Query) ([]Row, error) {
	_, reader, err := s.pools()
	if err != nil {
		return nil, err
	}
	return runQuery(ctx, reader, q)
}

// Count returns the number of rows q matches, ignoring Limit and Offset
func (s *Store) Count(ctx context.Context, q Query) (int, error) {
	_, reader, err := s.pools()
	if err != nil {
		return 0, err
	}
	return runCount(ctx, reader, q)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func containsColumn(cols []string, col string) bool {
	for _, c := range cols {
		if c == col {
			return true
		}
	}
	return false
}
