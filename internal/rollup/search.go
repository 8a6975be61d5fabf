package rollup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"

	"github.com/ClickHouse/clickhouse-go/v2"
	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

var tracer = otel.Tracer("ismctl-rollup-search")

// Page is one composite-search page: the rows it produced, merge-ready
// stats, and the cursor to continue from (nil once exhausted).
type Page struct {
	Rows               []map[string]any
	DocumentsProcessed int64
	AfterKey           *AfterKey
}

// Searcher runs one page of a composite aggregation against the source
// index (spec.md §4.G step f), grounded on this codebase family's
// ClickHouse composite-paging idiom.
type Searcher interface {
	SearchPage(ctx context.Context, job *Job, after *AfterKey) (Page, error)
}

// ClickHouseConfig configures the rollup composite-search connection.
type ClickHouseConfig struct {
	Address  string
	Database string
	Username string
	Password string
}

// ClickHouseSearcher implements Searcher against ClickHouse, paging with a
// composite `afterKey` cursor the way this codebase family pages audit
// queries with a timestamp/id cursor.
type ClickHouseSearcher struct {
	conn   chdriver.Conn
	config ClickHouseConfig
}

// NewClickHouseSearcher connects to ClickHouse and validates connectivity.
func NewClickHouseSearcher(config ClickHouseConfig) (*ClickHouseSearcher, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{config.Address},
		Auth: clickhouse.Auth{
			Database: config.Database,
			Username: config.Username,
			Password: config.Password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse connection: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	return &ClickHouseSearcher{conn: conn, config: config}, nil
}

// Close releases the underlying ClickHouse connection.
func (s *ClickHouseSearcher) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// SearchPage runs one composite-aggregation GROUP BY query bounded by
// job.PageSize, resuming from after.
func (s *ClickHouseSearcher) SearchPage(ctx context.Context, job *Job, after *AfterKey) (Page, error) {
	ctx, span := tracer.Start(ctx, "clickhouse.rollup_page",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "clickhouse"),
			attribute.String("rollup.job_id", job.ID),
			attribute.Int("rollup.page_size", job.PageSize),
		),
	)
	defer span.End()

	query, args := s.buildQuery(job, after)
	klog.V(3).InfoS("executing rollup composite page", "job", job.ID, "query", query)

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rollup page query failed")
		return Page{}, fmt.Errorf("rollup composite query for job %s: %w", job.ID, err)
	}
	defer rows.Close()

	page := Page{}
	var lastDims map[string]string
	for rows.Next() {
		row := make(map[string]any, len(job.Dimensions)+len(job.Metrics))
		dims := make(map[string]string, len(job.Dimensions))
		cols := rows.Columns()
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Page{}, fmt.Errorf("scan rollup row for job %s: %w", job.ID, err)
		}
		for i, col := range cols {
			row[col] = vals[i]
			for _, d := range job.Dimensions {
				if d == col {
					dims[d] = fmt.Sprintf("%v", vals[i])
				}
			}
		}
		page.Rows = append(page.Rows, row)
		page.DocumentsProcessed++
		lastDims = dims
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("iterate rollup rows for job %s: %w", job.ID, err)
	}

	if len(page.Rows) >= job.PageSize && lastDims != nil {
		page.AfterKey = &AfterKey{Dimensions: lastDims}
	}
	return page, nil
}

func (s *ClickHouseSearcher) buildQuery(job *Job, after *AfterKey) (string, []any) {
	groupBy := ""
	for i, d := range job.Dimensions {
		if i > 0 {
			groupBy += ", "
		}
		groupBy += d
	}
	query := fmt.Sprintf("SELECT %s FROM %s", groupBy, job.SourceIndex)

	var args []any
	if where, whereArgs := cursorWhere(job.Dimensions, after); where != "" {
		query += " WHERE " + where
		args = append(args, whereArgs...)
	}

	query += fmt.Sprintf(" GROUP BY %s ORDER BY %s LIMIT %d", groupBy, groupBy, job.PageSize)
	return query, args
}

// cursorWhere builds the tuple-comparison WHERE clause that resumes a
// composite-aggregation scan strictly after the dimension tuple recorded in
// after, matching the ascending ORDER BY over dims. For dims (d1, d2, d3) it
// produces the standard keyset-pagination expansion of "(d1, d2, d3) > (v1,
// v2, v3)":
//
//	(d1 > ?) OR (d1 = ? AND d2 > ?) OR (d1 = ? AND d2 = ? AND d3 > ?)
func cursorWhere(dims []string, after *AfterKey) (string, []any) {
	if after == nil || len(dims) == 0 {
		return "", nil
	}
	values := make([]string, len(dims))
	for i, d := range dims {
		v, ok := after.Dimensions[d]
		if !ok {
			return "", nil
		}
		values[i] = v
	}

	var clauses []string
	var args []any
	for i := range dims {
		clause := ""
		for j := 0; j < i; j++ {
			clause += dims[j] + " = ? AND "
			args = append(args, values[j])
		}
		clause += dims[i] + " > ?"
		args = append(args, values[i])
		clauses = append(clauses, "("+clause+")")
	}
	return strings.Join(clauses, " OR "), args
}
