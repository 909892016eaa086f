package history

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	ID         string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Type       string `parquet:"name=type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Address    string `parquet:"name=address, type=BYTE_ARRAY, convertedtype=UTF8"`
	Role       string `parquet:"name=role, type=BYTE_ARRAY, convertedtype=UTF8"`
	LoanID     int64  `parquet:"name=loan_id, type=INT64"`
	Asset      string `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount     string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Height     int64  `parquet:"name=height, type=INT64"`
	Attributes string `parquet:"name=attributes, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt  string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet writes the rows matching f to w, oldest first, and returns
// how many were written.
func (s *Store) ExportParquet(ctx context.Context, w io.Writer, f Filter) (int, error) {
	var rows []Activity
	q := f.apply(s.db.WithContext(ctx).Model(&Activity{})).Order("height ASC").Order("created_at ASC")
	if err := q.Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("history: export query: %w", err)
	}
	fw := writerfile.NewWriterFile(w)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		return 0, fmt.Errorf("history: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		pr := &parquetRow{
			ID:         row.ID.String(),
			Type:       row.Type,
			Address:    row.Address,
			Role:       row.Role,
			LoanID:     int64(row.LoanID),
			Asset:      row.Asset,
			Amount:     row.Amount,
			Height:     int64(row.Height),
			Attributes: row.Attributes,
			CreatedAt:  row.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			_ = pw.WriteStop()
			return 0, fmt.Errorf("history: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return 0, fmt.Errorf("history: parquet flush: %w", err)
	}
	return len(rows), nil
}
