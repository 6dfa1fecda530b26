package exports

import (
	"fmt"
	"os"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetRow struct {
	Account       string `parquet:"name=account, type=BYTE_ARRAY, convertedtype=UTF8"`
	Token         string `parquet:"name=token, type=BYTE_ARRAY, convertedtype=UTF8"`
	Margin        bool   `parquet:"name=margin, type=BOOLEAN"`
	SuppliedDelta string `parquet:"name=supplied_delta, type=BYTE_ARRAY, convertedtype=UTF8"`
	BorrowedDelta string `parquet:"name=borrowed_delta, type=BYTE_ARRAY, convertedtype=UTF8"`
	Supplied      string `parquet:"name=supplied, type=BYTE_ARRAY, convertedtype=UTF8"`
	Borrowed      string `parquet:"name=borrowed, type=BYTE_ARRAY, convertedtype=UTF8"`
	TimestampMs   int64  `parquet:"name=timestamp_ms, type=INT64"`
}

// WriteShareDeltasParquet writes rows to path as a snappy-compressed parquet
// file.
func WriteShareDeltasParquet(path string, rows []ShareDeltaRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("exports: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			Account:       row.Account,
			Token:         row.Token,
			Margin:        row.Margin,
			SuppliedDelta: row.SuppliedDelta,
			BorrowedDelta: row.BorrowedDelta,
			Supplied:      row.Supplied,
			Borrowed:      row.Borrowed,
			TimestampMs:   int64(row.Timestamp),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("exports: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("exports: close parquet file: %w", err)
	}
	return nil
}
