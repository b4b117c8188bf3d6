package reconcile

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"giveawayd/models"
)

var zeroUUID uuid.UUID

// ReportRow summarises the reconciliation outcome for one ledger transaction.
type ReportRow struct {
	LedgerTxID     uuid.UUID
	ClaimID        uuid.UUID
	TxType         string
	Hashes         int
	Confirmed      int
	FailedReceipts int
	Pending        int
	Timeouts       int
	Status         models.LedgerTxStatus
}

// writeRunReport emits the run's rows as CSV and Parquet under dir, returning
// the written paths. Reports are advisory; failures are logged by the caller
// and never fail the run.
func writeRunReport(dir string, start time.Time, rows []ReportRow) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure report dir: %w", err)
	}
	base := filepath.Join(dir, "recon_"+start.UTC().Format("20060102T150405"))
	csvPath := base + ".csv"
	if err := writeCSV(csvPath, rows); err != nil {
		return nil, err
	}
	parquetPath := base + ".parquet"
	if err := writeParquet(parquetPath, rows); err != nil {
		return nil, err
	}
	return []string{csvPath, parquetPath}, nil
}

func writeCSV(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"ledger_tx_id", "claim_id", "tx_type", "hashes",
		"confirmed", "failed", "pending", "timeouts", "status",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.LedgerTxID.String(),
			row.ClaimID.String(),
			row.TxType,
			fmt.Sprintf("%d", row.Hashes),
			fmt.Sprintf("%d", row.Confirmed),
			fmt.Sprintf("%d", row.FailedReceipts),
			fmt.Sprintf("%d", row.Pending),
			fmt.Sprintf("%d", row.Timeouts),
			string(row.Status),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	LedgerTxID string `parquet:"name=ledger_tx_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ClaimID    string `parquet:"name=claim_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	TxType     string `parquet:"name=tx_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Hashes     int32  `parquet:"name=hashes, type=INT32"`
	Confirmed  int32  `parquet:"name=confirmed, type=INT32"`
	Failed     int32  `parquet:"name=failed, type=INT32"`
	Pending    int32  `parquet:"name=pending, type=INT32"`
	Timeouts   int32  `parquet:"name=timeouts, type=INT32"`
	Status     string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			LedgerTxID: row.LedgerTxID.String(),
			ClaimID:    row.ClaimID.String(),
			TxType:     row.TxType,
			Hashes:     int32(row.Hashes),
			Confirmed:  int32(row.Confirmed),
			Failed:     int32(row.FailedReceipts),
			Pending:    int32(row.Pending),
			Timeouts:   int32(row.Timeouts),
			Status:     string(row.Status),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close parquet file: %w", err)
	}
	return nil
}
