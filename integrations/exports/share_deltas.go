package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"lendcore/core/events"
)

// ShareDeltaRow is one committed change of an account's shares in a token.
// Amounts are decimal strings in inner units.
type ShareDeltaRow struct {
	Account       string `json:"account"`
	Token         string `json:"token"`
	Margin        bool   `json:"margin"`
	SuppliedDelta string `json:"suppliedDelta"`
	BorrowedDelta string `json:"borrowedDelta"`
	Supplied      string `json:"supplied"`
	Borrowed      string `json:"borrowed"`
	Timestamp     uint64 `json:"timestamp"`
}

// RowFromRecord converts a stored share delta event into an export row.
func RowFromRecord(rec *events.Record) (ShareDeltaRow, error) {
	if rec == nil || rec.Type != events.TypeShareDelta {
		return ShareDeltaRow{}, fmt.Errorf("exports: not a share delta record")
	}
	attrs := rec.Attributes
	ts, err := strconv.ParseUint(attrs["timestamp"], 10, 64)
	if err != nil {
		return ShareDeltaRow{}, fmt.Errorf("exports: invalid timestamp %q: %w", attrs["timestamp"], err)
	}
	margin, err := strconv.ParseBool(attrs["margin"])
	if err != nil {
		return ShareDeltaRow{}, fmt.Errorf("exports: invalid margin flag %q: %w", attrs["margin"], err)
	}
	return ShareDeltaRow{
		Account:       attrs["account"],
		Token:         attrs["token"],
		Margin:        margin,
		SuppliedDelta: attrs["suppliedDelta"],
		BorrowedDelta: attrs["borrowedDelta"],
		Supplied:      attrs["supplied"],
		Borrowed:      attrs["borrowed"],
		Timestamp:     ts,
	}, nil
}

func formatMillis(ms uint64) string {
	return time.UnixMilli(int64(ms)).UTC().Format(time.RFC3339Nano)
}

// ShareDeltasCSV builds a CSV export for the supplied rows and returns the
// serialised data alongside a SHA-256 checksum of the payload.
func ShareDeltasCSV(rows []ShareDeltaRow) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	header := []string{"account", "token", "margin", "supplied_delta", "borrowed_delta", "supplied", "borrowed", "timestamp"}
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	for _, row := range rows {
		record := []string{
			row.Account,
			row.Token,
			strconv.FormatBool(row.Margin),
			row.SuppliedDelta,
			row.BorrowedDelta,
			row.Supplied,
			row.Borrowed,
			formatMillis(row.Timestamp),
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}

// ShareDeltasJSONL builds a JSON Lines export and returns the payload
// alongside a checksum.
func ShareDeltasJSONL(rows []ShareDeltaRow) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, row := range rows {
		if err := encoder.Encode(row); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
