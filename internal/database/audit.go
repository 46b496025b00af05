package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuditTableNames are the tables included in spreadsheet exports.
var AuditTableNames = []string{
	"slots",
	"drivers",
	"cars",
	"logs",
}

// GetTableNames returns list of table names to export.
func (db *DB) GetTableNames(ctx context.Context) ([]string, error) {
	return AuditTableNames, nil
}

// GetTableData returns all rows from a table as maps.
func (db *DB) GetTableData(ctx context.Context, tableName string) (data []map[string]interface{}, columns []string, err error) {
	validTable := false
	for _, t := range AuditTableNames {
		if t == tableName {
			validTable = true
			break
		}
	}
	if !validTable {
		return nil, nil, fmt.Errorf("invalid table name: %s", tableName)
	}

	var rows *sql.Rows
	rows, err = db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, nil, err
	}
	for rows.Next() {
		var cid int
		var name, typeName string
		var notNull, pk int
		var dfltValue sql.NullString
		if err = rows.Scan(&cid, &name, &typeName, &notNull, &dfltValue, &pk); err != nil {
			rows.Close()
			return nil, nil, err
		}
		columns = append(columns, name)
	}
	rows.Close()

	if len(columns) == 0 {
		return nil, nil, fmt.Errorf("table %s has no columns", tableName)
	}

	var dataRows *sql.Rows
	dataRows, err = db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s ORDER BY 1", tableName))
	if err != nil {
		return nil, nil, err
	}
	defer dataRows.Close()

	for dataRows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err = dataRows.Scan(valuePtrs...); err != nil {
			return nil, nil, err
		}
		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		data = append(data, row)
	}

	return data, columns, dataRows.Err()
}

// DeleteOldRecords removes retrieved cars (and their tokens) and log rows
// older than olderThan. Active cars are never touched.
func (db *DB) DeleteOldRecords(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := db.Now().Add(-olderThan)
	var deleted int64
	err := db.InTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx,
			`DELETE FROM cars WHERE status = 'retrieved' AND retrieval_time < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("delete cars: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += n

		res, err = tx.tx.ExecContext(ctx, `DELETE FROM logs WHERE timestamp < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("delete logs: %w", err)
		}
		n, _ = res.RowsAffected()
		deleted += n
		return nil
	})
	return deleted, err
}
