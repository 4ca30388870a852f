// Package schema holds the ordered column list shared by the CSV and
// relational sinks, so both always agree on field order and meaning.
package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/resource-logger/resource-logger/internal/model"
)

// Version identifies the column layout below. Bump it whenever Columns changes.
const Version = 1

// TableName is the relational table receiving one row per tick.
const TableName = "metrics"

// VersionTableName records the schema version a database was created with.
const VersionTableName = "metrics_schema"

// Kind is the storage class of a column.
type Kind int

const (
	// Text columns hold strings (timestamps).
	Text Kind = iota
	// Real columns hold rounded measurements.
	Real
	// Integer columns hold exact counters.
	Integer
)

// Dialect selects SQL type names and placeholder syntax.
type Dialect string

const (
	// SQLite uses ? placeholders and an INTEGER PRIMARY KEY AUTOINCREMENT id.
	SQLite Dialect = "sqlite3"
	// Postgres uses $n placeholders and a BIGSERIAL id.
	Postgres Dialect = "postgres"
)

// Column describes one field of a persisted row.
type Column struct {
	Name     string
	Kind     Kind
	Nullable bool
	value    func(*model.MetricSnapshot) any
}

// Columns is the fixed, ordered field list. Append only.
var Columns = []Column{
	{Name: "timestamp", Kind: Text, value: func(m *model.MetricSnapshot) any { return m.ISOTime() }},
	{Name: "timestamp_unix_ms", Kind: Integer, value: func(m *model.MetricSnapshot) any { return m.UnixMillis() }},
	{Name: "disk_used_gb", Kind: Real, value: func(m *model.MetricSnapshot) any { return m.Disk.UsedGB }},
	{Name: "disk_free_gb", Kind: Real, value: func(m *model.MetricSnapshot) any { return m.Disk.FreeGB }},
	{Name: "cpu_usage_percent", Kind: Real, value: func(m *model.MetricSnapshot) any { return m.CPU.UsagePercent }},
	{Name: "cpu_frequency_ghz", Kind: Real, value: func(m *model.MetricSnapshot) any { return m.CPU.FrequencyGHz }},
	{Name: "cpu_logical_cores", Kind: Integer, value: func(m *model.MetricSnapshot) any { return int64(m.CPU.LogicalCores) }},
	{Name: "mem_total_gb", Kind: Real, value: func(m *model.MetricSnapshot) any { return m.Memory.TotalGB }},
	{Name: "mem_used_gb", Kind: Real, value: func(m *model.MetricSnapshot) any { return m.Memory.UsedGB }},
	{Name: "mem_available_gb", Kind: Real, value: func(m *model.MetricSnapshot) any { return m.Memory.AvailableGB }},
	{Name: "mem_percent", Kind: Real, value: func(m *model.MetricSnapshot) any { return m.Memory.Percent }},
	{Name: "swap_total_gb", Kind: Real, value: func(m *model.MetricSnapshot) any { return m.Swap.TotalGB }},
	{Name: "swap_used_gb", Kind: Real, value: func(m *model.MetricSnapshot) any { return m.Swap.UsedGB }},
	{Name: "swap_free_gb", Kind: Real, value: func(m *model.MetricSnapshot) any { return m.Swap.FreeGB }},
	{Name: "swap_percent", Kind: Real, value: func(m *model.MetricSnapshot) any { return m.Swap.Percent }},
	{Name: "net_bytes_sent", Kind: Integer, value: func(m *model.MetricSnapshot) any { return counter(m.Network.BytesSent) }},
	{Name: "net_bytes_recv", Kind: Integer, value: func(m *model.MetricSnapshot) any { return counter(m.Network.BytesRecv) }},
	{Name: "net_packets_sent", Kind: Integer, value: func(m *model.MetricSnapshot) any { return counter(m.Network.PacketsSent) }},
	{Name: "net_packets_recv", Kind: Integer, value: func(m *model.MetricSnapshot) any { return counter(m.Network.PacketsRecv) }},
	{Name: "net_errin", Kind: Integer, value: func(m *model.MetricSnapshot) any { return counter(m.Network.ErrIn) }},
	{Name: "net_errout", Kind: Integer, value: func(m *model.MetricSnapshot) any { return counter(m.Network.ErrOut) }},
	{Name: "net_dropin", Kind: Integer, value: func(m *model.MetricSnapshot) any { return counter(m.Network.DropIn) }},
	{Name: "net_dropout", Kind: Integer, value: func(m *model.MetricSnapshot) any { return counter(m.Network.DropOut) }},
	{Name: "avg_cpu_temp_c", Kind: Real, Nullable: true, value: func(m *model.MetricSnapshot) any {
		if m.AvgCPUTemperature == nil {
			return nil
		}
		return *m.AvgCPUTemperature
	}},
}

// counter converts a cumulative counter to the signed type database/sql
// accepts, saturating at math.MaxInt64.
func counter(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// Header returns the column names in order.
func Header() []string {
	names := make([]string, len(Columns))
	for i, c := range Columns {
		names[i] = c.Name
	}
	return names
}

// Values returns the row for a snapshot in column order, typed for database/sql.
// Absent optional values are nil.
func Values(m *model.MetricSnapshot) []any {
	row := make([]any, len(Columns))
	for i, c := range Columns {
		row[i] = c.value(m)
	}
	return row
}

// Record returns the row for a snapshot in column order, formatted for CSV.
// Absent optional values are empty strings; counters are exact integers.
func Record(m *model.MetricSnapshot) []string {
	values := Values(m)
	record := make([]string, len(values))
	for i, v := range values {
		record[i] = formatValue(v)
	}
	return record
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func (k Kind) sqlType(d Dialect) string {
	switch k {
	case Real:
		if d == Postgres {
			return "DOUBLE PRECISION"
		}
		return "REAL"
	case Integer:
		if d == Postgres {
			return "BIGINT"
		}
		return "INTEGER"
	default:
		return "TEXT"
	}
}

// CreateTableSQL returns the idempotent DDL for the metrics table.
func CreateTableSQL(d Dialect) string {
	var sb strings.Builder
	sb.WriteString("CREATE TABLE IF NOT EXISTS ")
	sb.WriteString(TableName)
	sb.WriteString(" (\n")
	if d == Postgres {
		sb.WriteString("\tid BIGSERIAL PRIMARY KEY,\n")
	} else {
		sb.WriteString("\tid INTEGER PRIMARY KEY AUTOINCREMENT,\n")
	}
	for i, c := range Columns {
		sb.WriteString("\t")
		sb.WriteString(c.Name)
		sb.WriteString(" ")
		sb.WriteString(c.Kind.sqlType(d))
		if !c.Nullable {
			sb.WriteString(" NOT NULL")
		}
		if i < len(Columns)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	sb.WriteString(")")
	return sb.String()
}

// CreateVersionTableSQL returns the DDL for the schema version table.
func CreateVersionTableSQL() string {
	return "CREATE TABLE IF NOT EXISTS " + VersionTableName + " (version INTEGER NOT NULL)"
}

// InsertSQL returns the parameterized insert for one row in column order.
func InsertSQL(d Dialect) string {
	placeholders := make([]string, len(Columns))
	for i := range Columns {
		placeholders[i] = Placeholder(d, i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		TableName, strings.Join(Header(), ", "), strings.Join(placeholders, ", "))
}

// Placeholder returns the n-th (1-based) bind parameter for the dialect.
func Placeholder(d Dialect, n int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// MatchesHeader reports whether an existing header row equals Header().
func MatchesHeader(existing []string) bool {
	if len(existing) != len(Columns) {
		return false
	}
	for i, c := range Columns {
		if strings.TrimSpace(existing[i]) != c.Name {
			return false
		}
	}
	return true
}
