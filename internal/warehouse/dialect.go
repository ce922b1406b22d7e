package warehouse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"adreport/internal/data"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

// dialect captures the SQL differences between the supported drivers.
type dialect struct {
	name string
	// driver is the database/sql driver name registered by the imported package.
	driver string
	quote  func(string) string
	bind   func(i int) string // 1-based
	// upsert renders the conflict clause appended to an INSERT.
	upsert    func(keys, update []string) string
	textType  string
	intType   string
	floatType string
}

func quoteANSI(s string) string     { return `"` + s + `"` }
func quoteBacktick(s string) string { return "`" + s + "`" }

func bindQuestion(int) string { return "?" }
func bindDollar(i int) string { return "$" + strconv.Itoa(i) }

func onConflict(quote func(string) string) func(keys, update []string) string {
	return func(keys, update []string) string {
		qk := make([]string, len(keys))
		for i, k := range keys {
			qk[i] = quote(k)
		}
		if len(update) == 0 {
			return fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(qk, ", "))
		}
		sets := make([]string, len(update))
		for i, c := range update {
			sets[i] = fmt.Sprintf("%s = excluded.%s", quote(c), quote(c))
		}
		return fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(qk, ", "), strings.Join(sets, ", "))
	}
}

func onDuplicateKey(keys, update []string) string {
	if len(update) == 0 {
		// Assigning a key column to itself turns the insert into a no-op.
		update = keys[:1]
	}
	sets := make([]string, len(update))
	for i, c := range update {
		sets[i] = fmt.Sprintf("%s = VALUES(%s)", quoteBacktick(c), quoteBacktick(c))
	}
	return " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

var dialects = map[string]dialect{
	// modernc.org/sqlite (pure Go).
	"sqlite": {
		name: "sqlite", driver: "sqlite",
		quote: quoteANSI, bind: bindQuestion, upsert: onConflict(quoteANSI),
		textType: "TEXT", intType: "INTEGER", floatType: "REAL",
	},
	// github.com/mattn/go-sqlite3 (cgo).
	"sqlite3": {
		name: "sqlite3", driver: "sqlite3",
		quote: quoteANSI, bind: bindQuestion, upsert: onConflict(quoteANSI),
		textType: "TEXT", intType: "INTEGER", floatType: "REAL",
	},
	"mysql": {
		name: "mysql", driver: "mysql",
		quote: quoteBacktick, bind: bindQuestion, upsert: onDuplicateKey,
		textType: "VARCHAR(255)", intType: "BIGINT", floatType: "DOUBLE",
	},
	"postgres": {
		name: "postgres", driver: "postgres",
		quote: quoteANSI, bind: bindDollar, upsert: onConflict(quoteANSI),
		textType: "VARCHAR(255)", intType: "BIGINT", floatType: "DOUBLE PRECISION",
	},
}

func lookupDialect(driver string) (dialect, error) {
	d, ok := dialects[strings.ToLower(strings.TrimSpace(driver))]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported warehouse driver: %s", driver)
	}
	return d, nil
}

// performanceColumns is the schema of the performance table in column order.
var performanceColumns = []struct {
	name string
	kind string // text, int, float
}{
	{data.ColSource, "text"},
	{data.ColReportDate, "text"},
	{data.ColChannel, "text"},
	{data.ColCampaignName, "text"},
	{data.ColImpressions, "int"},
	{data.ColClicks, "int"},
	{data.ColSpend, "float"},
	{data.ColCPC, "float"},
	{data.ColConversions, "float"},
	{data.ColCostPerConversion, "float"},
}

func (d dialect) createTable(table string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (", d.quote(table))
	for i, c := range performanceColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		typ := d.textType
		switch c.kind {
		case "int":
			typ = d.intType + " NOT NULL DEFAULT 0"
		case "float":
			typ = d.floatType + " NOT NULL DEFAULT 0"
		default:
			if c.name == data.ColReportDate {
				// ISO dates compare correctly as strings on every driver.
				typ = "VARCHAR(10)"
			}
			typ += " NOT NULL"
		}
		fmt.Fprintf(&b, "%s %s", d.quote(c.name), typ)
	}
	keys := make([]string, len(data.KeyColumns))
	for i, k := range data.KeyColumns {
		keys[i] = d.quote(k)
	}
	fmt.Fprintf(&b, ", PRIMARY KEY (%s))", strings.Join(keys, ", "))
	return b.String()
}
