// Package database bridges ad-hoc DB_QUERY SQL to a relational database.
// Queries arrive verbatim from authenticated clients; results are converted
// to the protocol's tagged values.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kazoe/kazad/pkg/object"
)

// Config selects and addresses the backing database. Driver names accept
// both the native form and the legacy Qt plugin names still found in old
// configuration files.
type Config struct {
	Driver   string `mapstructure:"driver"`
	Name     string `mapstructure:"dbName"`
	Host     string `mapstructure:"hostname"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Result is one answered query: column names plus rows of tagged values.
type Result struct {
	Columns []string
	Rows    [][]object.Value
}

// Bridge executes raw SQL against the configured database.
type Bridge struct {
	db *gorm.DB
}

// Open connects to the configured database. An empty driver disables the
// bridge: Open returns (nil, nil) and DB_QUERY frames are dropped.
func Open(cfg Config) (*Bridge, error) {
	if cfg.Driver == "" {
		return nil, nil
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres", "QPSQL":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Name)
		dialector = postgres.Open(dsn)
	case "sqlite", "QSQLITE":
		dialector = sqlite.Open(cfg.Name)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Bridge{db: db}, nil
}

// Query runs sql verbatim and converts the result set to tagged values.
func (b *Bridge) Query(ctx context.Context, sql string) (Result, error) {
	rows, err := b.db.WithContext(ctx).Raw(sql).Rows()
	if err != nil {
		return Result{}, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return Result{}, fmt.Errorf("failed to read columns: %w", err)
	}

	res := Result{Columns: cols}
	scan := make([]any, len(cols))
	for i := range scan {
		scan[i] = new(any)
	}

	for rows.Next() {
		if err := rows.Scan(scan...); err != nil {
			return Result{}, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make([]object.Value, len(cols))
		for i, cell := range scan {
			row[i] = toValue(*cell.(*any))
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("row iteration failed: %w", err)
	}
	return res, nil
}

// Exec runs a statement that produces no result set.
func (b *Bridge) Exec(ctx context.Context, sql string) error {
	if err := b.db.WithContext(ctx).Exec(sql).Error; err != nil {
		return fmt.Errorf("exec failed: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (b *Bridge) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// toValue maps a database cell to a tagged value. NULL becomes the invalid
// value.
func toValue(cell any) object.Value {
	switch v := cell.(type) {
	case nil:
		return object.Invalid()
	case int64:
		return object.NewInt(v)
	case int32:
		return object.NewInt(int64(v))
	case int:
		return object.NewInt(int64(v))
	case float64:
		return object.NewDouble(v)
	case float32:
		return object.NewDouble(float64(v))
	case bool:
		return object.NewBool(v)
	case string:
		return object.NewString(v)
	case []byte:
		return object.NewString(string(v))
	case time.Time:
		return object.NewTimestamp(v)
	default:
		return object.NewString(fmt.Sprintf("%v", v))
	}
}
