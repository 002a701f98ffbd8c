package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/s3db-io/replicator/replicate"
	"github.com/s3db-io/replicator/replicate/sqlgen"
)

// Syncer reconciles destination tables with source-resource attributes. One
// Syncer serves one driver instance; its strategy is constant for the life of
// the instance.
type Syncer struct {
	Config     replicate.SyncConfig
	Gen        *sqlgen.Generator
	Introspect Introspector
	Exec       Execer
	Emitter    *replicate.Emitter
	Log        *log.Entry
}

// NotationMap coerces a resource attribute map into field-name -> pipe
// notation, accepting both string and structured attribute configs.
func NotationMap(attrs map[string]interface{}) map[string]string {
	var out = make(map[string]string, len(attrs))
	for name, attr := range attrs {
		if notation := replicate.AttributeType(attr); notation != "" {
			out[name] = notation
		}
	}
	return out
}

// SyncAll runs the per-resource loop: fetch the current attribute map,
// subtract plugin-injected names, then sync each configured destination.
// A failing table does not abort the others unless onMismatch is error.
func (s *Syncer) SyncAll(ctx context.Context, source replicate.SourceDatabase, routes map[string][]replicate.Route) error {
	var cfg = s.Config.Normalize()

	var resources = make([]string, 0, len(routes))
	for name := range routes {
		resources = append(resources, name)
	}
	sort.Strings(resources)

	for _, name := range resources {
		var resource, err = source.Resource(name)
		if err != nil {
			return replicate.NewError(replicate.KindConfig, "schema_sync", err,
				"resource %q not found in source database", name)
		}
		var attrs = NotationMap(replicate.ReplicableAttributes(resource))

		for _, route := range routes[name] {
			var shape = sqlgen.ShapeTable(route.Target, attrs)
			if err := s.SyncTable(ctx, shape); err != nil {
				if cfg.OnMismatch == replicate.MismatchError {
					return err
				}
				s.Log.WithFields(log.Fields{
					"table": route.Target,
					"err":   err,
				}).Warn("schema sync failed for table")
			}
		}
	}

	s.Emitter.Emit(replicate.EventSchemaSyncCompleted, map[string]interface{}{
		"resources": resources,
		"strategy":  string(cfg.Strategy),
	})
	return nil
}

// SyncTable reconciles one destination table with its expected shape.
func (s *Syncer) SyncTable(ctx context.Context, shape sqlgen.TableShape) error {
	var cfg = s.Config.Normalize()

	var live, err = s.Introspect.TableSchema(ctx, shape.Name)
	if err != nil {
		return replicate.ConnectivityError("schema_sync", err)
	}

	switch cfg.Strategy {
	case replicate.SyncDropCreate:
		return s.dropCreate(ctx, shape, live)
	case replicate.SyncValidateOnly:
		return s.validateOnly(shape, live, cfg)
	default:
		return s.alter(ctx, shape, live, cfg)
	}
}

func (s *Syncer) dropCreate(ctx context.Context, shape sqlgen.TableShape, live map[string]ColumnInfo) error {
	s.Log.WithField("table", shape.Name).Warn("drop-create strategy: destination table will be recreated")

	if live != nil {
		if _, err := s.Exec.ExecContext(ctx, s.Gen.DropTable(shape.Name)); err != nil {
			return replicate.ConnectivityError("schema_sync", fmt.Errorf("dropping table %q: %w", shape.Name, err))
		}
	}
	if _, err := s.Exec.ExecContext(ctx, s.Gen.CreateTable(shape)); err != nil {
		return replicate.ConnectivityError("schema_sync", fmt.Errorf("creating table %q: %w", shape.Name, err))
	}
	s.Emitter.Emit(replicate.EventTableRecreated, map[string]interface{}{"table": shape.Name})
	return nil
}

func (s *Syncer) validateOnly(shape sqlgen.TableShape, live map[string]ColumnInfo, cfg replicate.SyncConfig) error {
	if live == nil {
		return s.mismatch(cfg, shape.Name,
			fmt.Sprintf("table %q does not exist", shape.Name),
			fmt.Sprintf("create table %q or enable schemaSync.autoCreateTable with the alter strategy", shape.Name))
	}
	if missing := missingColumns(shape, live); len(missing) > 0 {
		return s.mismatch(cfg, shape.Name,
			fmt.Sprintf("table %q is missing columns: %s", shape.Name, strings.Join(missing, ", ")),
			fmt.Sprintf("add the missing columns to %q or switch schemaSync.strategy to alter", shape.Name))
	}
	return nil
}

func (s *Syncer) alter(ctx context.Context, shape sqlgen.TableShape, live map[string]ColumnInfo, cfg replicate.SyncConfig) error {
	if live == nil {
		if !cfg.AutoCreateTable {
			return s.mismatch(cfg, shape.Name,
				fmt.Sprintf("table %q does not exist", shape.Name),
				"enable schemaSync.autoCreateTable or create the table manually")
		}
		if _, err := s.Exec.ExecContext(ctx, s.Gen.CreateTable(shape)); err != nil {
			return replicate.ConnectivityError("schema_sync", fmt.Errorf("creating table %q: %w", shape.Name, err))
		}
		s.Emitter.Emit(replicate.EventTableCreated, map[string]interface{}{"table": shape.Name})
		s.Log.WithField("table", shape.Name).Info("created destination table")
		return nil
	}

	var missing = missingColumns(shape, live)
	if len(missing) == 0 {
		s.surfaceTypeDiffs(shape, live)
		return nil
	}
	if !cfg.AutoCreateColumns {
		return s.mismatch(cfg, shape.Name,
			fmt.Sprintf("table %q is missing columns: %s", shape.Name, strings.Join(missing, ", ")),
			"enable schemaSync.autoCreateColumns or add the columns manually")
	}

	for _, col := range shape.Columns {
		if !contains(missing, col.Name) {
			continue
		}
		// New columns are always added nullable: existing rows have no value.
		var added = col
		added.Type.Required = false
		if _, err := s.Exec.ExecContext(ctx, s.Gen.AddColumn(shape.Name, added)); err != nil {
			return replicate.ConnectivityError("schema_sync", fmt.Errorf("adding column %q to %q: %w", col.Name, shape.Name, err))
		}
	}
	s.Emitter.Emit(replicate.EventTableAltered, map[string]interface{}{
		"table":   shape.Name,
		"columns": missing,
	})
	s.Log.WithFields(log.Fields{"table": shape.Name, "columns": missing}).Info("added missing columns")
	s.surfaceTypeDiffs(shape, live)
	return nil
}

func (s *Syncer) mismatch(cfg replicate.SyncConfig, table, problem, suggestion string) error {
	switch cfg.OnMismatch {
	case replicate.MismatchIgnore:
		return nil
	case replicate.MismatchWarn:
		s.Log.WithField("table", table).Warn(problem)
		return nil
	default:
		return replicate.SchemaMismatchError("schema_sync", "%s", problem).WithSuggestion(suggestion)
	}
}

// surfaceTypeDiffs logs columns whose live type no longer matches the
// expected mapping. Types are never altered; the diff is operator information.
func (s *Syncer) surfaceTypeDiffs(shape sqlgen.TableShape, live map[string]ColumnInfo) {
	var lower = lowered(live)
	for _, col := range shape.Columns {
		var info, ok = lower[strings.ToLower(col.Name)]
		if !ok {
			continue
		}
		var expected = s.Gen.Types.ColumnType(col.Type)
		if !strings.EqualFold(baseType(info.Type), baseType(expected)) {
			s.Log.WithFields(log.Fields{
				"table":    shape.Name,
				"column":   col.Name,
				"live":     info.Type,
				"expected": expected,
			}).Warn("destination column type differs from expected mapping")
		}
	}
}

// missingColumns diffs the expected column set (id plus attribute columns)
// against the live schema. Comparison is case-insensitive since dialects
// normalise identifier case differently.
func missingColumns(shape sqlgen.TableShape, live map[string]ColumnInfo) []string {
	var lower = lowered(live)
	var missing []string
	if _, ok := lower["id"]; !ok {
		missing = append(missing, "id")
	}
	for _, col := range shape.Columns {
		if _, ok := lower[strings.ToLower(col.Name)]; !ok {
			missing = append(missing, col.Name)
		}
	}
	return missing
}

func lowered(live map[string]ColumnInfo) map[string]ColumnInfo {
	var out = make(map[string]ColumnInfo, len(live))
	for name, info := range live {
		out[strings.ToLower(name)] = info
	}
	return out
}

func baseType(sqlType string) string {
	var base, _, _ = strings.Cut(sqlType, "(")
	return strings.TrimSpace(base)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
