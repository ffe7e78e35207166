package schema

// Column is an output column and its inferred storage type.
type Column struct {
	Name string
	Type string
}

// Registry records the first type observed for each table column.
// It is owned by a single ingestion pass.
type Registry struct {
	types map[TableName]map[string]string
}

func NewRegistry() *Registry {
	types := make(map[TableName]map[string]string, len(Tables))
	for _, t := range Tables {
		types[t.Name] = make(map[string]string, len(t.Columns))
	}
	return &Registry{types: types}
}

// Observe stores typ for the column unless a type is already known or typ is
// empty. It reports whether the registry changed.
func (r *Registry) Observe(table TableName, column, typ string) bool {
	if typ == "" {
		return false
	}
	cols, ok := r.types[table]
	if !ok {
		cols = make(map[string]string)
		r.types[table] = cols
	}
	if _, ok := cols[column]; ok {
		return false
	}
	cols[column] = typ
	return true
}

// Type returns the inferred type of a table column.
func (r *Registry) Type(table TableName, column string) (string, bool) {
	typ, ok := r.types[table][column]
	return typ, ok
}

// OutputSchema returns the column definitions of the joined output table.
// A column shared by several tables takes the type observed by the last table
// in merge order that observed one. Columns never observed get DefaultType.
func (r *Registry) OutputSchema() []Column {
	names := OutputColumns()
	resolved := make(map[string]string, len(names))
	for _, t := range Tables {
		for _, c := range t.Columns {
			if typ, ok := r.types[t.Name][c]; ok {
				resolved[c] = typ
			}
		}
	}

	cols := make([]Column, 0, len(names))
	for _, name := range names {
		typ, ok := resolved[name]
		if !ok {
			typ = DefaultType
		}
		cols = append(cols, Column{Name: name, Type: typ})
	}
	return cols
}
