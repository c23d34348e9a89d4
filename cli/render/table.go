package render

import (
	"fmt"
	"reflect"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/pithecene-io/oaiharvest/cli/tui"
)

// maxListed is the number of list items shown in a cell before the rest is
// summarized as "+N".
const maxListed = 3

// styledColumns are styled by their cell value.
var styledColumns = map[string]bool{"level": true, "outcome": true, "lastrun_advanced": true}

// column is one exported struct field shown in a table.
type column struct {
	name  string
	index int
}

// columnsOf lists the table columns of struct type t by their json names.
// Fields tagged json:"-" are hidden.
func columnsOf(t reflect.Type) []column {
	var cols []column
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch tag {
		case "-":
			continue
		case "":
			tag = strings.ToLower(f.Name)
		}
		cols = append(cols, column{name: tag, index: i})
	}
	return cols
}

func indirect(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Pointer && !v.IsNil() {
		v = v.Elem()
	}
	return v
}

func (r *Renderer) renderTable(data any) error {
	v := indirect(reflect.ValueOf(data))
	switch {
	case v.Kind() == reflect.Slice:
		return r.renderRows(v)
	case v.Kind() == reflect.Struct:
		return r.renderRecord(v)
	default:
		_, err := fmt.Fprintf(r.out, "%v\n", data)
		return err
	}
}

// renderRows prints one line per slice element.
func (r *Renderer) renderRows(v reflect.Value) error {
	if v.Len() == 0 {
		_, err := fmt.Fprintln(r.out, "(no results)")
		return err
	}
	elem := v.Type().Elem()
	for elem.Kind() == reflect.Pointer {
		elem = elem.Elem()
	}
	if elem.Kind() != reflect.Struct {
		for i := 0; i < v.Len(); i++ {
			fmt.Fprintln(r.out, cellText("", v.Index(i)))
		}
		return nil
	}

	cols := columnsOf(elem)
	headers := make([]string, len(cols))
	for i, c := range cols {
		headers[i] = c.name
	}
	rows := make([][]string, 0, v.Len())
	for i := 0; i < v.Len(); i++ {
		rows = append(rows, rowCells(indirect(v.Index(i)), cols))
	}

	if r.noColor {
		w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, strings.Join(headers, "\t"))
		for _, row := range rows {
			fmt.Fprintln(w, strings.Join(row, "\t"))
		}
		return w.Flush()
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tui.HeaderStyle.Padding(0, 1)
			}
			if row < 0 || row >= len(rows) || col >= len(headers) || !styledColumns[headers[col]] {
				return lipgloss.NewStyle().Padding(0, 1)
			}
			return tui.LevelStyle(rows[row][col]).Padding(0, 1)
		})
	_, err := fmt.Fprintln(r.out, t.Render())
	return err
}

// renderRecord prints a single struct as "name: value" lines.
func (r *Renderer) renderRecord(v reflect.Value) error {
	cols := columnsOf(v.Type())
	cells := rowCells(v, cols)
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	for i, c := range cols {
		value := cells[i]
		if !r.noColor && styledColumns[c.name] {
			value = tui.LevelStyle(value).Render(value)
		}
		fmt.Fprintf(w, "%s:\t%s\n", c.name, value)
	}
	return w.Flush()
}

// rowCells formats the cells of one row. A skipped or stopped source shows
// that state in its level cell instead of the level it never reached.
func rowCells(v reflect.Value, cols []column) []string {
	cells := make([]string, len(cols))
	state := ""
	for i, c := range cols {
		field := v.Field(c.index)
		cells[i] = cellText(c.name, field)
		if field.Kind() == reflect.Bool && field.Bool() && (c.name == "skipped" || c.name == "stopped") && state == "" {
			state = c.name
		}
	}
	if state != "" {
		for i, c := range cols {
			if c.name == "level" {
				cells[i] = state
			}
		}
	}
	return cells
}

// cellText formats one value for a table cell. name is the column name and
// selects the column-specific rules.
func cellText(name string, v reflect.Value) string {
	if !v.IsValid() {
		return "-"
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			if name == "lastrun" {
				return "never"
			}
			return "-"
		}
		v = v.Elem()
	}

	if v.CanInterface() {
		switch x := v.Interface().(type) {
		case time.Time:
			if x.IsZero() {
				return "-"
			}
			return x.UTC().Format(time.RFC3339)
		case fmt.Stringer:
			return x.String()
		}
	}

	switch v.Kind() {
	case reflect.Bool:
		if name == "lastrun_advanced" {
			if v.Bool() {
				return "advanced"
			}
			return "unchanged"
		}
		return fmt.Sprintf("%t", v.Bool())
	case reflect.Int, reflect.Int64:
		if strings.HasSuffix(name, "_ms") {
			return (time.Duration(v.Int()) * time.Millisecond).String()
		}
		return fmt.Sprintf("%d", v.Int())
	case reflect.Slice, reflect.Array:
		return listText(v)
	case reflect.Map:
		return fmt.Sprintf("{%d keys}", v.Len())
	case reflect.Struct:
		return "{...}"
	default:
		return fmt.Sprintf("%v", v.Interface())
	}
}

// listText joins the first items of a list and counts the rest.
func listText(v reflect.Value) string {
	if v.Len() == 0 {
		return "-"
	}
	n := min(v.Len(), maxListed)
	parts := make([]string, n)
	for i := range parts {
		parts[i] = cellText("", v.Index(i))
	}
	s := strings.Join(parts, ",")
	if rest := v.Len() - n; rest > 0 {
		s += fmt.Sprintf(" +%d", rest)
	}
	return s
}
